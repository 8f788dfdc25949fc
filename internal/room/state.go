package room

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/roomrelay/internal/fanout"
)

// roomEntry is one live room.
type roomEntry struct {
	name      string
	key       string
	channel   *fanout.Channel[string]
	bridge    *bridge
	count     int
	createdAt time.Time

	// firstRx belongs to whichever Acquire call claims it. Exactly one
	// caller wins the claim, so the creating subscriber is counted once.
	firstRx *fanout.Receiver[string]
	claimed atomic.Bool
}

func (e *roomEntry) info() Info {
	st := e.channel.Stats()
	return Info{
		Name:          e.name,
		ChannelKey:    e.key,
		Subscribers:   e.count,
		BridgeRunning: e.bridge.isRunning(),
		Messages:      st.TotalSent,
		Lagged:        st.TotalLagged,
		CreatedAt:     e.createdAt,
	}
}

// registryState holds the thread-safe room table.
type registryState struct {
	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool

	created   uint64
	removed   uint64
	failures  uint64
	published uint64
}

func newState() *registryState {
	return &registryState{
		rooms: make(map[string]*roomEntry),
	}
}

// snapshot returns every room sorted by name.
func (s *registryState) snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Info, 0, len(s.rooms))
	for _, e := range s.rooms {
		result = append(result, e.info())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

func (s *registryState) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Rooms:          len(s.rooms),
		RoomsCreated:   s.created,
		RoomsRemoved:   s.removed,
		BridgeFailures: s.failures,
		Published:      s.published,
	}
	for _, e := range s.rooms {
		st.Subscribers += e.count
		if e.bridge.isRunning() {
			st.BridgesRunning++
		}
	}
	return st
}

// count returns the subscriber count of room, or 0 if absent.
func (s *registryState) count(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.rooms[room]; ok {
		return e.count
	}
	return 0
}
