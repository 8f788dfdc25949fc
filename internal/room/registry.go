package room

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/roomrelay/internal/fanout"
)

// Errors
var (
	ErrClosed    = errors.New("room registry closed")
	ErrEmptyRoom = errors.New("room name is empty")
)

// Registry tracks the rooms that have local subscribers.
type Registry interface {
	// Acquire adds one subscriber to room and returns its receiver. The
	// first subscriber creates the room and starts its bridge; created
	// reports whether this call did so. If the bridge cannot be started the
	// room is not created and nothing needs to be released.
	Acquire(ctx context.Context, room string) (rx *fanout.Receiver[string], created bool, err error)

	// Release drops one subscriber from room. At zero the room is removed
	// and its bridge stopped. Releasing an unknown room is a no-op.
	Release(room string)

	// Publish sends payload to room through the bus.
	Publish(ctx context.Context, room, payload string) error

	// Rooms returns a snapshot of every room.
	Rooms() []Info

	// Stats returns registry-wide counters.
	Stats() Stats

	// Close stops every bridge and rejects further Acquire calls.
	Close(ctx context.Context) error
}

// Info describes one room.
type Info struct {
	Name          string    `json:"name"`
	ChannelKey    string    `json:"channel_key"`
	Subscribers   int       `json:"subscribers"`
	BridgeRunning bool      `json:"bridge_running"`
	Messages      uint64    `json:"messages"`
	Lagged        uint64    `json:"lagged"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats holds registry-wide counters.
type Stats struct {
	Rooms          int    `json:"rooms"`
	Subscribers    int    `json:"subscribers"`
	BridgesRunning int    `json:"bridges_running"`
	RoomsCreated   uint64 `json:"rooms_created"`
	RoomsRemoved   uint64 `json:"rooms_removed"`
	BridgeFailures uint64 `json:"bridge_failures"`
	Published      uint64 `json:"published"`
}

// Config holds Room Registry configuration.
type Config struct {
	ChannelCapacity  int           // Fan-out ring size per room
	ChannelPrefix    string        // Prepended to room names to form bus channels
	SubscribeTimeout time.Duration // Bound on starting a bridge
	PublishTimeout   time.Duration // Bound on a single bus publish
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChannelCapacity:  fanout.DefaultCapacity,
		SubscribeTimeout: 5 * time.Second,
		PublishTimeout:   5 * time.Second,
	}
}
