package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/roomrelay/internal/room"
	"github.com/rickgao/roomrelay/internal/writer"
)

// RoomSource provides the rooms to sample.
type RoomSource interface {
	Rooms() []room.Info
}

// SampleHandler receives one batch of samples per poll.
type SampleHandler interface {
	HandleSamples(samples []writer.ActivitySample)
}

// SampleHandlerFunc is a function adapter for SampleHandler.
type SampleHandlerFunc func([]writer.ActivitySample)

func (f SampleHandlerFunc) HandleSamples(s []writer.ActivitySample) {
	f(s)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Sample interval (default: 1m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
	}
}

// roomKey separates successive incarnations of the same room name.
type roomKey struct {
	name      string
	createdAt time.Time
}

type counters struct {
	messages uint64
	lagged   uint64
}

// Poller periodically samples room activity.
type Poller struct {
	cfg     Config
	rooms   RoomSource
	handler SampleHandler
	logger  *slog.Logger

	// Counters seen at the previous poll.
	last map[roomKey]counters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, rooms RoomSource, handler SampleHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Poller{
		cfg:     cfg,
		rooms:   rooms,
		handler: handler,
		logger:  logger,
		last:    make(map[roomKey]counters),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("activity poller started", "interval", p.cfg.Interval)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("activity poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.pollAll(now)
		}
	}
}

// pollAll samples every room and forwards the deltas since the last poll.
func (p *Poller) pollAll(now time.Time) {
	infos := p.rooms.Rooms()
	bucket := now.Truncate(p.cfg.Interval)

	seen := make(map[roomKey]counters, len(infos))
	samples := make([]writer.ActivitySample, 0, len(infos))

	for _, info := range infos {
		key := roomKey{name: info.Name, createdAt: info.CreatedAt}
		cur := counters{messages: info.Messages, lagged: info.Lagged}
		prev := p.last[key]
		seen[key] = cur

		samples = append(samples, writer.ActivitySample{
			BucketTs:    bucket,
			Room:        info.Name,
			Subscribers: info.Subscribers,
			Messages:    delta(cur.messages, prev.messages),
			Lagged:      delta(cur.lagged, prev.lagged),
		})
	}

	// Rooms that disappeared are forgotten.
	p.last = seen

	if len(samples) == 0 {
		p.logger.Debug("no active rooms to sample")
		return
	}

	if p.handler != nil {
		p.handler.HandleSamples(samples)
	}

	p.logger.Debug("activity sample complete", "rooms", len(samples), "bucket", bucket)
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
