// Package scheduler drives the poll-fetch-diff-attribute loop against the
// canvas server. One cycle at a time, interval measured from the end of the
// previous cycle, each cycle raced against a hard ceiling.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"canvaswatch.app/internal/attribution"
	"canvaswatch.app/internal/canvas"
	"canvaswatch.app/internal/eventlog"
	"canvaswatch.app/internal/protocol"
)

// State of the sync loop. Completed and TimedOut are the transient outcomes
// of a cycle on its way back to Idle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
)

type TileFetcher interface {
	FetchTiles(ctx context.Context, tiles []protocol.TileRef) (*protocol.BatchResponse, error)
}

type Config struct {
	// Interval is the pause between the end of one cycle and the start of
	// the next.
	Interval time.Duration
	// Ceiling bounds how long the scheduler waits on a cycle before moving
	// on. The cycle itself is not aborted.
	Ceiling time.Duration
	// BatchSize is how many tiles go into one request.
	BatchSize int
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 4
	}
}

type Scheduler struct {
	cfg     Config
	regions *canvas.Registry
	store   *canvas.Store
	agg     *attribution.Aggregator
	events  *eventlog.Ring
	fetch   TileFetcher
	clock   quartz.Clock

	// persist, when set, runs after every cycle that attributed changes.
	persist func()

	cycles atomic.Uint64

	mu      sync.Mutex
	running bool
	state   State
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg Config, regions *canvas.Registry, store *canvas.Store, agg *attribution.Aggregator,
	fetch TileFetcher, events *eventlog.Ring, clock quartz.Clock) *Scheduler {
	cfg.fillDefaults()
	return &Scheduler{
		cfg:     cfg,
		regions: regions,
		store:   store,
		agg:     agg,
		events:  events,
		fetch:   fetch,
		clock:   clock,
		state:   StateIdle,
	}
}

// SetPersist installs the after-cycle persistence hook.
func (s *Scheduler) SetPersist(fn func()) {
	s.mu.Lock()
	s.persist = fn
	s.mu.Unlock()
}

// Start begins polling. It refuses (with a warning, not an error) when the
// loop is already running or when no regions are registered.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.events.Warnf("sync already running; start ignored")
		return false
	}
	if s.regions.Len() == 0 {
		s.events.Warnf("no regions registered; nothing to monitor")
		return false
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	s.events.Infof("monitoring started (%d region(s), interval %s)", s.regions.Len(), s.cfg.Interval)
	return true
}

// Stop prevents future cycles. A cycle already in flight is not cancelled;
// its results may still land after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
	s.events.Infof("monitoring stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycles reports how many cycles have settled (completed or timed out).
func (s *Scheduler) Cycles() uint64 {
	return s.cycles.Load()
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scheduler) loop(stop, done chan struct{}) {
	defer close(done)
	for {
		s.awaitCycle()

		timer := s.clock.NewTimer(s.cfg.Interval, "interval")
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// awaitCycle runs one cycle and waits for it to settle, racing its completion
// against the ceiling. On timeout the goroutine running the cycle is left
// alone: in-flight requests are not aborted, so a late cycle may still write
// to the store after the next one has begun. That race is part of the
// contract, not something the scheduler tries to prevent.
func (s *Scheduler) awaitCycle() {
	s.setState(StateRunning)

	res := make(chan error, 1)
	go func() { res <- s.runCycle(context.Background()) }()

	ceiling := s.clock.NewTimer(s.cfg.Ceiling, "ceiling")
	select {
	case err := <-res:
		ceiling.Stop()
		if err != nil {
			s.events.Errorf("sync cycle failed: %v", err)
		}
		s.setState(StateCompleted)
	case <-ceiling.C:
		s.events.Errorf("sync cycle still running after %s; scheduling next cycle anyway", s.cfg.Ceiling)
		s.setState(StateTimedOut)
	}

	s.cycles.Add(1)
	s.setState(StateIdle)
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	s.store.BeginCycle()

	keys := canvas.SortedKeys(canvas.Coverage(s.regions.List()))
	if len(keys) == 0 {
		s.events.Infof("sync complete: no tiles to cover")
		return nil
	}

	var changed []canvas.TileKey
	for start := 0; start < len(keys); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batchChanged, err := s.syncBatch(ctx, keys[start:end])
		if err != nil {
			return err
		}
		changed = append(changed, batchChanged...)
	}

	if len(changed) == 0 {
		s.events.Infof("sync complete: no changes")
		return nil
	}

	s.agg.Attribute(changed)

	s.mu.Lock()
	persist := s.persist
	s.mu.Unlock()
	if persist != nil {
		persist()
	}
	return nil
}

// syncBatch fetches one batch and applies its payloads. A response without a
// server timestamp discards the whole batch but is not a cycle failure.
func (s *Scheduler) syncBatch(ctx context.Context, keys []canvas.TileKey) ([]canvas.TileKey, error) {
	refs := make([]protocol.TileRef, len(keys))
	for i, k := range keys {
		refs[i] = protocol.TileRef{X: k.X, Y: k.Y, Timestamp: s.store.LastTimestamp(k)}
	}

	resp, err := s.fetch.FetchTiles(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("fetch batch of %d tiles: %w", len(refs), err)
	}
	if resp.ServerTimestamp == nil {
		s.events.Errorf("batch response missing server timestamp; discarding %d tile(s)", len(refs))
		return nil, nil
	}

	var changed []canvas.TileKey
	for id, payload := range resp.Tiles {
		if key, ok := s.store.Apply(id, payload, *resp.ServerTimestamp); ok {
			changed = append(changed, key)
		}
	}
	return changed, nil
}
