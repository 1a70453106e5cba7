// Package attribution turns the per-cycle changed-pixel sets into per-user
// statistics: a leaderboard keyed by (user, region) and an activity feed with
// one record per user per cycle.
package attribution

import (
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"

	"canvaswatch.app/internal/canvas"
	"canvaswatch.app/internal/eventlog"
)

// Prefetcher warms the display-name cache for a user id. Attribution itself
// is keyed by numeric id; names are for downstream display only.
type Prefetcher interface {
	Prefetch(userID uint32)
}

// UnknownRegion labels pixels covered by no monitored region.
const UnknownRegion = "Unknown"

type LeaderKey struct {
	UserID uint32 `json:"userId"`
	Region string `json:"region"`
}

type LeaderEntry struct {
	UserID   uint32    `json:"userId"`
	Region   string    `json:"region"`
	Pixels   int64     `json:"pixels"`
	LastSeen time.Time `json:"lastSeen"`
}

// ActivityRecord is one cycle's worth of attributed pixels for one user.
// Records from different cycles are never merged.
type ActivityRecord struct {
	UserID uint32    `json:"userId"`
	Region string    `json:"region"`
	Tile   string    `json:"tile"`
	Pixels int       `json:"pixels"`
	At     time.Time `json:"at"`
}

type Aggregator struct {
	regions  *canvas.Registry
	store    *canvas.Store
	events   *eventlog.Ring
	clock    quartz.Clock
	prefetch Prefetcher

	mu       sync.Mutex
	board    map[LeaderKey]*LeaderEntry
	activity []ActivityRecord // oldest first; accessors reverse
	subs     map[chan ActivityRecord]struct{}
}

func NewAggregator(regions *canvas.Registry, store *canvas.Store, events *eventlog.Ring, clock quartz.Clock) *Aggregator {
	return &Aggregator{
		regions: regions,
		store:   store,
		events:  events,
		clock:   clock,
		board:   map[LeaderKey]*LeaderEntry{},
		subs:    map[chan ActivityRecord]struct{}{},
	}
}

// SetPrefetcher wires the identity resolver in. Optional; nil disables the
// async name warm-up.
func (a *Aggregator) SetPrefetcher(p Prefetcher) {
	a.mu.Lock()
	a.prefetch = p
	a.mu.Unlock()
}

// userGroup accumulates one user's pixels within a cycle. The first pixel
// encountered fixes region and tile for the whole cycle; later pixels only
// add to the count, even when they fall in another region or tile.
type userGroup struct {
	region string
	tile   string
	pixels int
}

// Attribute walks the changed tiles in order, reads the final user id for
// every changed pixel out of the store, and folds the result into the
// leaderboard and the activity log. Pixels owned by nobody (user id 0) are
// ignored entirely.
func (a *Aggregator) Attribute(changed []canvas.TileKey) {
	groups := map[uint32]*userGroup{}
	var order []uint32

	for _, key := range changed {
		tileID := key.ID()
		for _, px := range a.store.ChangedPixels(key) {
			uid := a.store.UserIDAt(key, px)
			if uid == 0 {
				continue
			}
			g, ok := groups[uid]
			if !ok {
				name := UnknownRegion
				if r, found := a.regions.FindFirst(px.X, px.Y); found {
					name = r.Name
				}
				g = &userGroup{region: name, tile: tileID}
				groups[uid] = g
				order = append(order, uid)
			}
			g.pixels++
		}
	}
	if len(order) == 0 {
		return
	}

	now := a.clock.Now()
	a.mu.Lock()
	prefetch := a.prefetch
	for _, uid := range order {
		g := groups[uid]
		key := LeaderKey{UserID: uid, Region: g.region}
		e := a.board[key]
		if e == nil {
			e = &LeaderEntry{UserID: uid, Region: g.region}
			a.board[key] = e
		}
		e.Pixels += int64(g.pixels)
		e.LastSeen = now

		rec := ActivityRecord{UserID: uid, Region: g.region, Tile: g.tile, Pixels: g.pixels, At: now}
		a.activity = append(a.activity, rec)
		for ch := range a.subs {
			select {
			case ch <- rec:
			default:
			}
		}
	}
	a.mu.Unlock()

	a.events.Infof("attributed %d user(s) across %d changed tile(s)", len(order), len(changed))
	if prefetch != nil {
		for _, uid := range order {
			go prefetch.Prefetch(uid)
		}
	}
}

// Top returns the highest-scoring leaderboard entries, pixels descending,
// last-seen recency as the tie break. n <= 0 means all.
func (a *Aggregator) Top(n int) []LeaderEntry {
	a.mu.Lock()
	out := make([]LeaderEntry, 0, len(a.board))
	for _, e := range a.board {
		out = append(out, *e)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pixels != out[j].Pixels {
			return out[i].Pixels > out[j].Pixels
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// RecentActivity returns up to n activity records, newest first.
func (a *Aggregator) RecentActivity(n int) []ActivityRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.activity) {
		n = len(a.activity)
	}
	out := make([]ActivityRecord, n)
	for i := 0; i < n; i++ {
		out[i] = a.activity[len(a.activity)-1-i]
	}
	return out
}

// ResetLeaderboard wipes all accumulated totals. Only an explicit operator
// action reaches here.
func (a *Aggregator) ResetLeaderboard() {
	a.mu.Lock()
	a.board = map[LeaderKey]*LeaderEntry{}
	a.mu.Unlock()
	a.events.Warnf("leaderboard reset by operator")
}

// Subscribe returns a channel of future activity records for live feeds.
// Buffered; records are dropped when the consumer lags.
func (a *Aggregator) Subscribe() (<-chan ActivityRecord, func()) {
	ch := make(chan ActivityRecord, 256)
	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()
	return ch, func() {
		a.mu.Lock()
		delete(a.subs, ch)
		a.mu.Unlock()
	}
}
