// Package identity resolves numeric user ids to display names through the
// profile endpoint, with a TTL cache and coalescing of concurrent lookups.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"canvaswatch.app/internal/eventlog"
	"canvaswatch.app/internal/protocol"
)

// NobodyName is returned for user id 0 without ever touching the network.
const NobodyName = "Nobody"

// DefaultTTL is how long a cached profile counts as fresh. Entries past the
// TTL are kept (stale, not deleted) and refetched on the next lookup.
const DefaultTTL = time.Hour

type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID uint32) (*protocol.ProfileResponse, error)
}

type cacheEntry struct {
	Username  string          `json:"username"`
	Raw       json.RawMessage `json:"rawProfile,omitempty"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

type Resolver struct {
	fetcher ProfileFetcher
	events  *eventlog.Ring
	clock   quartz.Clock
	ttl     time.Duration

	group singleflight.Group

	mu    sync.Mutex
	cache map[uint32]cacheEntry
}

func NewResolver(fetcher ProfileFetcher, events *eventlog.Ring, clock quartz.Clock, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		fetcher: fetcher,
		events:  events,
		clock:   clock,
		ttl:     ttl,
		cache:   map[uint32]cacheEntry{},
	}
}

// Resolve returns the display name for a user id. Fresh cache hits return
// immediately; otherwise exactly one fetch runs per id at a time and every
// concurrent caller shares its result. A failed fetch is logged, cached
// nowhere, and answered with a fallback name so the caller always gets
// something displayable.
func (r *Resolver) Resolve(ctx context.Context, userID uint32) string {
	if userID == 0 {
		return NobodyName
	}

	r.mu.Lock()
	if e, ok := r.cache[userID]; ok && r.clock.Now().Sub(e.FetchedAt) < r.ttl {
		r.mu.Unlock()
		return e.Username
	}
	r.mu.Unlock()

	v, _, _ := r.group.Do(strconv.FormatUint(uint64(userID), 10), func() (any, error) {
		resp, err := r.fetcher.FetchProfile(ctx, userID)
		if err != nil {
			r.events.Warnf("profile fetch for user %d failed: %v", userID, err)
			return fallbackName(userID), nil
		}
		name := resp.Name
		if name == "" {
			name = fallbackName(userID)
		}
		r.mu.Lock()
		r.cache[userID] = cacheEntry{
			Username:  name,
			Raw:       json.RawMessage(resp.Raw),
			FetchedAt: r.clock.Now(),
		}
		r.mu.Unlock()
		return name, nil
	})
	return v.(string)
}

// Prefetch resolves in the background, for warming names right after
// attribution. Errors are already handled inside Resolve.
func (r *Resolver) Prefetch(userID uint32) {
	_ = r.Resolve(context.Background(), userID)
}

// CacheJSON persists the cache as an association list.
func (r *Resolver) CacheJSON() (json.RawMessage, error) {
	type assoc struct {
		UserID uint32 `json:"userId"`
		cacheEntry
	}
	r.mu.Lock()
	list := make([]assoc, 0, len(r.cache))
	for id, e := range r.cache {
		list = append(list, assoc{UserID: id, cacheEntry: e})
	}
	r.mu.Unlock()
	return json.Marshal(list)
}

func (r *Resolver) RestoreCache(raw json.RawMessage) error {
	type assoc struct {
		UserID uint32 `json:"userId"`
		cacheEntry
	}
	var list []assoc
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache = make(map[uint32]cacheEntry, len(list))
	for _, a := range list {
		r.cache[a.UserID] = a.cacheEntry
	}
	r.mu.Unlock()
	return nil
}

func fallbackName(userID uint32) string {
	return fmt.Sprintf("User%d", userID)
}
