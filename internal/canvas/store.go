package canvas

import (
	"encoding/binary"
	"sync"

	"canvaswatch.app/internal/eventlog"
	"canvaswatch.app/internal/protocol"
)

// Pixel is an absolute canvas coordinate.
type Pixel struct {
	X int
	Y int
}

// Tile is the stored state for one tile: a color plane (one color-index byte
// per pixel) and a user plane (4 bytes per pixel, little-endian uint32 user
// id). Both planes are W*H pixels, row-major, y*W+x.
type Tile struct {
	W, H            int
	Color           []byte
	User            []byte
	ServerTimestamp int64
	Checksum        uint32
}

// UserAt reads the packed user id at a local offset.
func (t *Tile) UserAt(lx, ly int) uint32 {
	return binary.LittleEndian.Uint32(t.User[(ly*t.W+lx)*4:])
}

// pixelSet is a deduplicated set of canvas coordinates that remembers
// insertion order, so "first pixel encountered" stays well defined when
// attribution walks it.
type pixelSet struct {
	seen  map[Pixel]struct{}
	order []Pixel
}

func (s *pixelSet) add(p Pixel) {
	if _, ok := s.seen[p]; ok {
		return
	}
	s.seen[p] = struct{}{}
	s.order = append(s.order, p)
}

// Store holds all tile state plus the per-cycle changed-pixel sets. The sync
// loop is the only writer; the mutex exists because a timed-out cycle may
// still be flushing results while the next one runs.
type Store struct {
	events *eventlog.Ring

	mu      sync.Mutex
	tiles   map[TileKey]*Tile
	changed map[TileKey]*pixelSet
}

func NewStore(events *eventlog.Ring) *Store {
	return &Store{
		events:  events,
		tiles:   map[TileKey]*Tile{},
		changed: map[TileKey]*pixelSet{},
	}
}

// BeginCycle drops the previous cycle's changed-pixel sets. Called once at
// the start of every sync.
func (s *Store) BeginCycle() {
	s.mu.Lock()
	s.changed = map[TileKey]*pixelSet{}
	s.mu.Unlock()
}

// Apply reconciles one tile payload into the store and reports whether the
// tile is now considered changed. Malformed tile ids and undecodable full
// payloads are logged and leave the store untouched.
func (s *Store) Apply(id string, p protocol.TilePayload, serverTS int64) (TileKey, bool) {
	key, err := ParseTileID(id)
	if err != nil {
		s.events.Errorf("tile payload dropped: %v", err)
		return TileKey{}, false
	}

	switch p.Type {
	case protocol.PayloadFull:
		return key, s.applyFull(key, p, serverTS)
	case protocol.PayloadDelta:
		return key, s.applyDelta(key, p, serverTS)
	default:
		s.events.Errorf("tile %s: unknown payload type %q", id, p.Type)
		return TileKey{}, false
	}
}

func (s *Store) applyFull(key TileKey, p protocol.TilePayload, serverTS int64) bool {
	color, user, w, h, err := decodePlanes(p.ColorWebP, p.UserWebP)
	if err != nil {
		s.events.Errorf("tile %s: decode full payload: %v", key.ID(), err)
		return false
	}
	sum := Checksum(user)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tiles[key]
	if !ok {
		// First sight of this tile: baseline only, nothing to diff against.
		s.tiles[key] = &Tile{W: w, H: h, Color: color, User: user, ServerTimestamp: serverTS, Checksum: sum}
		return false
	}
	if prev.Checksum == sum {
		prev.ServerTimestamp = serverTS
		return false
	}
	// Whole-tile change. No per-pixel diff here: full refreshes raise only
	// the tile-level flag, so they never feed pixel attribution.
	s.tiles[key] = &Tile{W: w, H: h, Color: color, User: user, ServerTimestamp: serverTS, Checksum: sum}
	return true
}

func (s *Store) applyDelta(key TileKey, p protocol.TilePayload, serverTS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tiles[key]
	if !ok {
		// No baseline yet; nothing to apply the delta against.
		return false
	}

	set := s.changed[key]
	if set == nil {
		set = &pixelSet{seen: map[Pixel]struct{}{}}
		s.changed[key] = set
	}

	for _, u := range p.Pixels {
		lx := u.X - key.X
		ly := u.Y - key.Y
		if lx < 0 || lx >= t.W || ly < 0 || ly >= t.H {
			// Server data is not trusted to be in range.
			continue
		}
		set.add(Pixel{X: u.X, Y: u.Y})
		i := ly*t.W + lx
		t.Color[i] = byte(u.Color)
		binary.LittleEndian.PutUint32(t.User[i*4:], u.User)
	}

	t.Checksum = Checksum(t.User)
	t.ServerTimestamp = serverTS
	return len(p.Pixels) > 0
}

// UserIDAt reads the final user id at an absolute coordinate, 0 when the tile
// or offset is unknown.
func (s *Store) UserIDAt(key TileKey, p Pixel) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiles[key]
	if !ok {
		return 0
	}
	lx, ly := p.X-key.X, p.Y-key.Y
	if lx < 0 || lx >= t.W || ly < 0 || ly >= t.H {
		return 0
	}
	return t.UserAt(lx, ly)
}

// ChangedPixels returns this cycle's changed coordinates for a tile in
// first-touched order.
func (s *Store) ChangedPixels(key TileKey) []Pixel {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.changed[key]
	if !ok {
		return nil
	}
	return append([]Pixel(nil), set.order...)
}

// LastTimestamp returns the stored server timestamp for a tile, 0 if the tile
// was never seen.
func (s *Store) LastTimestamp(key TileKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tiles[key]; ok {
		return t.ServerTimestamp
	}
	return 0
}

// Snapshot returns a copy of one tile's state, mainly for tests and the
// status endpoint.
func (s *Store) Snapshot(key TileKey) (Tile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiles[key]
	if !ok {
		return Tile{}, false
	}
	cp := Tile{W: t.W, H: t.H, ServerTimestamp: t.ServerTimestamp, Checksum: t.Checksum}
	cp.Color = append([]byte(nil), t.Color...)
	cp.User = append([]byte(nil), t.User...)
	return cp, true
}

func (s *Store) TileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tiles)
}

// Seed installs a baseline tile directly. Used by tests and by delta-only
// replay tooling; regular syncs always go through Apply.
func (s *Store) Seed(key TileKey, w, h int, serverTS int64) {
	color := make([]byte, w*h)
	user := make([]byte, w*h*4)
	s.mu.Lock()
	s.tiles[key] = &Tile{W: w, H: h, Color: color, User: user, ServerTimestamp: serverTS, Checksum: Checksum(user)}
	s.mu.Unlock()
}
