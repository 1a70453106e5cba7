package canvas

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TileSize is the edge length of one server tile in canvas units.
const TileSize = 1000

// TileKey identifies one tile by its origin; both coordinates are multiples
// of TileSize.
type TileKey struct {
	X int
	Y int
}

func (k TileKey) ID() string {
	return fmt.Sprintf("tile_%d_%d", k.X, k.Y)
}

// ParseTileID parses "tile_<x>_<y>". Coordinates must be integers aligned to
// TileSize; anything else is rejected so malformed server keys cannot land in
// the store.
func ParseTileID(id string) (TileKey, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] != "tile" {
		return TileKey{}, fmt.Errorf("tile id %q: want tile_<x>_<y>", id)
	}
	x, err := strconv.Atoi(parts[1])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile id %q: bad x: %w", id, err)
	}
	y, err := strconv.Atoi(parts[2])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile id %q: bad y: %w", id, err)
	}
	if mod(x, TileSize) != 0 || mod(y, TileSize) != 0 {
		return TileKey{}, fmt.Errorf("tile id %q: origin not aligned to %d", id, TileSize)
	}
	return TileKey{X: x, Y: y}, nil
}

// Coverage returns the set of tile keys whose squares cover the bounding box
// of every region. Each region contributes the inclusive range from the
// floor-aligned min corner to the ceil-aligned max corner; the union is a set,
// so overlapping regions cost nothing extra.
func Coverage(regions []Region) map[TileKey]struct{} {
	keys := map[TileKey]struct{}{}
	for _, r := range regions {
		x0 := floorDiv(r.X, TileSize) * TileSize
		x1 := ceilDiv(r.X+r.W, TileSize) * TileSize
		y0 := floorDiv(r.Y, TileSize) * TileSize
		y1 := ceilDiv(r.Y+r.H, TileSize) * TileSize
		for x := x0; x <= x1; x += TileSize {
			for y := y0; y <= y1; y += TileSize {
				keys[TileKey{X: x, Y: y}] = struct{}{}
			}
		}
	}
	return keys
}

// SortedKeys flattens a coverage set into a deterministic order (x, then y),
// so batch composition is stable across cycles.
func SortedKeys(keys map[TileKey]struct{}) []TileKey {
	out := make([]TileKey, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	// b > 0
	q := a / b
	if a%b > 0 {
		q++
	}
	return q
}

func mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
