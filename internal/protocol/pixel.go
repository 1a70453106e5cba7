package protocol

import (
	"encoding/json"
	"fmt"
)

// PixelUpdate is one entry of a delta payload. On the wire it is a 4-element
// array [gridX, gridY, colorIndex, userId]; coordinates are absolute canvas
// coordinates, not tile-local offsets.
type PixelUpdate struct {
	X     int
	Y     int
	Color int
	User  uint32
}

func (p PixelUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int64{int64(p.X), int64(p.Y), int64(p.Color), int64(p.User)})
}

func (p *PixelUpdate) UnmarshalJSON(b []byte) error {
	var arr []int64
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if len(arr) != 4 {
		return fmt.Errorf("pixel update: want 4 elements, got %d", len(arr))
	}
	p.X = int(arr[0])
	p.Y = int(arr[1])
	p.Color = int(arr[2])
	p.User = uint32(arr[3])
	return nil
}
