// Package protocol defines the wire contract between the monitor and the
// canvas server: tile batch synchronization and user profile lookups.
package protocol

// Payload types.
const (
	PayloadFull  = "full"
	PayloadDelta = "delta"
)

// TileRef addresses one tile in a batch request. Timestamp carries the last
// server timestamp known for that tile, 0 if the tile was never fetched.
type TileRef struct {
	X         int   `json:"x"`
	Y         int   `json:"y"`
	Timestamp int64 `json:"timestamp"`
}

// BatchRequest asks the canvas server for the current state of a set of tiles.
type BatchRequest struct {
	Tiles     []TileRef `json:"Tiles"`
	UserID    int64     `json:"userId"`
	TokenUser string    `json:"tokenUser"`
}

// BatchResponse carries per-tile payloads keyed by tile id ("tile_<x>_<y>").
// ServerTimestamp is a pointer so a missing field is distinguishable from 0;
// a response without it must be treated as an error by the caller. Tiles may
// be empty or absent, meaning no changes.
type BatchResponse struct {
	ServerTimestamp *int64                 `json:"ServerTimestamp,omitempty"`
	Tiles           map[string]TilePayload `json:"Tiles,omitempty"`
}

// TilePayload is either a full bitmap snapshot (ColorWebP/UserWebP, base64
// images) or a sparse delta (Pixels).
type TilePayload struct {
	Type      string        `json:"Type"`
	ColorWebP string        `json:"ColorWebP,omitempty"`
	UserWebP  string        `json:"UserWebP,omitempty"`
	Pixels    []PixelUpdate `json:"Pixels,omitempty"`
}

// ProfileRequest asks for the public profile of one user.
type ProfileRequest struct {
	TargetID int64 `json:"targetId"`
}

// ProfileResponse is the decoded profile. Raw keeps the untouched response
// body so callers can cache the whole profile, not just the name.
type ProfileResponse struct {
	Name string `json:"name"`

	Raw []byte `json:"-"`
}
