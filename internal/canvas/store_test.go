package canvas

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"image"
	"image/png"
	"testing"

	"github.com/coder/quartz"

	"canvaswatch.app/internal/eventlog"
	"canvaswatch.app/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(eventlog.NewRing(100, quartz.NewMock(t), nil))
}

// encodePlane builds a base64 PNG whose NRGBA bytes are exactly pix
// (4 bytes per pixel). PNG keeps non-premultiplied RGBA verbatim, so the
// store sees the same bytes back.
func encodePlane(t *testing.T, w, h int, pix []byte) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, pix)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func fullPayload(t *testing.T, w, h int, colorIndex byte, userIDs []uint32) protocol.TilePayload {
	t.Helper()
	colorPix := make([]byte, w*h*4)
	userPix := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		colorPix[i*4] = colorIndex
		colorPix[i*4+3] = 0xff
		var uid uint32
		if userIDs != nil {
			uid = userIDs[i]
		}
		binary.LittleEndian.PutUint32(userPix[i*4:], uid)
	}
	return protocol.TilePayload{
		Type:      protocol.PayloadFull,
		ColorWebP: encodePlane(t, w, h, colorPix),
		UserWebP:  encodePlane(t, w, h, userPix),
	}
}

func TestApply_MalformedIDLeavesStoreAlone(t *testing.T) {
	s := newTestStore(t)
	_, changed := s.Apply("tile_oops", protocol.TilePayload{Type: protocol.PayloadDelta}, 1)
	if changed {
		t.Fatalf("malformed id must not report changed")
	}
	if s.TileCount() != 0 {
		t.Fatalf("malformed id must not create tiles")
	}
}

func TestApplyFull_FirstSightIsBaselineNotChange(t *testing.T) {
	s := newTestStore(t)
	key, changed := s.Apply("tile_0_0", fullPayload(t, 4, 4, 1, nil), 100)
	if changed {
		t.Fatalf("baseline install must report unchanged")
	}
	if key != (TileKey{0, 0}) {
		t.Fatalf("key: %+v", key)
	}
	if got := s.LastTimestamp(key); got != 100 {
		t.Fatalf("timestamp: got %d", got)
	}
}

func TestApplyFull_SameChecksumBumpsTimestampOnly(t *testing.T) {
	s := newTestStore(t)
	key, _ := s.Apply("tile_0_0", fullPayload(t, 4, 4, 1, nil), 100)

	// Same user plane, different color plane: the checksum covers only the
	// user plane, so this counts as unchanged.
	_, changed := s.Apply("tile_0_0", fullPayload(t, 4, 4, 9, nil), 200)
	if changed {
		t.Fatalf("identical user plane must report unchanged")
	}
	if got := s.LastTimestamp(key); got != 200 {
		t.Fatalf("timestamp must advance, got %d", got)
	}
	snap, _ := s.Snapshot(key)
	if snap.Color[0] != 1 {
		t.Fatalf("unchanged full payload must not overwrite planes")
	}
}

func TestApplyFull_DifferentChecksumChangesWithoutPixelSet(t *testing.T) {
	s := newTestStore(t)
	key, _ := s.Apply("tile_0_0", fullPayload(t, 4, 4, 1, nil), 100)

	users := make([]uint32, 16)
	users[5] = 42
	_, changed := s.Apply("tile_0_0", fullPayload(t, 4, 4, 1, users), 200)
	if !changed {
		t.Fatalf("new user plane must report changed")
	}
	if px := s.ChangedPixels(key); len(px) != 0 {
		t.Fatalf("full refresh must not produce a pixel-level changed set, got %d", len(px))
	}
	snap, _ := s.Snapshot(key)
	if snap.UserAt(1, 1) != 42 {
		t.Fatalf("user plane not overwritten: got %d", snap.UserAt(1, 1))
	}
}

func TestApplyDelta_NoBaselineIsDropped(t *testing.T) {
	s := newTestStore(t)
	p := protocol.TilePayload{
		Type:   protocol.PayloadDelta,
		Pixels: []protocol.PixelUpdate{{X: 5, Y: 5, Color: 2, User: 77}},
	}
	key, changed := s.Apply("tile_0_0", p, 50)
	if changed {
		t.Fatalf("delta without baseline must report unchanged")
	}
	if s.TileCount() != 0 {
		t.Fatalf("delta without baseline must not create state")
	}
	if px := s.ChangedPixels(key); len(px) != 0 {
		t.Fatalf("dropped delta must not record pixels")
	}
}

func TestApplyDelta_WritesPlanesAndChangedSet(t *testing.T) {
	s := newTestStore(t)
	key := TileKey{0, 0}
	s.Seed(key, 10, 10, 10)
	before, _ := s.Snapshot(key)

	p := protocol.TilePayload{
		Type:   protocol.PayloadDelta,
		Pixels: []protocol.PixelUpdate{{X: 5, Y: 5, Color: 2, User: 77}},
	}
	_, changed := s.Apply(key.ID(), p, 20)
	if !changed {
		t.Fatalf("delta with one update must report changed")
	}
	snap, _ := s.Snapshot(key)
	if snap.Color[5*10+5] != 2 {
		t.Fatalf("color byte: got %d", snap.Color[5*10+5])
	}
	wantUser := []byte{77, 0, 0, 0} // little-endian 77
	got := snap.User[(5*10+5)*4 : (5*10+5)*4+4]
	if !bytes.Equal(got, wantUser) {
		t.Fatalf("user bytes: got %v want %v", got, wantUser)
	}
	if snap.Checksum == before.Checksum {
		t.Fatalf("checksum should differ after the delta")
	}
	if snap.ServerTimestamp != 20 {
		t.Fatalf("timestamp: got %d", snap.ServerTimestamp)
	}
	px := s.ChangedPixels(key)
	if len(px) != 1 || px[0] != (Pixel{5, 5}) {
		t.Fatalf("changed set: got %+v", px)
	}
}

func TestApplyDelta_OutOfBoundsSkipped(t *testing.T) {
	s := newTestStore(t)
	key := TileKey{1000, 1000}
	s.Seed(key, 10, 10, 0)

	p := protocol.TilePayload{
		Type: protocol.PayloadDelta,
		Pixels: []protocol.PixelUpdate{
			{X: 999, Y: 1005, Color: 1, User: 9},  // left of tile
			{X: 1010, Y: 1005, Color: 1, User: 9}, // beyond 10x10 bitmap
			{X: 1003, Y: 1003, Color: 1, User: 9}, // in range
		},
	}
	_, changed := s.Apply(key.ID(), p, 5)
	if !changed {
		t.Fatalf("payload had updates, must report changed")
	}
	px := s.ChangedPixels(key)
	if len(px) != 1 || px[0] != (Pixel{1003, 1003}) {
		t.Fatalf("only the in-range pixel may land, got %+v", px)
	}
}

func TestApplyDelta_LastWriteWinsAndDedup(t *testing.T) {
	s := newTestStore(t)
	key := TileKey{0, 0}
	s.Seed(key, 10, 10, 0)

	p := protocol.TilePayload{
		Type: protocol.PayloadDelta,
		Pixels: []protocol.PixelUpdate{
			{X: 3, Y: 3, Color: 1, User: 10},
			{X: 3, Y: 3, Color: 2, User: 20},
		},
	}
	s.Apply(key.ID(), p, 1)
	if got := s.UserIDAt(key, Pixel{3, 3}); got != 20 {
		t.Fatalf("last write must win: got %d", got)
	}
	if px := s.ChangedPixels(key); len(px) != 1 {
		t.Fatalf("re-touched coordinate must count once, got %d", len(px))
	}
}

func TestBeginCycle_ClearsChangedSets(t *testing.T) {
	s := newTestStore(t)
	key := TileKey{0, 0}
	s.Seed(key, 10, 10, 0)
	s.Apply(key.ID(), protocol.TilePayload{
		Type:   protocol.PayloadDelta,
		Pixels: []protocol.PixelUpdate{{X: 1, Y: 1, Color: 1, User: 5}},
	}, 1)

	s.BeginCycle()
	if px := s.ChangedPixels(key); len(px) != 0 {
		t.Fatalf("changed sets must reset per cycle, got %+v", px)
	}
	// Bitmap state survives across cycles.
	if got := s.UserIDAt(key, Pixel{1, 1}); got != 5 {
		t.Fatalf("bitmap state must persist: got %d", got)
	}
}

func TestApplyFull_DecodesColorChannelAndUserPlane(t *testing.T) {
	s := newTestStore(t)
	users := make([]uint32, 9)
	users[4] = 0x01020304
	s.Apply("tile_0_0", fullPayload(t, 3, 3, 7, users), 1)

	snap, ok := s.Snapshot(TileKey{0, 0})
	if !ok {
		t.Fatalf("tile missing")
	}
	if snap.W != 3 || snap.H != 3 {
		t.Fatalf("dims: %dx%d", snap.W, snap.H)
	}
	if snap.Color[0] != 7 {
		t.Fatalf("color index channel: got %d", snap.Color[0])
	}
	if snap.UserAt(1, 1) != 0x01020304 {
		t.Fatalf("packed user id: got %#x", snap.UserAt(1, 1))
	}
	wantBytes := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(snap.User[4*4:4*4+4], wantBytes) {
		t.Fatalf("little-endian layout: got %v", snap.User[4*4:4*4+4])
	}
}
