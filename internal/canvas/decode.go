package canvas

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"

	_ "image/png"

	_ "golang.org/x/image/webp"
)

// decodePlanes turns the two base64 images of a full payload into the stored
// byte planes. The color image is reduced to its first channel (the server
// encodes the color index there; the other three bytes are padding we keep
// out of the store). The user image's pixel bytes are kept verbatim: 4 bytes
// per pixel, little-endian uint32 user id.
func decodePlanes(colorB64, userB64 string) (color, user []byte, w, h int, err error) {
	colorImg, err := decodeImage(colorB64)
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("color image: %w", err)
	}
	userImg, err := decodeImage(userB64)
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("user image: %w", err)
	}
	cb, ub := colorImg.Bounds(), userImg.Bounds()
	if cb.Dx() != ub.Dx() || cb.Dy() != ub.Dy() {
		return nil, nil, 0, 0, fmt.Errorf("plane size mismatch: color %dx%d vs user %dx%d",
			cb.Dx(), cb.Dy(), ub.Dx(), ub.Dy())
	}
	w, h = cb.Dx(), cb.Dy()

	color = make([]byte, w*h)
	for i := 0; i < w*h; i++ {
		color[i] = colorImg.Pix[i*4]
	}
	user = append([]byte(nil), userImg.Pix...)
	return color, user, w, h, nil
}

func decodeImage(b64 string) (*image.NRGBA, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == n.Rect.Dx()*4 {
		return n, nil
	}
	b := img.Bounds()
	n := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(n, n.Bounds(), img, b.Min, draw.Src)
	return n, nil
}
