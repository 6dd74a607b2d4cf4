// Package camera turns captured frames into the base64 JPEG strings that
// are published on the video topic.
package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// ErrNoFrame is returned by a Source when a capture produced nothing usable.
var ErrNoFrame = errors.New("camera: no frame")

// Source yields JPEG-encoded frames. Next blocks for at most one frame
// period or until ctx is done.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Encoder resizes and recompresses frames to keep the published payload small.
type Encoder struct {
	Width   int
	Height  int
	Quality int
}

// Encode decodes a JPEG frame, scales it to the target size when it differs
// and returns the re-encoded image as standard base64.
func (e Encoder) Encode(frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", ErrNoFrame
	}
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return "", fmt.Errorf("camera: decode frame: %w", err)
	}

	img := e.resize(src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return "", fmt.Errorf("camera: encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (e Encoder) resize(src image.Image) image.Image {
	b := src.Bounds()
	if e.Width <= 0 || e.Height <= 0 || (b.Dx() == e.Width && b.Dy() == e.Height) {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, e.Width, e.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
