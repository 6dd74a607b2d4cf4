// Package v4l captures MJPEG frames from a Video4Linux2 device.
package v4l

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"smartroom-gateway/internal/camera"
)

type Options struct {
	Device    string
	Width     int
	Height    int
	FrameRate int
}

// Source streams frames from an opened capture device.
type Source struct {
	dev    *device.Device
	frames <-chan []byte
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Open configures the device for MJPEG at the requested size and rate and
// starts streaming. The driver may pick the closest supported size; the
// encoder rescales anything that does not match.
func Open(opts Options) (*Source, error) {
	dev, err := device.Open(opts.Device,
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(opts.Width),
			Height:      uint32(opts.Height),
		}),
		device.WithFPS(uint32(opts.FrameRate)),
	)
	if err != nil {
		return nil, fmt.Errorf("v4l: open %s: %w", opts.Device, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(ctx); err != nil {
		cancel()
		_ = dev.Close()
		return nil, fmt.Errorf("v4l: start %s: %w", opts.Device, err)
	}

	return &Source{dev: dev, frames: dev.GetOutput(), cancel: cancel}, nil
}

// Next waits for the next captured frame.
func (s *Source) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return nil, fmt.Errorf("v4l: stream closed: %w", camera.ErrNoFrame)
		}
		if len(frame) == 0 {
			return nil, camera.ErrNoFrame
		}
		// The driver reuses its buffers.
		return append([]byte(nil), frame...), nil
	}
}

// Close stops streaming and releases the device.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.dev.Close(); err != nil {
			s.closeErr = fmt.Errorf("v4l: close: %w", err)
		}
	})
	return s.closeErr
}

var _ camera.Source = (*Source)(nil)
