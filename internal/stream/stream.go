// Package stream runs the camera capture → encode → publish loop.
package stream

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"smartroom-gateway/internal/camera"
	"smartroom-gateway/internal/logging"
	"smartroom-gateway/internal/metrics"
)

// Publisher sends one encoded frame.
type Publisher interface {
	PublishFrame(ctx context.Context, payload string) error
}

type Options struct {
	FrameRate int
	// ErrorBackoff is waited after a failed capture before trying again.
	ErrorBackoff time.Duration
}

// Streamer owns the camera source for its whole lifetime: Run closes it on
// every exit path.
type Streamer struct {
	src     camera.Source
	enc     camera.Encoder
	pub     Publisher
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(src camera.Source, enc camera.Encoder, pub Publisher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Streamer {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 10
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	return &Streamer{
		src:     src,
		enc:     enc,
		pub:     pub,
		opts:    opts,
		logger:  logging.OrDefault(logger),
		metrics: m,
	}
}

// Run streams until ctx is cancelled. Per-frame failures are logged and
// counted but never end the loop.
func (s *Streamer) Run(ctx context.Context) error {
	defer func() {
		if err := s.src.Close(); err != nil {
			s.logger.Error("camera release failed", "error", err)
			return
		}
		s.logger.Info("camera released")
	}()

	s.logger.Info("video stream started", "frame_rate", s.opts.FrameRate)

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FrameRate))
	defer ticker.Stop()

	publishFailing := false
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("video stream stopped")
			return nil
		case <-ticker.C:
		}
		s.frame(ctx, &publishFailing)
	}
}

// frame captures, encodes and publishes one frame. A panic anywhere in the
// pipeline is logged and backed off like a capture error.
func (s *Streamer) frame(ctx context.Context, publishFailing *bool) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Frame("panic")
			s.logger.Error("panic in video stream", "panic", r, "stack", string(debug.Stack()))
			sleep(ctx, s.opts.ErrorBackoff)
		}
	}()

	frame, err := s.src.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.Frame("capture_error")
		s.logger.Error("failed to capture video frame", "error", err)
		sleep(ctx, s.opts.ErrorBackoff)
		return
	}

	payload, err := s.enc.Encode(frame)
	if err != nil {
		s.metrics.Frame("encode_error")
		s.logger.Warn("failed to encode video frame", "error", err, "bytes", len(frame))
		return
	}

	if err := s.pub.PublishFrame(ctx, payload); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.metrics.Frame("publish_error")
		if !*publishFailing {
			s.logger.Warn("frame publish failing", "error", err)
			*publishFailing = true
		}
		return
	}
	if *publishFailing {
		s.logger.Info("frame publish recovered")
		*publishFailing = false
	}
	s.metrics.Frame("published")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

