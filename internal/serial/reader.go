// Package serial owns the link to the microcontroller and turns its byte
// stream into newline-terminated lines without ever blocking the caller for
// longer than one short read timeout.
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"smartroom-gateway/internal/logging"
	"smartroom-gateway/internal/retry"
)

// maxPending bounds the bytes buffered while waiting for a newline.
const maxPending = 4096

// Port is the subset of goserial.Port the reader needs.
type Port interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// Opener opens a port at the given baud rate.
type Opener func(device string, baud int) (Port, error)

// OpenPort opens a real serial device in 8N1 mode.
func OpenPort(device string, baud int) (Port, error) {
	p, err := goserial.Open(device, &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	})
	if err != nil {
		var pe *goserial.PortError
		if errors.As(err, &pe) && pe.Code() == goserial.PermissionDenied {
			return nil, fmt.Errorf("%w: %w", fs.ErrPermission, err)
		}
		return nil, err
	}
	return p, nil
}

type Options struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	// SettleDelay is waited after opening; most boards reset when the port opens.
	SettleDelay time.Duration
	Retry       retry.Policy
	Open        Opener
}

// Reader is a reconnecting line reader. It is owned by a single goroutine;
// only Connected may be called concurrently.
type Reader struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	port Port

	pending []byte
	buf     []byte
}

func NewReader(opts Options, logger *slog.Logger) *Reader {
	if opts.Open == nil {
		opts.Open = OpenPort
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 50 * time.Millisecond
	}
	return &Reader{
		opts:   opts,
		logger: logging.OrDefault(logger),
		buf:    make([]byte, 256),
	}
}

// Connect opens the device under the retry policy. On failure the reader
// stays unavailable and the error is returned for the caller to log.
func (r *Reader) Connect(ctx context.Context) error {
	if r.Connected() {
		return nil
	}

	var port Port
	err := r.opts.Retry.Do(ctx, r.logger, "serial connect", func(ctx context.Context) error {
		p, err := r.opts.Open(r.opts.Device, r.opts.Baud)
		if errors.Is(err, fs.ErrPermission) {
			// Waiting will not fix device permissions.
			return retry.Permanent(fmt.Errorf("open %s: %w", r.opts.Device, err))
		}
		if err != nil {
			return fmt.Errorf("open %s: %w", r.opts.Device, err)
		}
		if err := p.SetReadTimeout(r.opts.ReadTimeout); err != nil {
			_ = p.Close()
			return fmt.Errorf("set read timeout on %s: %w", r.opts.Device, err)
		}
		port = p
		return nil
	})
	if err != nil {
		return err
	}

	if r.opts.SettleDelay > 0 {
		t := time.NewTimer(r.opts.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			_ = port.Close()
			return ctx.Err()
		case <-t.C:
		}
	}
	// Drop whatever the board printed while resetting.
	if err := port.ResetInputBuffer(); err != nil {
		r.logger.Debug("serial: reset input buffer", "error", err)
	}

	r.mu.Lock()
	r.port = port
	r.mu.Unlock()
	r.pending = r.pending[:0]

	r.logger.Info("serial connected", "device", r.opts.Device, "baud", r.opts.Baud)
	return nil
}

// Connected reports whether a port is currently open.
func (r *Reader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port != nil
}

// ReadLine polls the port once and returns the oldest complete line with
// surrounding whitespace removed. ok is false when no full line is
// buffered yet. While disconnected it attempts a reconnect and reports no
// data; a read error drops the connection so the next call reconnects.
func (r *Reader) ReadLine(ctx context.Context) (line string, ok bool, err error) {
	if line, ok := r.nextLine(); ok {
		return line, true, nil
	}

	r.mu.Lock()
	port := r.port
	r.mu.Unlock()

	if port == nil {
		if err := r.Connect(ctx); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	n, err := port.Read(r.buf)
	if n > 0 {
		r.appendPending(r.buf[:n])
	}
	if err != nil {
		r.drop()
		return "", false, fmt.Errorf("serial read: %w", err)
	}

	line, ok = r.nextLine()
	return line, ok, nil
}

func (r *Reader) appendPending(b []byte) {
	r.pending = append(r.pending, b...)
	if len(r.pending) > maxPending && bytes.IndexByte(r.pending, '\n') < 0 {
		r.logger.Warn("serial: discarding unterminated input", "bytes", len(r.pending))
		r.pending = r.pending[:0]
	}
}

func (r *Reader) nextLine() (string, bool) {
	i := bytes.IndexByte(r.pending, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.TrimSpace(string(r.pending[:i]))
	r.pending = append(r.pending[:0], r.pending[i+1:]...)
	return line, true
}

func (r *Reader) drop() {
	r.mu.Lock()
	port := r.port
	r.port = nil
	r.mu.Unlock()
	r.pending = r.pending[:0]

	if port != nil {
		if err := port.Close(); err != nil {
			r.logger.Debug("serial: close after read error", "error", err)
		}
	}
	r.logger.Warn("serial disconnected", "device", r.opts.Device)
}

// Close releases the port. It is safe to call more than once.
func (r *Reader) Close() error {
	r.mu.Lock()
	port := r.port
	r.port = nil
	r.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("close %s: %w", r.opts.Device, err)
	}
	return nil
}
