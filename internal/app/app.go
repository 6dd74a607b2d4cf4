// Package app wires the gateway together and runs its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"smartroom-gateway/internal/camera"
	"smartroom-gateway/internal/config"
	"smartroom-gateway/internal/httpapi"
	"smartroom-gateway/internal/httpclient"
	"smartroom-gateway/internal/journal"
	"smartroom-gateway/internal/logging"
	"smartroom-gateway/internal/metrics"
	"smartroom-gateway/internal/mqtt"
	"smartroom-gateway/internal/retry"
	"smartroom-gateway/internal/sensor"
	"smartroom-gateway/internal/serial"
	"smartroom-gateway/internal/stream"
	"smartroom-gateway/internal/thingspeak"
	"smartroom-gateway/internal/throttle"
)

// Broker publishes video frames. *mqtt.Client satisfies it.
type Broker interface {
	Connect(ctx context.Context) error
	PublishFrame(ctx context.Context, payload string) error
	IsConnected() bool
	Disconnect()
}

// CameraOpener opens the configured capture device.
type CameraOpener func(ctx context.Context) (camera.Source, error)

// Deps are the hardware and network seams. Nil fields select the real
// implementations, except OpenCamera: nil means there is no camera.
type Deps struct {
	SerialOpen serial.Opener
	OpenCamera CameraOpener
	Broker     Broker
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Now        func() time.Time
	Logger     *slog.Logger
}

const (
	brokerConnectTimeout = 10 * time.Second
	brokerMaxBackoff     = 30 * time.Second
)

type App struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	retry   retry.Policy

	serial     *serial.Reader
	parser     *sensor.Parser
	throttle   *throttle.Throttle
	uploader   *thingspeak.Uploader // nil when no API key is configured
	broker     Broker
	openCamera CameraOpener
	journal    *journal.Journal

	state atomic.Int32

	// Guarded by mu; written by the main loop, read by the status server.
	mu         sync.Mutex
	streaming  bool
	lastUpload *httpapi.UploadStatus
}

func New(cfg config.Config, deps Deps) *App {
	logger := logging.OrDefault(deps.Logger)
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	schema := sensor.Schema(cfg.SensorSchema)
	policy := retry.Fixed(cfg.SerialConnectAttempts, cfg.SerialConnectDelay)

	a := &App{
		cfg:        cfg,
		logger:     logger,
		metrics:    deps.Metrics,
		now:        now,
		retry:      policy,
		parser:     sensor.NewParser(schema, logger),
		throttle:   throttle.New(cfg.UploadInterval, now),
		broker:     deps.Broker,
		openCamera: deps.OpenCamera,
	}

	a.serial = serial.NewReader(serial.Options{
		Device:      cfg.SerialDevice,
		Baud:        cfg.SerialBaud,
		ReadTimeout: cfg.SerialReadTimeout,
		SettleDelay: cfg.SerialSettleDelay,
		Retry:       policy,
		Open:        deps.SerialOpen,
	}, logger)

	if cfg.ThingSpeakAPIKey != "" {
		client := deps.HTTPClient
		if client == nil {
			hc := httpclient.DefaultConfig()
			hc.Timeout = cfg.UploadTimeout
			client = httpclient.New(hc)
		}
		a.uploader = thingspeak.NewUploader(client, thingspeak.Options{
			URL:     cfg.ThingSpeakURL,
			APIKey:  cfg.ThingSpeakAPIKey,
			Schema:  schema,
			Timeout: cfg.UploadTimeout,
		}, logger)
	}

	if a.broker == nil {
		a.broker = mqtt.NewClient(cfg, logger)
	}

	a.setState(StateInitializing)
	return a
}

// Run initialises every subsystem best-effort, polls the sensor link until
// ctx is cancelled and then releases everything in order. It returns nil
// after a clean shutdown.
func Run(ctx context.Context, cfg config.Config, deps Deps) error {
	return New(cfg, deps).Run(ctx)
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("initializing gateway",
		"serial_device", a.cfg.SerialDevice,
		"serial_baud", a.cfg.SerialBaud,
		"sensor_schema", a.cfg.SensorSchema,
		"upload_interval", a.cfg.UploadInterval,
		"mqtt_broker", a.cfg.MQTTBroker,
		"mqtt_port", a.cfg.MQTTPort,
		"mqtt_topic", a.cfg.MQTTTopic,
		"camera_enabled", a.cfg.CameraEnabled,
	)
	if a.uploader == nil {
		a.logger.Warn("THINGSPEAK_API_KEY not set; telemetry uploads disabled")
	}

	var g errgroup.Group

	// The journal and status server come up first so /healthz can report
	// INITIALIZING while the slower device and broker retries run.
	a.openJournal()
	var srv *http.Server
	if a.cfg.HTTPEnabled {
		srv = a.startStatusServer(&g)
	}

	a.connectSerial(ctx)
	src := a.openCameraSource(ctx)
	a.connectBroker(ctx)

	// The stream outlives ctx so shutdown can release the serial link first.
	streamCtx, stopStream := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStream()
	streamDone := make(chan struct{})
	if src != nil && a.broker.IsConnected() {
		s := stream.New(src, camera.Encoder{
			Width:   a.cfg.FrameWidth,
			Height:  a.cfg.FrameHeight,
			Quality: a.cfg.JPEGQuality,
		}, a.broker, stream.Options{FrameRate: a.cfg.FrameRate}, a.metrics, a.logger)
		a.setStreaming(true)
		g.Go(func() error {
			defer close(streamDone)
			defer a.setStreaming(false)
			return s.Run(streamCtx)
		})
	} else {
		close(streamDone)
		if src != nil {
			a.logger.Warn("broker unavailable; video stream disabled")
			a.release("camera", src.Close)
		}
	}

	a.setState(StateRunning)
	a.logger.Info("gateway running", "poll_interval", a.cfg.PollInterval)
	a.loop(ctx)

	a.setState(StateShuttingDown)
	a.logger.Info("gateway shutting down")

	a.release("serial", a.serial.Close)
	stopStream()
	<-streamDone
	a.release("mqtt", func() error { a.broker.Disconnect(); return nil })
	if srv != nil {
		a.release("status server", func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if a.journal != nil {
		a.release("journal", a.journal.Close)
	}

	err := g.Wait()
	a.setState(StateStopped)
	a.logger.Info("gateway stopped")
	return err
}

func (a *App) connectSerial(ctx context.Context) {
	if err := a.serial.Connect(ctx); err != nil {
		a.logger.Error("serial unavailable; continuing without sensor data", "device", a.cfg.SerialDevice, "error", err)
	}
	a.metrics.SetSerialConnected(a.serial.Connected())
}

func (a *App) openCameraSource(ctx context.Context) camera.Source {
	if !a.cfg.CameraEnabled || a.openCamera == nil {
		a.logger.Info("camera disabled")
		return nil
	}
	var src camera.Source
	err := a.retry.Do(ctx, a.logger, "camera open", func(ctx context.Context) error {
		s, err := a.openCamera(ctx)
		if err != nil {
			return err
		}
		src = s
		return nil
	})
	if err != nil {
		a.logger.Error("camera unavailable; video stream disabled", "device", a.cfg.CameraDevice, "error", err)
		return nil
	}
	a.logger.Info("camera opened", "device", a.cfg.CameraDevice,
		"width", a.cfg.FrameWidth, "height", a.cfg.FrameHeight, "frame_rate", a.cfg.FrameRate)
	return src
}

func (a *App) connectBroker(ctx context.Context) {
	policy := retry.Exponential(a.cfg.SerialConnectAttempts, a.cfg.SerialConnectDelay, brokerMaxBackoff)
	err := policy.Do(ctx, a.logger, "mqtt connect", func(ctx context.Context) error {
		connectCtx, cancel := context.WithTimeout(ctx, brokerConnectTimeout)
		defer cancel()
		return a.broker.Connect(connectCtx)
	})
	if err != nil {
		a.logger.Error("mqtt broker unavailable", "broker", a.cfg.MQTTBroker, "port", a.cfg.MQTTPort, "error", err)
	}
}

func (a *App) openJournal() {
	if a.cfg.JournalPath == "" {
		return
	}
	j, err := journal.Open(a.cfg.JournalPath, a.logger)
	if err != nil {
		a.logger.Error("upload journal unavailable", "path", a.cfg.JournalPath, "error", err)
		return
	}
	a.journal = j
	a.logger.Info("upload journal opened", "path", a.cfg.JournalPath)
}

func (a *App) startStatusServer(g *errgroup.Group) *http.Server {
	deps := httpapi.Deps{
		Status:  a,
		Metrics: a.metrics.Handler(),
		Logger:  a.logger,
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	srv := httpapi.NewServer(a.cfg.HTTPAddr, httpapi.NewRouter(deps))

	g.Go(func() error {
		a.logger.Info("http listening", "addr", a.cfg.HTTPAddr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server failed", "addr", a.cfg.HTTPAddr, "error", err)
		}
		return nil
	})
	return srv
}

func (a *App) loop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick runs one poll: read a line, parse it, and upload when a reading is
// available and the throttle allows.
func (a *App) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in poll loop", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	line, ok, err := a.serial.ReadLine(ctx)
	a.metrics.SetSerialConnected(a.serial.Connected())
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("serial read failed", "error", err)
		}
		return
	}
	if !ok {
		return
	}
	a.metrics.SerialLine()

	reading, ok, err := a.parser.Parse(line)
	if err != nil {
		a.metrics.ReadingRejected(sensor.Reason(err))
	}
	if !ok || a.uploader == nil {
		return
	}
	if !a.throttle.Allow() {
		return
	}
	a.upload(ctx, reading)
}

func (a *App) upload(ctx context.Context, r sensor.Reading) {
	started := a.now()
	entryID, err := a.uploader.Upload(ctx, r)
	elapsed := a.now().Sub(started)
	a.metrics.Upload(elapsed, err == nil)

	status := httpapi.UploadStatus{At: started, Success: err == nil, EntryID: entryID}
	attempt := journal.Attempt{At: started, Success: err == nil, EntryID: entryID, Duration: elapsed}
	if err != nil {
		status.Error = err.Error()
		attempt.Error = err.Error()
		var se *thingspeak.StatusError
		if errors.As(err, &se) {
			attempt.StatusCode = se.StatusCode
		}
		a.logger.Error("telemetry upload failed", "error", err, "next_attempt_at", a.throttle.Next())
	} else {
		attempt.StatusCode = http.StatusOK
		a.logger.Info("telemetry uploaded", append([]any{"entry_id", entryID}, r.LogAttrs(a.parser.Schema())...)...)
	}

	a.mu.Lock()
	a.lastUpload = &status
	a.mu.Unlock()

	if a.journal != nil {
		if err := a.journal.Record(ctx, attempt); err != nil {
			a.logger.Warn("failed to journal upload attempt", "error", err)
		}
	}
}

// release runs one shutdown step. A failing or panicking step is logged and
// does not prevent the remaining steps.
func (a *App) release(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("release panicked", "resource", name, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		a.logger.Error("release failed", "resource", name, "error", err)
		return
	}
	a.logger.Info("released", "resource", name)
}

// State returns the current lifecycle phase.
func (a *App) State() State { return State(a.state.Load()) }

func (a *App) setState(s State) {
	a.state.Store(int32(s))
	a.metrics.SetState(int(s))
}

func (a *App) setStreaming(v bool) {
	a.mu.Lock()
	a.streaming = v
	a.mu.Unlock()
}

// Status implements httpapi.StatusSource.
func (a *App) Status() httpapi.Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := httpapi.Status{
		State:   a.State().String(),
		Serial:  a.serial.Connected(),
		Camera:  a.streaming,
		Broker:  a.broker.IsConnected(),
		Uploads: a.uploader != nil,
	}
	if a.lastUpload != nil {
		u := *a.lastUpload
		s.LastUpload = &u
	}
	return s
}

// LastReading implements httpapi.StatusSource.
func (a *App) LastReading() (sensor.Reading, bool) {
	return a.parser.Last()
}
