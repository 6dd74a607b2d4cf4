package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"smartroom-gateway/internal/camera"
	"smartroom-gateway/internal/config"
	"smartroom-gateway/internal/serial"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// captureHandler records log records for assertion in tests.
type captureHandler struct {
	mu    sync.Mutex
	attrs []map[string]slog.Value
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := make(map[string]slog.Value)
	m["msg"] = slog.StringValue(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	h.attrs = append(h.attrs, m)
	return nil
}

func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(_ string) slog.Handler { return h }

func (h *captureHandler) recordsFor(t *testing.T, msg string) []map[string]slog.Value {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]slog.Value
	for _, m := range h.attrs {
		if m["msg"].String() == msg {
			out = append(out, m)
		}
	}
	return out
}

// releaseLog records the order in which resources are released.
type releaseLog struct {
	mu    sync.Mutex
	names []string
}

func (l *releaseLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *releaseLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// linePort returns one scripted line per Read, then repeats the last one.
type linePort struct {
	mu     sync.Mutex
	lines  []string
	panics bool
	log    *releaseLog
}

func (p *linePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics {
		panic("driver bug")
	}
	if len(p.lines) == 0 {
		return 0, nil
	}
	line := p.lines[0]
	if len(p.lines) > 1 {
		p.lines = p.lines[1:]
	}
	return copy(b, line+"\n"), nil
}

func (p *linePort) SetReadTimeout(time.Duration) error { return nil }
func (p *linePort) ResetInputBuffer() error            { return nil }

func (p *linePort) Close() error {
	if p.log != nil {
		p.log.add("serial")
	}
	return nil
}

func openerFor(p *linePort) serial.Opener {
	return func(string, int) (serial.Port, error) { return p, nil }
}

func failingOpener(string, int) (serial.Port, error) {
	return nil, errors.New("open /dev/ttyUSB0: no such file or directory")
}

type fakeBroker struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	frames     int
	log        *releaseLog
}

func (b *fakeBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

func (b *fakeBroker) PublishFrame(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames++
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Disconnect() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	if b.log != nil {
		b.log.add("mqtt")
	}
}

func (b *fakeBroker) frameCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

type fakeCamera struct {
	frame  []byte
	log    *releaseLog
	mu     sync.Mutex
	closed int
}

func (c *fakeCamera) Next(context.Context) ([]byte, error) { return c.frame, nil }

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	if c.log != nil {
		c.log.add("camera")
	}
	return nil
}

func (c *fakeCamera) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func tinyJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

// uploadServer stands in for the telemetry endpoint.
type uploadServer struct {
	mu     sync.Mutex
	status int
	forms  []url.Values
}

func newUploadServer(t *testing.T, status int) (*uploadServer, *httptest.Server) {
	t.Helper()
	s := &uploadServer{status: status}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		s.mu.Lock()
		s.forms = append(s.forms, r.PostForm)
		code := s.status
		s.mu.Unlock()
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = io.WriteString(w, "17")
		}
	}))
	t.Cleanup(ts.Close)
	return s, ts
}

func (s *uploadServer) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forms)
}

func (s *uploadServer) last() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[len(s.forms)-1]
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig(uploadURL string) config.Config {
	return config.Config{
		AppEnv:                "dev",
		SerialDevice:          "/dev/ttyUSB0",
		SerialBaud:            9600,
		SerialReadTimeout:     time.Millisecond,
		SerialConnectAttempts: 1,
		SerialConnectDelay:    time.Millisecond,
		SensorSchema:          3,
		PollInterval:          5 * time.Millisecond,
		ThingSpeakURL:         uploadURL,
		ThingSpeakAPIKey:      "TESTKEY",
		UploadInterval:        15 * time.Second,
		UploadTimeout:         2 * time.Second,
		MQTTBroker:            "127.0.0.1",
		MQTTPort:              1883,
		MQTTClientID:          "test",
		MQTTTopic:             "raspberrypi/video_stream",
		CameraDevice:          "/dev/video0",
		FrameWidth:            8,
		FrameHeight:           8,
		FrameRate:             50,
		JPEGQuality:           50,
	}
}

// newTickApp returns an app with a connected serial link driven by a fake clock.
func newTickApp(t *testing.T, cfg config.Config, port *linePort, clock *fakeClock, logger *slog.Logger) *App {
	t.Helper()
	a := New(cfg, Deps{
		SerialOpen: openerFor(port),
		Broker:     &fakeBroker{},
		Now:        clock.now,
		Logger:     logger,
	})
	a.connectSerial(context.Background())
	if !a.serial.Connected() {
		t.Fatal("serial not connected")
	}
	return a
}

func TestTick_OneUploadPer150Ticks(t *testing.T) {
	srv, ts := newUploadServer(t, http.StatusOK)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := newTickApp(t, testConfig(ts.URL), &linePort{lines: []string{"22.5,48.0,3"}}, clock, discard)

	ctx := context.Background()
	for i := 0; i < 450; i++ {
		a.tick(ctx)
		clock.advance(100 * time.Millisecond)
	}

	if srv.hits() != 3 {
		t.Fatalf("uploads = %d, want 3 (ticks 0, 150, 300)", srv.hits())
	}
	form := srv.last()
	if form.Get("api_key") != "TESTKEY" || form.Get("field1") != "3" || form.Get("field2") != "22.5" || form.Get("field3") != "48" {
		t.Errorf("form = %v", form)
	}
	st := a.Status()
	if st.LastUpload == nil || !st.LastUpload.Success || st.LastUpload.EntryID != 17 {
		t.Errorf("last upload = %+v", st.LastUpload)
	}
}

func TestTick_UploadFailureKeepsThrottleWindow(t *testing.T) {
	srv, ts := newUploadServer(t, http.StatusInternalServerError)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cfg := testConfig(ts.URL)
	cfg.JournalPath = ":memory:"
	a := newTickApp(t, cfg, &linePort{lines: []string{"22.5,48.0,3"}}, clock, discard)
	a.openJournal()
	if a.journal == nil {
		t.Fatal("journal not opened")
	}
	defer func() { _ = a.journal.Close() }()

	ctx := context.Background()
	for i := 0; i < 151; i++ {
		a.tick(ctx)
		clock.advance(100 * time.Millisecond)
	}

	if srv.hits() != 2 {
		t.Fatalf("upload attempts = %d, want 2 (ticks 0 and 150)", srv.hits())
	}
	st := a.Status()
	if st.LastUpload == nil || st.LastUpload.Success || st.LastUpload.Error == "" {
		t.Errorf("last upload = %+v, want a recorded failure", st.LastUpload)
	}

	recent, err := a.journal.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Success || recent[0].StatusCode != http.StatusInternalServerError {
		t.Errorf("journal = %+v", recent)
	}
}

func TestTick_InvalidLineFallsBackToLastGood(t *testing.T) {
	srv, ts := newUploadServer(t, http.StatusOK)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	port := &linePort{lines: []string{"22.5,48.0,3", "150.0,48.0,3"}}
	a := newTickApp(t, testConfig(ts.URL), port, clock, discard)

	ctx := context.Background()
	a.tick(ctx)
	clock.advance(15 * time.Second)
	a.tick(ctx)

	if srv.hits() != 2 {
		t.Fatalf("uploads = %d, want 2", srv.hits())
	}
	if got := srv.last().Get("field2"); got != "22.5" {
		t.Errorf("fallback upload field2 = %q, want 22.5", got)
	}
	r, ok := a.LastReading()
	if !ok || r.Temperature != 22.5 {
		t.Errorf("LastReading() = %+v, %v", r, ok)
	}
}

func TestTick_NoReadingYetSkipsUpload(t *testing.T) {
	srv, ts := newUploadServer(t, http.StatusOK)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := newTickApp(t, testConfig(ts.URL), &linePort{lines: []string{"not,a,number"}}, clock, discard)

	for i := 0; i < 10; i++ {
		a.tick(context.Background())
		clock.advance(15 * time.Second)
	}
	if srv.hits() != 0 {
		t.Errorf("uploads = %d, want 0 before any good reading", srv.hits())
	}
	if _, ok := a.LastReading(); ok {
		t.Error("LastReading() ok without a good line")
	}
}

func TestTick_UploadsDisabledWithoutAPIKey(t *testing.T) {
	srv, ts := newUploadServer(t, http.StatusOK)
	cfg := testConfig(ts.URL)
	cfg.ThingSpeakAPIKey = ""
	a := newTickApp(t, cfg, &linePort{lines: []string{"22.5,48.0,3"}}, &fakeClock{t: time.Unix(0, 0)}, discard)

	a.tick(context.Background())

	if srv.hits() != 0 {
		t.Errorf("uploads = %d, want 0", srv.hits())
	}
	if a.Status().Uploads {
		t.Error("Status().Uploads = true without API key")
	}
}

func TestTick_RecoversFromPanic(t *testing.T) {
	h := &captureHandler{}
	port := &linePort{lines: []string{"22.5,48.0,3"}}
	a := newTickApp(t, testConfig("http://127.0.0.1:1"), port, &fakeClock{t: time.Unix(0, 0)}, slog.New(h))

	port.mu.Lock()
	port.panics = true
	port.mu.Unlock()

	a.tick(context.Background())

	if len(h.recordsFor(t, "panic in poll loop")) != 1 {
		t.Fatal("panic was not logged")
	}
}

func waitForState(t *testing.T, a *App, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", a.State(), want)
}

func TestRun_ShutdownReleasesInOrder(t *testing.T) {
	_, ts := newUploadServer(t, http.StatusOK)
	rl := &releaseLog{}
	port := &linePort{lines: []string{"22.5,48.0,3"}, log: rl}
	cam := &fakeCamera{frame: tinyJPEG(t), log: rl}
	broker := &fakeBroker{log: rl}

	cfg := testConfig(ts.URL)
	cfg.CameraEnabled = true
	a := New(cfg, Deps{
		SerialOpen: openerFor(port),
		OpenCamera: func(context.Context) (camera.Source, error) { return cam, nil },
		Broker:     broker,
		Logger:     discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitForState(t, a, StateRunning)
	deadline := time.Now().Add(3 * time.Second)
	for broker.frameCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if broker.frameCount() == 0 {
		t.Fatal("no frames published")
	}
	if st := a.Status(); !st.Serial || !st.Camera || !st.Broker {
		t.Errorf("status while running = %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if a.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", a.State())
	}
	got := rl.get()
	want := []string{"serial", "camera", "mqtt"}
	if len(got) != len(want) {
		t.Fatalf("release order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("release order = %v, want %v", got, want)
		}
	}
}

func TestRun_CameraReleasedWhenBrokerDown(t *testing.T) {
	cam := &fakeCamera{frame: tinyJPEG(t)}
	broker := &fakeBroker{connectErr: errors.New("connection refused")}
	cfg := testConfig("http://127.0.0.1:1")
	cfg.CameraEnabled = true

	a := New(cfg, Deps{
		SerialOpen: failingOpener,
		OpenCamera: func(context.Context) (camera.Source, error) { return cam, nil },
		Broker:     broker,
		Logger:     discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitForState(t, a, StateRunning)
	if cam.closeCount() != 1 {
		t.Errorf("camera closed %d times before running, want 1", cam.closeCount())
	}
	if st := a.Status(); st.Camera || st.Broker || st.Serial {
		t.Errorf("status = %+v, want fully degraded", st)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cam.closeCount() != 1 {
		t.Errorf("camera closed %d times, want 1", cam.closeCount())
	}
}

func TestRun_CameraOpenFailureDisablesVideo(t *testing.T) {
	broker := &fakeBroker{}
	cfg := testConfig("http://127.0.0.1:1")
	cfg.CameraEnabled = true
	cfg.SerialConnectAttempts = 2

	var opens int
	a := New(cfg, Deps{
		SerialOpen: failingOpener,
		OpenCamera: func(context.Context) (camera.Source, error) {
			opens++
			return nil, errors.New("open /dev/video0: no such device")
		},
		Broker: broker,
		Logger: discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitForState(t, a, StateRunning)
	if opens != 2 {
		t.Errorf("camera open attempts = %d, want 2", opens)
	}
	if a.Status().Camera {
		t.Error("camera reported streaming after open failure")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

// ackBroker listens on a free port, accepts every MQTT CONNECT and discards
// whatever else the client sends. It returns the port.
func ackBroker(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					header, err := r.ReadByte()
					if err != nil {
						return
					}
					n, mult := 0, 1
					for {
						b, err := r.ReadByte()
						if err != nil {
							return
						}
						n += int(b&0x7f) * mult
						if b&0x80 == 0 {
							break
						}
						mult *= 128
					}
					if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
						return
					}
					switch header >> 4 {
					case 1: // CONNECT
						_, _ = conn.Write([]byte{0x20, 0x02, 0x00, 0x00})
					case 12: // PINGREQ
						_, _ = conn.Write([]byte{0xd0, 0x00})
					}
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_StreamsWithRealMQTTClient(t *testing.T) {
	cam := &fakeCamera{frame: tinyJPEG(t)}
	cfg := testConfig("http://127.0.0.1:1")
	cfg.CameraEnabled = true
	cfg.MQTTPort = ackBroker(t)

	a := New(cfg, Deps{
		SerialOpen: failingOpener,
		OpenCamera: func(context.Context) (camera.Source, error) { return cam, nil },
		Logger:     discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitForState(t, a, StateRunning)
	st := a.Status()
	if !st.Broker {
		t.Error("status.broker = false with a reachable broker")
	}
	if !st.Camera {
		t.Error("status.camera = false; video stream did not start")
	}
	if cam.closeCount() != 0 {
		t.Errorf("camera closed %d times while running, want 0", cam.closeCount())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cam.closeCount() != 1 {
		t.Errorf("camera closed %d times, want 1", cam.closeCount())
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func healthState(client *http.Client, url string) (string, bool) {
	resp, err := client.Get(url)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false
	}
	return body.State, true
}

func TestRun_HealthzReportsInitializing(t *testing.T) {
	cam := &fakeCamera{frame: tinyJPEG(t)}
	cfg := testConfig("http://127.0.0.1:1")
	cfg.CameraEnabled = true
	cfg.HTTPEnabled = true
	cfg.HTTPAddr = freeAddr(t)

	unblock := make(chan struct{})
	a := New(cfg, Deps{
		SerialOpen: failingOpener,
		OpenCamera: func(ctx context.Context) (camera.Source, error) {
			select {
			case <-unblock:
				return cam, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Broker: &fakeBroker{},
		Logger: discard,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	client := &http.Client{Timeout: time.Second}
	url := "http://" + cfg.HTTPAddr + "/healthz"

	var state string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := healthState(client, url); ok {
			state = s
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state != "INITIALIZING" {
		t.Fatalf("healthz state during setup = %q, want INITIALIZING", state)
	}

	close(unblock)
	waitForState(t, a, StateRunning)
	if s, _ := healthState(client, url); s != "RUNNING" {
		t.Errorf("healthz state after setup = %q, want RUNNING", s)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateInitializing: "INITIALIZING",
		StateRunning:      "RUNNING",
		StateShuttingDown: "SHUTTING_DOWN",
		StateStopped:      "STOPPED",
		State(42):         "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
