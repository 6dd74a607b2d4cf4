// Package httpapi serves the gateway's local status endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"smartroom-gateway/internal/journal"
	"smartroom-gateway/internal/logging"
	"smartroom-gateway/internal/sensor"
)

// Status is the snapshot reported by /healthz.
type Status struct {
	State      string        `json:"state"`
	Serial     bool          `json:"serial"`
	Camera     bool          `json:"camera"`
	Broker     bool          `json:"broker"`
	Uploads    bool          `json:"uploads"`
	LastUpload *UploadStatus `json:"last_upload,omitempty"`
}

type UploadStatus struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	EntryID int64     `json:"entry_id,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// StatusSource is implemented by the running gateway.
type StatusSource interface {
	Status() Status
	LastReading() (sensor.Reading, bool)
}

// UploadJournal is the read side of the upload journal.
type UploadJournal interface {
	Ping(ctx context.Context) error
	Recent(ctx context.Context, limit int) ([]journal.Attempt, error)
	Counts(ctx context.Context) (journal.Counts, error)
}

type Deps struct {
	Status  StatusSource
	Journal UploadJournal // nil when the journal is disabled
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter builds the route table wrapped in access logging and panic recovery.
func NewRouter(d Deps) http.Handler {
	logger := logging.OrDefault(d.Logger)
	a := &api{status: d.Status, journal: d.Journal, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reading", a.handleReading).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/uploads", a.handleUploads).Methods(http.MethodGet)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "no such route")
	})

	return recoverer(logger, requestLogger(logger, r))
}

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
