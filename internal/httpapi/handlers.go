package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"smartroom-gateway/internal/journal"
)

type api struct {
	status  StatusSource
	journal UploadJournal
	logger  *slog.Logger
}

type healthResponse struct {
	Status
	Journal string `json:"journal"`
}

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: a.status.Status(), Journal: "disabled"}

	if a.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.journal.Ping(ctx); err != nil {
			a.logger.Error("failed to check journal connectivity", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to check journal connectivity")
			return
		}
		resp.Journal = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleReading(w http.ResponseWriter, _ *http.Request) {
	reading, ok := a.status.LastReading()
	if !ok {
		writeError(w, http.StatusNotFound, "no valid reading received yet")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (a *api) handleUploads(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "upload journal disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.journal.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error("failed to read upload journal", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read upload journal")
		return
	}
	counts, err := a.journal.Counts(r.Context())
	if err != nil {
		a.logger.Error("failed to count upload attempts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read upload journal")
		return
	}
	if items == nil {
		items = []journal.Attempt{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"limit":     limit,
		"total":     counts.Total,
		"succeeded": counts.Succeeded,
		"items":     items,
	})
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 20, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid 'limit' (expected integer)")
	}
	if n <= 0 {
		return 0, errors.New("'limit' must be > 0")
	}
	if n > 500 {
		return 0, errors.New("'limit' must be <= 500")
	}
	return n, nil
}
