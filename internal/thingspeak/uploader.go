// Package thingspeak writes sensor readings to a ThingSpeak channel through
// its HTTP update endpoint.
package thingspeak

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"smartroom-gateway/internal/logging"
	"smartroom-gateway/internal/sensor"
)

// StatusError is returned when the endpoint answers with anything but 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("thingspeak: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("thingspeak: unexpected status %d: %s", e.StatusCode, e.Body)
}

type Options struct {
	URL     string
	APIKey  string
	Schema  sensor.Schema
	Timeout time.Duration
}

type Uploader struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

func NewUploader(client *http.Client, opts Options, logger *slog.Logger) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Uploader{client: client, opts: opts, logger: logging.OrDefault(logger)}
}

// Fields maps a reading onto the channel's positional field slots.
func Fields(schema sensor.Schema, r sensor.Reading) url.Values {
	v := url.Values{}
	v.Set("field1", strconv.Itoa(r.PeopleCount))
	v.Set("field2", formatFloat(r.Temperature))
	v.Set("field3", formatFloat(r.Humidity))
	if schema != sensor.Schema8 {
		return v
	}
	v.Set("field4", strconv.Itoa(r.Light))
	v.Set("field5", strconv.Itoa(r.Smoke))
	v.Set("field6", strconv.Itoa(r.Sound))
	v.Set("field7", formatFlag(r.Door))
	v.Set("field8", formatFlag(r.FanStatus))
	return v
}

// Upload posts one reading. It makes a single attempt bounded by the
// configured timeout and returns the channel entry id on HTTP 200.
func (u *Uploader) Upload(ctx context.Context, r sensor.Reading) (int64, error) {
	form := Fields(u.opts.Schema, r)
	form.Set("api_key", u.opts.APIKey)

	ctx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("thingspeak: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("thingspeak: post: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Debug("thingspeak: close body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil && resp.StatusCode == http.StatusOK {
		return 0, fmt.Errorf("thingspeak: read body: %w", err)
	}
	text := strings.TrimSpace(string(body))

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode, Body: text}
	}

	entryID, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		u.logger.Debug("thingspeak: non-numeric response body", "body", text)
		return 0, nil
	}
	if entryID == 0 {
		// ThingSpeak answers 200 with entry id 0 when it drops the update,
		// typically because the channel's rate limit was hit.
		u.logger.Warn("thingspeak: update accepted with entry id 0; channel may be rate limited")
	}
	return entryID, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
