package sensor

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"smartroom-gateway/internal/logging"
)

var (
	ErrFieldCount   = errors.New("unexpected number of fields")
	ErrInvalidField = errors.New("invalid field")
	ErrOutOfRange   = errors.New("value out of range")
)

// Reason maps a rejection error to a short label for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFieldCount):
		return "field_count"
	case errors.Is(err, ErrInvalidField):
		return "invalid_field"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	default:
		return "other"
	}
}

var fieldNames = [...]string{
	"temperature", "humidity", "people_count",
	"light", "smoke", "sound", "door", "fan_status",
}

// Decode parses one line in the given schema and checks the range
// invariants. It does not fall back; see Parser for that.
func Decode(schema Schema, line string) (Reading, error) {
	if !schema.Valid() {
		return Reading{}, fmt.Errorf("unsupported schema %d", int(schema))
	}

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != int(schema) {
		return Reading{}, fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(fields), int(schema))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var (
		r   Reading
		err error
	)
	if r.Temperature, err = parseFloat(fields, 0); err != nil {
		return Reading{}, err
	}
	if r.Humidity, err = parseFloat(fields, 1); err != nil {
		return Reading{}, err
	}
	if r.PeopleCount, err = parseInt(fields, 2); err != nil {
		return Reading{}, err
	}

	if schema == Schema8 {
		if r.Light, err = parseInt(fields, 3); err != nil {
			return Reading{}, err
		}
		if r.Smoke, err = parseInt(fields, 4); err != nil {
			return Reading{}, err
		}
		if r.Sound, err = parseInt(fields, 5); err != nil {
			return Reading{}, err
		}
		if r.Door, err = parseFlag(fields, 6); err != nil {
			return Reading{}, err
		}
		if r.FanStatus, err = parseFlag(fields, 7); err != nil {
			return Reading{}, err
		}
	}

	if err := Validate(r); err != nil {
		return Reading{}, err
	}
	return r, nil
}

// Validate checks the temperature, humidity and people count ranges.
func Validate(r Reading) error {
	if !inRange(r.Temperature, MinTemperature, MaxTemperature) {
		return fmt.Errorf("%w: temperature %v not in [%v, %v]", ErrOutOfRange, r.Temperature, MinTemperature, MaxTemperature)
	}
	if !inRange(r.Humidity, MinHumidity, MaxHumidity) {
		return fmt.Errorf("%w: humidity %v not in [%v, %v]", ErrOutOfRange, r.Humidity, MinHumidity, MaxHumidity)
	}
	if r.PeopleCount < MinPeopleCount || r.PeopleCount > MaxPeopleCount {
		return fmt.Errorf("%w: people_count %d not in [%d, %d]", ErrOutOfRange, r.PeopleCount, MinPeopleCount, MaxPeopleCount)
	}
	return nil
}

// NaN fails both comparisons and is rejected here.
func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi && !math.IsInf(v, 0)
}

func parseFloat(fields []string, i int) (float64, error) {
	v, err := strconv.ParseFloat(fields[i], 64)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", ErrInvalidField, fieldNames[i], err)
	}
	return v, nil
}

func parseInt(fields []string, i int) (int, error) {
	v, err := strconv.Atoi(fields[i])
	if err != nil {
		return 0, fmt.Errorf("%w %s: %w", ErrInvalidField, fieldNames[i], err)
	}
	return v, nil
}

// Flags are sent as integers; any non-zero value means on/open.
func parseFlag(fields []string, i int) (bool, error) {
	v, err := parseInt(fields, i)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Parser decodes serial lines and remembers the last reading that passed
// validation. A rejected line never replaces it. Parse is called from one
// goroutine; Last may be called from any.
type Parser struct {
	schema Schema
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	last    Reading
	hasLast bool
}

func NewParser(schema Schema, logger *slog.Logger) *Parser {
	return &Parser{
		schema: schema,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

func (p *Parser) Schema() Schema { return p.schema }

// Parse decodes line. On success the fresh reading becomes the last known
// good one and is returned with a nil error. On failure the previous good
// reading is returned together with the rejection error; ok is false only
// when no good reading has been seen yet.
func (p *Parser) Parse(line string) (r Reading, ok bool, err error) {
	r, err = Decode(p.schema, line)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.logger.Warn("sensor line rejected",
			"reason", Reason(err),
			"error", err,
			"line", line,
			"fallback", p.hasLast,
		)
		return p.last, p.hasLast, err
	}

	r.ReceivedAt = p.now()
	p.last = r
	p.hasLast = true
	return r, true, nil
}

// Last returns the last known good reading.
func (p *Parser) Last() (Reading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}
