package sensor

import (
	"fmt"
	"time"
)

// Schema is the number of comma-separated fields the microcontroller sends per line.
type Schema int

const (
	// Schema3 carries temperature, humidity and people count.
	Schema3 Schema = 3
	// Schema8 adds light, smoke, sound, door and fan status.
	Schema8 Schema = 8
)

func (s Schema) Valid() bool {
	return s == Schema3 || s == Schema8
}

func (s Schema) String() string {
	return fmt.Sprintf("%d-field", int(s))
}

// Accepted ranges for validated fields (inclusive).
const (
	MinTemperature = 0.0
	MaxTemperature = 100.0
	MinHumidity    = 0.0
	MaxHumidity    = 100.0
	MinPeopleCount = 0
	MaxPeopleCount = 1000
)

// Reading is one parsed snapshot of the room sensors.
type Reading struct {
	Temperature float64   `json:"temperature_c"`
	Humidity    float64   `json:"humidity_pct"`
	PeopleCount int       `json:"people_count"`
	Light       int       `json:"light"`
	Smoke       int       `json:"smoke"`
	Sound       int       `json:"sound"`
	Door        bool      `json:"door"`
	FanStatus   bool      `json:"fan_status"`
	ReceivedAt  time.Time `json:"received_at"`
}

// LogAttrs summarises the reading for the log line written after an upload.
func (r Reading) LogAttrs(schema Schema) []any {
	attrs := []any{
		"temperature_c", r.Temperature,
		"humidity_pct", r.Humidity,
		"people", r.PeopleCount,
	}
	if schema != Schema8 {
		return attrs
	}
	door := "Closed"
	if r.Door {
		door = "Open"
	}
	fan := "OFF"
	if r.FanStatus {
		fan = "ON"
	}
	return append(attrs,
		"light", r.Light,
		"smoke", r.Smoke,
		"sound", r.Sound,
		"door", door,
		"fan", fan,
	)
}
