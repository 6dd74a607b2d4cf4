package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	SerialDevice          string
	SerialBaud            int
	SerialReadTimeout     time.Duration
	SerialSettleDelay     time.Duration
	SerialConnectAttempts int
	SerialConnectDelay    time.Duration

	// SensorSchema is the expected number of comma-separated fields per line (3 or 8).
	SensorSchema int
	PollInterval time.Duration

	ThingSpeakURL    string
	ThingSpeakAPIKey string
	UploadInterval   time.Duration
	UploadTimeout    time.Duration

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string

	CameraEnabled bool
	CameraDevice  string
	FrameWidth    int
	FrameHeight   int
	FrameRate     int
	JPEGQuality   int

	HTTPEnabled bool
	HTTPAddr    string

	// JournalPath is the SQLite file recording upload attempts. Empty disables the journal.
	JournalPath string
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	serialDevice := envString("SERIAL_DEVICE", "/dev/ttyUSB0")

	serialBaud, err := envInt("SERIAL_BAUD", 9600)
	if err != nil {
		return Config{}, err
	}
	if serialBaud <= 0 {
		return Config{}, fmt.Errorf("SERIAL_BAUD must be positive, got %d", serialBaud)
	}

	serialReadTimeout, err := envPositiveDuration("SERIAL_READ_TIMEOUT", "50ms")
	if err != nil {
		return Config{}, err
	}

	serialSettleDelay, err := envDuration("SERIAL_SETTLE_DELAY", "2s")
	if err != nil {
		return Config{}, err
	}
	if serialSettleDelay < 0 {
		return Config{}, fmt.Errorf("SERIAL_SETTLE_DELAY must not be negative, got %v", serialSettleDelay)
	}

	serialConnectAttempts, err := envInt("SERIAL_CONNECT_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	if serialConnectAttempts < 1 {
		return Config{}, fmt.Errorf("SERIAL_CONNECT_ATTEMPTS must be at least 1, got %d", serialConnectAttempts)
	}

	serialConnectDelay, err := envPositiveDuration("SERIAL_CONNECT_DELAY", "2s")
	if err != nil {
		return Config{}, err
	}

	sensorSchema, err := envInt("SENSOR_SCHEMA", 8)
	if err != nil {
		return Config{}, err
	}
	if sensorSchema != 3 && sensorSchema != 8 {
		return Config{}, fmt.Errorf("invalid SENSOR_SCHEMA %d (allowed: 3, 8)", sensorSchema)
	}

	pollInterval, err := envPositiveDuration("POLL_INTERVAL", "100ms")
	if err != nil {
		return Config{}, err
	}

	thingSpeakURL := envString("THINGSPEAK_URL", "https://api.thingspeak.com/update")
	u, err := url.Parse(thingSpeakURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid THINGSPEAK_URL %q: %w", thingSpeakURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid THINGSPEAK_URL %q: must be an absolute http(s) URL", thingSpeakURL)
	}

	uploadInterval, err := envPositiveDuration("UPLOAD_INTERVAL", "15s")
	if err != nil {
		return Config{}, err
	}

	uploadTimeout, err := envPositiveDuration("UPLOAD_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}

	mqttBroker := envString("MQTT_BROKER", "broker.hivemq.com")

	mqttPort, err := envInt("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %d", mqttPort)
	}

	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		// Public brokers drop the older session when two clients share an ID.
		mqttClientID = "smartroom-gateway-" + uuid.NewString()[:8]
	}

	mqttTopic := envString("MQTT_TOPIC", "raspberrypi/video_stream")

	cameraEnabled, err := envBool("CAMERA_ENABLED", true)
	if err != nil {
		return Config{}, err
	}

	cameraDevice := envString("CAMERA_DEVICE", "/dev/video0")

	frameWidth, err := envInt("FRAME_WIDTH", 640)
	if err != nil {
		return Config{}, err
	}
	frameHeight, err := envInt("FRAME_HEIGHT", 480)
	if err != nil {
		return Config{}, err
	}
	if frameWidth <= 0 || frameHeight <= 0 {
		return Config{}, fmt.Errorf("frame size must be positive, got %dx%d", frameWidth, frameHeight)
	}

	frameRate, err := envInt("FRAME_RATE", 10)
	if err != nil {
		return Config{}, err
	}
	if frameRate <= 0 {
		return Config{}, fmt.Errorf("FRAME_RATE must be positive, got %d", frameRate)
	}

	jpegQuality, err := envInt("JPEG_QUALITY", 50)
	if err != nil {
		return Config{}, err
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		return Config{}, fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", jpegQuality)
	}

	httpEnabled, err := envBool("HTTP_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	httpAddr := envString("HTTP_ADDR", ":8080")

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		SerialDevice:          serialDevice,
		SerialBaud:            serialBaud,
		SerialReadTimeout:     serialReadTimeout,
		SerialSettleDelay:     serialSettleDelay,
		SerialConnectAttempts: serialConnectAttempts,
		SerialConnectDelay:    serialConnectDelay,
		SensorSchema:          sensorSchema,
		PollInterval:          pollInterval,
		ThingSpeakURL:         thingSpeakURL,
		ThingSpeakAPIKey:      strings.TrimSpace(os.Getenv("THINGSPEAK_API_KEY")),
		UploadInterval:        uploadInterval,
		UploadTimeout:         uploadTimeout,
		MQTTBroker:            mqttBroker,
		MQTTPort:              mqttPort,
		MQTTClientID:          mqttClientID,
		MQTTTopic:             mqttTopic,
		CameraEnabled:         cameraEnabled,
		CameraDevice:          cameraDevice,
		FrameWidth:            frameWidth,
		FrameHeight:           frameHeight,
		FrameRate:             frameRate,
		JPEGQuality:           jpegQuality,
		HTTPEnabled:           httpEnabled,
		HTTPAddr:              httpAddr,
		JournalPath:           strings.TrimSpace(os.Getenv("JOURNAL_PATH")),
	}, nil
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func envDuration(key, def string) (time.Duration, error) {
	s := envString(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func envPositiveDuration(key, def string) (time.Duration, error) {
	d, err := envDuration(key, def)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
