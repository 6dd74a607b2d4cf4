package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smartroom-gateway/internal/config"
	"smartroom-gateway/internal/logging"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrStopped      = errors.New("mqtt client stopped")
)

const publishTimeout = 5 * time.Second

type Client struct {
	client    mqtt.Client
	topic     string
	broker    string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	logger = logging.OrDefault(logger)
	c := &Client{
		topic:  cfg.MQTTTopic,
		broker: fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(cfg.MQTTClientID)

	// Session settings
	opts.SetCleanSession(true)

	// Initial connect attempts are driven by the caller's retry policy;
	// once connected, paho reconnects on its own.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Callbacks keep internal state accurate
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting", "broker", cfg.MQTTBroker)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect makes one connection attempt and waits for it, respecting ctx
// and Disconnect().
func (c *Client) Connect(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	// Fast path.
	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	// Wait in a ctx/stop-aware loop.
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect %s: %w", c.broker, err)
			}
			// OnConnectHandler runs on its own goroutine and may not have
			// fired yet.
			c.setConnected(true)
			return nil
		}

		select {
		case <-ctx.Done():
			c.client.Disconnect(0)
			return ctx.Err()
		case <-c.stopCh:
			c.client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
}

// PublishFrame publishes one base64 JPEG frame to the video topic with the
// library's default QoS 0 and no retention.
func (c *Client) PublishFrame(ctx context.Context, payload string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(c.topic, 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish timeout for topic %s", c.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}

	c.logger.Debug("published frame", "topic", c.topic, "bytes", len(payload))
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client and closes the MQTT connection.
// Idempotent and safe to call multiple times.
// After Disconnect, Connect() will return ErrStopped.
func (c *Client) Disconnect() {
	// Signal shutdown once (unblocks any Connect loops).
	c.stopOnce.Do(func() { close(c.stopCh) })

	// Paho Disconnect quiesces in-flight work for the given ms.
	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
