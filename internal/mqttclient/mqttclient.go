// Package mqttclient wraps github.com/eclipse/paho.mqtt.golang in the
// connection-state machine and callback contract the bridge depends on.
// Grounded on original_source/ja2mqtt/components/mqtt.py's MQTT class and
// its Idle/Connecting/Connected/Disconnected states, with the client option
// construction pattern (broker URL, TLS, keepalive, clean session) modeled
// on pkg/sink/mqtt/mqtt.go and pkg/source/mqtt/mqtt.go in the reference
// pipeline.
package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jablotron/ja2mqtt/internal/logging"
)

// State is the client's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config holds MQTT broker connection parameters, matching the original's
// MQTT.__init__ keyword arguments.
type Config struct {
	Address        string
	Port           int
	Username       string
	Password       string
	ClientID       string
	Protocol       string // "tcp" or "ssl"
	Keepalive      time.Duration
	ReconnectAfter time.Duration
	CleanSession   bool
}

// Client wraps a paho client with the Idle->Connecting->Connected<->
// Disconnected state machine from the original.
type Client struct {
	cfg Config
	log logging.Logger

	mu    sync.RWMutex
	state State
	inner mqtt.Client

	onConnect func()
	onMessage func(topic string, payload []byte)
}

// New constructs a Client. Connect must be called to open the network
// connection.
func New(cfg Config, log logging.Logger) *Client {
	return &Client{cfg: cfg, log: log.Named("mqtt"), state: StateIdle}
}

// OnConnect registers the callback invoked every time the broker connection
// is (re-)established, used by the bridge to (re-)subscribe.
func (c *Client) OnConnect(fn func()) { c.onConnect = fn }

// OnMessage registers the callback invoked for every received publish.
func (c *Client) OnMessage(fn func(topic string, payload []byte)) { c.onMessage = fn }

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the network connection and blocks until either the
// connection succeeds, ctx is cancelled, or Config.ReconnectAfter elapses
// repeatedly (paho handles automatic reconnection thereafter).
func (c *Client) Connect(ctx context.Context) error {
	protocol := c.cfg.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	broker := fmt.Sprintf("%s://%s:%d", protocol, c.cfg.Address, c.cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(c.cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectAfter)
	opts.SetKeepAlive(c.cfg.Keepalive)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.setState(StateConnected)
		c.log.Info("mqtt connected", "broker", broker)
		if c.onConnect != nil {
			c.onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setState(StateDisconnected)
		c.log.Warn("mqtt connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.setState(StateConnecting)
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if c.onMessage != nil {
			c.onMessage(msg.Topic(), msg.Payload())
		}
	})

	c.inner = mqtt.NewClient(opts)
	c.setState(StateConnecting)

	token := c.inner.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	if err := token.Error(); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}
	return nil
}

// Disconnect cleanly closes the connection, waiting up to 250ms for
// in-flight work to drain.
func (c *Client) Disconnect() {
	if c.inner != nil && c.inner.IsConnected() {
		c.inner.Disconnect(250)
	}
	c.setState(StateIdle)
}

// Subscribe subscribes to topic at the given QoS, routing every matching
// message to the client-wide OnMessage hook.
func (c *Client) Subscribe(topic string, qos byte) error {
	token := c.inner.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if c.onMessage != nil {
			c.onMessage(msg.Topic(), msg.Payload())
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s failed: %w", topic, err)
	}
	c.log.Debug("mqtt subscribed", "topic", topic)
	return nil
}

// Publish publishes payload to topic at the given QoS, waiting for the
// publish to be acknowledged (or fail) before returning, preserving publish
// order for a single caller.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.inner.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s failed: %w", topic, err)
	}
	c.log.Debug("mqtt published", "topic", topic)
	return nil
}

// WaitConnected blocks until the client reaches StateConnected or ctx is
// cancelled, polling at a fixed interval.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.State() == StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
