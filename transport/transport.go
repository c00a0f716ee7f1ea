// Package transport adapts a pub/sub MQTT client to the narrow
// Publisher/Subscriber surface ShadowMonitor needs, mirroring the way
// boulder's rpc package wraps a raw AMQP connection behind a small
// typed interface instead of leaking channel/delivery plumbing to
// callers.
package transport

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/config"
	"github.com/edgecore/gg-cert-core/log"
)

// MessageHandler processes a single inbound publish. It runs on the
// underlying client's callback goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// PubSub is the capability ShadowMonitor and its topic helpers need
// from the wire transport.
type PubSub interface {
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler, timeout time.Duration) error
	Unsubscribe(topics ...string) error
	OnConnectionResumed(func())
}

// Client wraps a paho MQTT client, translating its Token-based async
// API into plain blocking calls with explicit timeouts, the same
// simplification boulder's amqp-rpc.go applies over raw AMQP channels.
type Client struct {
	mc  mqtt.Client
	log log.Logger

	mu        sync.Mutex
	onResumed func()
}

// NewClient dials brokerURL with the given client ID and optional TLS
// material from cfg, blocking until connected or 30s elapses. onLost,
// if non-nil, is invoked whenever the underlying connection drops.
func NewClient(cfg config.MQTTConfig, logger log.Logger, onLost func(error)) (*Client, error) {
	if logger == nil {
		logger = log.NopLogger{}
	}
	c := &Client{log: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.mu.Lock()
		fn := c.onResumed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	if onLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, certerrors.Transport(err, "building TLS config")
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	c.mc = mqtt.NewClient(opts)
	token := c.mc.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, certerrors.Timeout("mqtt connect did not complete within 30s")
	}
	if err := token.Error(); err != nil {
		return nil, certerrors.Transport(err, "mqtt connect failed")
	}

	return c, nil
}

// Publish sends payload to topic at the given QoS, blocking until the
// broker acknowledges or 10s elapses.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	token := c.mc.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return certerrors.Timeout("publish to %s did not complete within 10s", topic)
	}
	if err := token.Error(); err != nil {
		return certerrors.Transport(err, "publish to %s failed", topic)
	}
	return nil
}

// Subscribe registers handler for topic at the given QoS, waiting up
// to timeout for the broker to ack the subscription.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler, timeout time.Duration) error {
	token := c.mc.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(timeout) {
		return certerrors.Timeout("subscribe to %s did not complete within %s", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return certerrors.Transport(err, "subscribe to %s failed", topic)
	}
	return nil
}

// Unsubscribe drops the subscriptions on topics.
func (c *Client) Unsubscribe(topics ...string) error {
	token := c.mc.Unsubscribe(topics...)
	if !token.WaitTimeout(10 * time.Second) {
		return certerrors.Timeout("unsubscribe did not complete within 10s")
	}
	return token.Error()
}

// OnConnectionResumed registers fn to run whenever the underlying
// client reports a successful (re)connect. Only the most recently
// registered fn is kept.
func (c *Client) OnConnectionResumed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResumed = fn
}

// Disconnect tears down the connection, waiting up to quiesce
// milliseconds for in-flight work to drain.
func (c *Client) Disconnect(quiesce uint) {
	c.mc.Disconnect(quiesce)
}
