// Package bambu reaches Bambu Lab printers through the MQTT broker they run
// on their LAN interface.
package bambu

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/zorkian/chibichonk/internal/certs"
	"github.com/zorkian/chibichonk/internal/transport"
)

const (
	DefaultPort = 8883
	username    = "bblp"

	defaultConnectTimeout = 10 * time.Second
	payloadBuffer         = 64
)

var pushAllPayload = []byte(`{"pushing":{"sequence_id":"0","command":"pushall"}}`)

func reportTopic(serial string) string {
	return "device/" + serial + "/report"
}

func requestTopic(serial string) string {
	return "device/" + serial + "/request"
}

// Option configures a Transport.
type Option func(*Transport)

// WithConnectTimeout bounds how long Open waits for the broker.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithLogger sets the logger for connection messages.
func WithLogger(logger *log.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClientFactory swaps the MQTT client constructor, for tests.
func WithClientFactory(fn func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(t *Transport) {
		if fn != nil {
			t.newClient = fn
		}
	}
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	connectTimeout time.Duration
	logger         *log.Logger
	newClient      func(*mqtt.ClientOptions) mqtt.Client
	tlsConfig      func(caPath, serial string) (*tls.Config, error)
}

func New(opts ...Option) *Transport {
	t := &Transport{
		connectTimeout: defaultConnectTimeout,
		logger:         log.New(io.Discard, "", 0),
		newClient:      mqtt.NewClient,
		tlsConfig:      certs.PrinterTLSConfig,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects to the printer broker and subscribes to its report topic.
func (t *Transport) Open(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	addr := brokerAddress(ep)
	if ep.Serial == "" {
		return nil, &transport.ConnectionError{Address: addr, Err: errors.New("printer serial is required")}
	}

	tlsConfig, err := t.tlsConfig(ep.CAFile, ep.Serial)
	if err != nil {
		return nil, &transport.ConnectionError{Address: addr, Err: err}
	}

	c := &conn{
		serial:   ep.Serial,
		payloads: make(chan []byte, payloadBuffer),
		closed:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tls://" + addr).
		SetClientID("chibichonk-" + uuid.NewString()).
		SetUsername(username).
		SetPassword(ep.AccessCode).
		SetTLSConfig(tlsConfig).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetConnectTimeout(t.connectTimeout).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.logger.Printf("[%s] connection lost: %v", ep.Name, err)
			c.shutdown()
		})
	c.client = t.newClient(opts)

	if err := wait(ctx, c.client.Connect(), t.connectTimeout); err != nil {
		c.client.Disconnect(0)
		return nil, &transport.ConnectionError{Address: addr, Err: err}
	}

	if err := wait(ctx, c.client.Subscribe(reportTopic(ep.Serial), 0, c.handle), t.connectTimeout); err != nil {
		c.client.Disconnect(250)
		return nil, &transport.ConnectionError{Address: addr, Err: fmt.Errorf("subscribe: %w", err)}
	}

	return c, nil
}

func brokerAddress(ep transport.Endpoint) string {
	port := ep.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(ep.Host, strconv.Itoa(port))
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

type conn struct {
	serial   string
	client   mqtt.Client
	payloads chan []byte

	once   sync.Once
	closed chan struct{}
}

// handle runs on the paho router goroutine; with ordered delivery, blocking
// here applies backpressure instead of reordering reports.
func (c *conn) handle(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case c.payloads <- payload:
	case <-c.closed:
	}
}

func (c *conn) Next(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.payloads:
		return payload, nil
	default:
	}
	select {
	case payload := <-c.payloads:
		return payload, nil
	case <-c.closed:
		return nil, transport.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Resubscribe(ctx context.Context) error {
	select {
	case <-c.closed:
		return transport.ErrStreamClosed
	default:
	}
	token := c.client.Publish(requestTopic(c.serial), 0, false, pushAllPayload)
	if err := wait(ctx, token, defaultConnectTimeout); err != nil {
		return fmt.Errorf("request full status: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	c.shutdown()
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.closed)
	})
}
