package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection and the payload codec shared by every
// subject.
type Client struct {
	conn    *nats.Conn
	codec   protocol.Codec
	log     *slog.Logger
	timeout time.Duration
}

// Connect dials the configured servers. A non-empty url overrides them,
// which is how avatard reaches its own embedded server.
func Connect(ctx context.Context, cfg config.BusConfig, url string, log *slog.Logger) (*Client, error) {
	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if url == "" {
		if len(cfg.Servers) == 0 {
			return nil, errors.New("no NATS servers configured")
		}
		url = strings.Join(cfg.Servers, ",")
	}

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	options := []nats.Option{
		nats.Name("loqa-avatar"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log = log.With(slog.String("component", "bus"))
	log.Info("connected to NATS", slog.String("servers", url), slog.String("codec", codec.Name()))

	return &Client{conn: conn, codec: codec, log: log, timeout: timeout}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Codec() protocol.Codec {
	return c.codec
}

// Publish encodes v with the bus codec.
func (c *Client) Publish(subject string, v any) error {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Send publishes one stream envelope; it satisfies the encoder's sink.
func (c *Client) Send(_ context.Context, msg protocol.StreamMessage) error {
	data, err := protocol.EncodeStream(c.codec, msg)
	if err != nil {
		return err
	}
	return c.conn.Publish(protocol.SubjectStream, data)
}

// Subscribe delivers raw payloads for subject. Callbacks run on the NATS
// dispatcher goroutine and must not block for long.
func (c *Client) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Flush round-trips to the server so prior publishes and subscriptions are
// in effect. Without a deadline on ctx the connect timeout bounds the wait.
func (c *Client) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}
