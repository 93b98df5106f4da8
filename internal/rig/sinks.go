package rig

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Publisher sends a value on a bus subject. bus.Client implements it.
type Publisher interface {
	Publish(subject string, v any) error
}

// BusSink publishes frames on the rig subject, skipping frames that differ
// from the last published one by no more than Epsilon on every channel.
type BusSink struct {
	pub     Publisher
	epsilon float64

	mu   sync.Mutex
	last *Weights
}

func NewBusSink(pub Publisher, epsilon float64) *BusSink {
	return &BusSink{pub: pub, epsilon: epsilon}
}

func (b *BusSink) Apply(_ context.Context, f Frame) error {
	b.mu.Lock()
	if b.last != nil && b.last.MaxDelta(f.Weights) <= b.epsilon {
		b.mu.Unlock()
		return nil
	}
	w := f.Weights
	b.last = &w
	b.mu.Unlock()

	return b.pub.Publish(protocol.SubjectRigFrame, protocol.RigFrame{
		A:         w.A,
		I:         w.I,
		U:         w.U,
		E:         w.E,
		O:         w.O,
		Timestamp: f.At.UTC(),
	})
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f Frame) error

func (fn SinkFunc) Apply(ctx context.Context, f Frame) error { return fn(ctx, f) }

const writeWait = 2 * time.Second

// Broadcaster streams frames to WebSocket viewers. Each client has its own
// writer goroutine fed through a one-slot mailbox so a slow viewer only
// misses frames and never stalls the render loop.
type Broadcaster struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	box  chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.With(slog.String("component", "rig-broadcaster")),
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams frames until the viewer leaves.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	c := &wsClient{conn: conn, box: make(chan []byte, 1), done: make(chan struct{})}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("rig viewer connected", slog.String("remote", r.RemoteAddr))

	go b.readLoop(c)
	b.writeLoop(c)

	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
	b.logger.Info("rig viewer disconnected", slog.String("remote", r.RemoteAddr))
}

// readLoop drains control frames so pings and close messages are handled.
func (b *Broadcaster) readLoop(c *wsClient) {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.box:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected viewers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) Apply(_ context.Context, f Frame) error {
	b.mu.Lock()
	if len(b.clients) == 0 {
		b.mu.Unlock()
		return nil
	}
	clients := make([]*wsClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	msg, err := json.Marshal(protocol.RigFrame{A: f.A, I: f.I, U: f.U, E: f.E, O: f.O, Timestamp: f.At.UTC()})
	if err != nil {
		return err
	}
	for _, c := range clients {
		// Replace a stale undelivered frame with the newest one.
		select {
		case <-c.box:
		default:
		}
		select {
		case c.box <- msg:
		default:
		}
	}
	return nil
}

// Close disconnects every viewer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[*wsClient]struct{})
	b.mu.Unlock()
	for c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		c.close()
	}
}
