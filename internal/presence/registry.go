// Package presence announces this node's roles on the bus and tracks the
// speaker and avatar nodes it hears from.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Capability names advertised by the two roles.
const (
	CapabilityStreamProducer = "tts.stream.produce"
	CapabilityStreamPlayback = "tts.stream.playback"
	CapabilityLipsync        = "avatar.lipsync"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string
	Role         string
	Capabilities []Capability
	LastSeen     time.Time
	Healthy      bool
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry publishes announce and heartbeat messages for the local node and
// keeps a view of every node seen on the bus.
type Registry struct {
	cfg          config.NodeConfig
	role         string
	capabilities []Capability
	clock        clockwork.Clock
	log          *slog.Logger
	bus          *bus.Client

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	subs  []*nats.Subscription
}

func NewRegistry(cfg config.NodeConfig, roles config.RolesConfig, busClient *bus.Client, clock clockwork.Clock, log *slog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	role, caps := Describe(roles)
	r := &Registry{
		cfg:          cfg,
		role:         role,
		capabilities: caps,
		clock:        clock,
		log:          log.With(slog.String("component", "presence")),
		bus:          busClient,
		nodes:        make(map[string]*NodeInfo),
	}
	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-avatar/presence")); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

// Describe maps the enabled roles to a role label and capability list.
func Describe(roles config.RolesConfig) (string, []Capability) {
	var caps []Capability
	role := ""
	switch {
	case roles.Speaker && roles.Avatar:
		role = "speaker+avatar"
	case roles.Speaker:
		role = "speaker"
	case roles.Avatar:
		role = "avatar"
	}
	if roles.Speaker {
		caps = append(caps, Capability{Name: CapabilityStreamProducer, Tier: "producer"})
	}
	if roles.Avatar {
		caps = append(caps,
			Capability{Name: CapabilityStreamPlayback, Tier: "consumer"},
			Capability{Name: CapabilityLipsync, Tier: "consumer"})
	}
	return role, caps
}

// Start subscribes to announcements and heartbeats and announces this node.
func (r *Registry) Start() error {
	announceSub, err := r.bus.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return err
	}
	heartbeatSub, err := r.bus.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return err
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}
	return nil
}

// Run publishes heartbeats and expires silent nodes until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.role,
		Capabilities: r.capabilities,
		Timestamp:    r.clock.Now().UTC(),
	}
	if err := r.bus.Publish(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.clock.Now().UTC()}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectNodeHeartbeatPrefix, r.cfg.ID)
	if err := r.bus.Publish(subject, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, "", nil, msg.Timestamp)
	return nil
}

func (r *Registry) handleAnnounce(data []byte) {
	var announcement announceMessage
	if err := protocol.Decode(r.bus.Codec(), data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(data []byte) {
	var hb heartbeatMessage
	if err := protocol.Decode(r.bus.Codec(), data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if timestamp.After(node.LastSeen) {
		node.LastSeen = timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock.Now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node has announced itself and is not
// stale.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("loqa.presence.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.presence.healthy", metric.WithDescription("Number of nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func WithTier(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}

// HealthyOnly keeps nodes whose heartbeat is current.
func HealthyOnly(node NodeInfo) bool { return node.Healthy }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
