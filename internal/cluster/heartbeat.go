// Package cluster carries node heartbeats over NATS so every node knows
// which peers are alive. Each node publishes its id on a shared subject at
// a fixed interval and reports every heartbeat it receives to a Membership,
// normally the scheduler, which uses them for job distribution and stale
// node takeover.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject heartbeats are published on.
const DefaultSubject = "odeon.cluster.heartbeat"

// Heartbeat is the message a node publishes.
type Heartbeat struct {
	NodeID string    `json:"nodeId"`
	SentAt time.Time `json:"sentAt"`
}

// Membership receives the heartbeats of peer nodes.
type Membership interface {
	UpdateHeartBeat(nodeID string)
}

// Transport publishes and subscribes raw messages.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
	Close()
}

type natsTransport struct {
	nc *nats.Conn
}

// Dial connects to the NATS server at url.
func Dial(url, nodeID string) (Transport, error) {
	nc, err := nats.Connect(url,
		nats.Name("odeon-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &natsTransport{nc: nc}, nil
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	return t.nc.Publish(subject, data)
}

func (t *natsTransport) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func (t *natsTransport) Close() {
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
	}
}

// Heartbeater publishes the local heartbeat and relays peer heartbeats.
type Heartbeater struct {
	transport Transport
	nodeID    string
	subject   string
	interval  time.Duration
	members   Membership

	mu          sync.Mutex
	unsubscribe func() error
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Heartbeater.
type Option func(*Heartbeater)

// WithSubject overrides DefaultSubject.
func WithSubject(subject string) Option {
	return func(h *Heartbeater) {
		h.subject = subject
	}
}

// WithInterval sets the publish interval (default 3s). It should be well
// below the scheduler's stale interval.
func WithInterval(d time.Duration) Option {
	return func(h *Heartbeater) {
		if d > 0 {
			h.interval = d
		}
	}
}

// NewHeartbeater returns a heartbeater for nodeID.
func NewHeartbeater(transport Transport, nodeID string, members Membership, opts ...Option) *Heartbeater {
	h := &Heartbeater{
		transport: transport,
		nodeID:    nodeID,
		subject:   DefaultSubject,
		interval:  3 * time.Second,
		members:   members,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start subscribes to peer heartbeats and starts publishing.
func (h *Heartbeater) Start(ctx context.Context) error {
	unsubscribe, err := h.transport.Subscribe(h.subject, h.receive)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.cancel = cancel
	h.mu.Unlock()

	h.publish()
	h.wg.Add(1)
	go h.loop(ctx)
	slog.Info("cluster heartbeats started", "node_id", h.nodeID, "subject", h.subject, "interval", h.interval)
	return nil
}

// Stop stops publishing and unsubscribes.
func (h *Heartbeater) Stop() {
	h.mu.Lock()
	cancel, unsubscribe := h.cancel, h.unsubscribe
	h.cancel, h.unsubscribe = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
	if unsubscribe != nil {
		if err := unsubscribe(); err != nil {
			slog.Debug("heartbeat unsubscribe failed", "error", err)
		}
	}
}

func (h *Heartbeater) loop(ctx context.Context) {
	defer h.wg.Done()
	for {
		timer := time.NewTimer(addJitter(h.interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			h.publish()
		}
	}
}

func (h *Heartbeater) publish() {
	data, err := json.Marshal(Heartbeat{NodeID: h.nodeID, SentAt: time.Now().UTC()})
	if err != nil {
		slog.Error("failed to encode heartbeat", "error", err)
		return
	}
	if err := h.transport.Publish(h.subject, data); err != nil {
		slog.Warn("failed to publish heartbeat", "node_id", h.nodeID, "error", err)
	}
}

func (h *Heartbeater) receive(data []byte) {
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		slog.Warn("ignoring malformed heartbeat", "error", err)
		return
	}
	if hb.NodeID == "" || hb.NodeID == h.nodeID {
		return
	}
	h.members.UpdateHeartBeat(hb.NodeID)
}

// addJitter spreads d by ±25% so nodes started together do not publish in
// lockstep.
func addJitter(d time.Duration) time.Duration {
	const jitterPercent = 0.25
	factor := 1.0 + jitterPercent*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
