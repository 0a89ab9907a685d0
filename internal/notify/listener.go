// Package notify listens for PostgreSQL notifications that tell a node the
// upgrade task assigned jobs to it, so it can load them without waiting for
// its next LoadImmediate run.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/i2y/odeon/internal/storage"
)

// ChannelJobsAssigned carries the id of a node that got jobs assigned.
const ChannelJobsAssigned = storage.JobsAssignedChannel

// Handler receives notifications. It runs on the listen loop and must not
// block.
type Handler func(channel, payload string)

// WakeOnAssignment returns a handler calling wake for job assignment
// notifications addressed to nodeID.
func WakeOnAssignment(nodeID string, wake func()) Handler {
	return func(channel, payload string) {
		if channel == ChannelJobsAssigned && payload == nodeID {
			slog.Debug("jobs assigned notification", "node_id", nodeID)
			wake()
		}
	}
}

// Listener holds a dedicated connection in LISTEN mode and reconnects when
// it drops.
type Listener struct {
	connString     string
	channels       []string
	reconnectDelay time.Duration
	handler        Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	active    bool
	lastError error
	failures  int
}

// Option configures a Listener.
type Option func(*Listener)

// WithReconnectDelay sets the wait before reconnecting after a failure.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Listener) {
		l.reconnectDelay = d
	}
}

// WithChannels replaces the channels listened to.
func WithChannels(channels ...string) Option {
	return func(l *Listener) {
		l.channels = channels
	}
}

// NewListener returns a listener for connString (a PostgreSQL URL).
func NewListener(connString string, handler Handler, opts ...Option) *Listener {
	l := &Listener{
		connString:     connString,
		channels:       []string{ChannelJobsAssigned},
		reconnectDelay: 5 * time.Second,
		handler:        handler,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the listen loop in the background until Stop.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop ends the listen loop and waits for it until ctx is done.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether the LISTEN connection is up.
func (l *Listener) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// LastError returns the last connection error.
func (l *Listener) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}

func (l *Listener) setState(active bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = active
	l.lastError = err
	if err != nil {
		l.failures++
	} else if active {
		l.failures = 0
	}
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()
	defer l.setState(false, nil)

	for ctx.Err() == nil {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		l.setState(false, err)
		l.mu.RLock()
		failures := l.failures
		l.mu.RUnlock()
		slog.Warn("LISTEN connection lost, reconnecting",
			"error", err, "reconnect_delay", l.reconnectDelay, "failures", failures)

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// listenOnce connects, subscribes and dispatches notifications until the
// connection fails or ctx is done.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return err
		}
	}
	l.setState(true, nil)
	slog.Info("LISTEN connection established", "channels", l.channels)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(n.Channel, n.Payload)
	}
}

func (l *Listener) dispatch(channel, payload string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in notification handler", "channel", channel, "panic", r)
		}
	}()
	l.handler(channel, payload)
}
