// Package correlator matches inbound messages to waiting process instances.
//
// A correlator is scoped to one process and one partnerLink.operation pair
// and owns two persistent collections: routes (instances waiting for a
// message) and queued messages (messages that arrived before anyone waited
// for them). Whichever side arrives first is persisted; the second arrival
// matches and removes it, so arrival order does not change the outcome.
//
// All operations run in the transaction carried by ctx, if any.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i2y/odeon/correlation"
	"github.com/i2y/odeon/internal/storage"
)

// ErrDuplicateRoute is returned by AddRoute when a route with the same
// non-empty key set is already registered, or the same group index exists.
var ErrDuplicateRoute = errors.New("correlator: duplicate route")

// dequeuePageSize is how many queued messages DequeueMessage reads per
// query while it walks the queue.
var dequeuePageSize = 500

// Route is a registered consumer.
type Route struct {
	GroupID    string
	InstanceID string
	Index      int
	KeySet     correlation.KeySet
	Policy     correlation.RoutePolicy
	CreatedAt  time.Time
}

// QueuedMessage is a message exchange parked in the correlator queue.
type QueuedMessage struct {
	MexID     string
	KeySet    correlation.KeySet
	CreatedAt time.Time
}

// Correlator is the route table and message queue of one process operation.
type Correlator struct {
	store        storage.CorrelatorManager
	processID    string
	correlatorID string
}

// New returns the correlator for processID and correlatorID
// (partnerLink + "." + operation).
func New(store storage.CorrelatorManager, processID, correlatorID string) *Correlator {
	return &Correlator{store: store, processID: processID, correlatorID: correlatorID}
}

// ProcessID returns the process the correlator belongs to.
func (c *Correlator) ProcessID() string { return c.processID }

// ID returns the correlator id.
func (c *Correlator) ID() string { return c.correlatorID }

// Lock serializes the transaction in ctx with every other transaction that
// locks this correlator, until it commits or rolls back. Take it before
// reading routes or the queue with the intent to write.
func (c *Correlator) Lock(ctx context.Context) error {
	if err := c.store.LockCorrelator(ctx, c.processID, c.correlatorID); err != nil {
		return fmt.Errorf("lock correlator %s: %w", c.correlatorID, err)
	}
	return nil
}

// EnqueueMessage stores a message exchange with its key set as pending input.
func (c *Correlator) EnqueueMessage(ctx context.Context, mexID string, keySet correlation.KeySet) error {
	err := c.store.InsertQueuedMessage(ctx, &storage.QueuedMessage{
		MexID:        mexID,
		ProcessID:    c.processID,
		CorrelatorID: c.correlatorID,
		KeySet:       keySet.Canonical(),
	})
	if err != nil {
		return fmt.Errorf("enqueue message %s on %s: %w", mexID, c.correlatorID, err)
	}
	slog.Debug("message enqueued", "correlator", c.correlatorID, "mex_id", mexID, "key_set", keySet.String())
	return nil
}

// DequeueMessage removes and returns the oldest queued message whose key set
// satisfies pattern. It returns nil when nothing matches. A message is
// handed to at most one caller: the claim is the row delete, and a caller
// that loses the race moves on to the next candidate.
func (c *Correlator) DequeueMessage(ctx context.Context, pattern correlation.KeySet) (*QueuedMessage, error) {
	var cursor storage.QueueCursor
	for {
		msgs, err := c.store.ListQueuedMessagesAfter(ctx, c.processID, c.correlatorID, cursor, dequeuePageSize)
		if err != nil {
			return nil, fmt.Errorf("dequeue message on %s: %w", c.correlatorID, err)
		}
		for _, m := range msgs {
			qm, err := c.claimQueued(ctx, m, pattern)
			if err != nil || qm != nil {
				return qm, err
			}
		}
		if len(msgs) < dequeuePageSize {
			return nil, nil
		}
		cursor = storage.CursorAfter(msgs[len(msgs)-1])
	}
}

// claimQueued deletes m and returns it if its key set satisfies pattern.
func (c *Correlator) claimQueued(ctx context.Context, m *storage.QueuedMessage, pattern correlation.KeySet) (*QueuedMessage, error) {
	ks, err := correlation.ParseKeySet(m.KeySet)
	if err != nil {
		slog.Warn("skipping queued message with unreadable key set",
			"correlator", c.correlatorID, "mex_id", m.MexID, "error", err)
		return nil, nil
	}
	if !ks.Matches(pattern) {
		return nil, nil
	}

	claimed, err := c.store.DeleteQueuedMessage(ctx, m.MexID)
	if err != nil {
		return nil, fmt.Errorf("dequeue message on %s: %w", c.correlatorID, err)
	}
	if !claimed {
		slog.Debug("queued message claimed concurrently", "correlator", c.correlatorID, "mex_id", m.MexID)
		return nil, nil
	}
	return &QueuedMessage{MexID: m.MexID, KeySet: ks, CreatedAt: m.CreatedAt}, nil
}

// FindRoute returns the routes whose pattern matches keySet, ordered by
// ascending index. It does not delete anything.
func (c *Correlator) FindRoute(ctx context.Context, keySet correlation.KeySet) ([]*Route, error) {
	subsets, err := keySet.Subsets()
	if err != nil {
		// Too many keys to enumerate patterns; filter the whole table.
		return c.scanRoutes(ctx, keySet)
	}

	rows, err := c.store.FindRoutes(ctx, c.processID, c.correlatorID, subsets)
	if err != nil {
		return nil, fmt.Errorf("find route on %s: %w", c.correlatorID, err)
	}
	return toRoutes(rows)
}

func (c *Correlator) scanRoutes(ctx context.Context, keySet correlation.KeySet) ([]*Route, error) {
	rows, err := c.store.ListRoutes(ctx, storage.RouteFilter{ProcessID: c.processID, CorrelatorID: c.correlatorID})
	if err != nil {
		return nil, fmt.Errorf("find route on %s: %w", c.correlatorID, err)
	}
	all, err := toRoutes(rows)
	if err != nil {
		return nil, err
	}
	var out []*Route
	for _, r := range all {
		if keySet.Matches(r.KeySet) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CheckRoute reports whether a route for keySet may be registered: false if
// a route already claims an equal key set. Empty key sets never conflict.
func (c *Correlator) CheckRoute(ctx context.Context, keySet correlation.KeySet) (bool, error) {
	if keySet.IsEmpty() {
		return true, nil
	}
	exists, err := c.store.RouteExists(ctx, c.processID, c.correlatorID, keySet.Canonical())
	if err != nil {
		return false, fmt.Errorf("check route on %s: %w", c.correlatorID, err)
	}
	return !exists, nil
}

// AddRoute registers instanceID as waiting on keySet. A policy "one" route
// whose non-empty key set is already claimed fails with ErrDuplicateRoute.
func (c *Correlator) AddRoute(ctx context.Context, groupID, instanceID string, index int, keySet correlation.KeySet, policy correlation.RoutePolicy) error {
	if policy == "" {
		policy = correlation.PolicyOne
	}
	if !policy.Valid() {
		return fmt.Errorf("add route on %s: invalid route policy %q", c.correlatorID, policy)
	}

	if err := c.Lock(ctx); err != nil {
		return err
	}
	if policy == correlation.PolicyOne {
		ok, err := c.CheckRoute(ctx, keySet)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("add route %s/%d on %s for %s: %w", groupID, index, c.correlatorID, keySet, ErrDuplicateRoute)
		}
	}

	sel := correlation.Selector{CorrelatorID: c.correlatorID, Index: index, KeySet: keySet, Policy: policy}
	err := c.store.InsertRoute(ctx, &storage.Route{
		ProcessID:    c.processID,
		CorrelatorID: c.correlatorID,
		GroupID:      groupID,
		Index:        index,
		InstanceID:   instanceID,
		KeySet:       keySet.Canonical(),
		Policy:       string(policy),
		Selector:     correlation.EncodeSelector(sel),
	})
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("add route %s/%d on %s: %w", groupID, index, c.correlatorID, ErrDuplicateRoute)
		}
		return fmt.Errorf("add route %s/%d on %s: %w", groupID, index, c.correlatorID, err)
	}
	slog.Debug("route added", "correlator", c.correlatorID, "group_id", groupID,
		"instance_id", instanceID, "index", index, "key_set", keySet.String())
	return nil
}

// RemoveRoutes cancels every route of a group for an instance on this
// correlator and returns how many were removed.
func (c *Correlator) RemoveRoutes(ctx context.Context, groupID, instanceID string) (int64, error) {
	n, err := c.store.DeleteRoutes(ctx, storage.RouteFilter{
		ProcessID:    c.processID,
		CorrelatorID: c.correlatorID,
		GroupID:      groupID,
		InstanceID:   instanceID,
	})
	if err != nil {
		return 0, fmt.Errorf("remove routes %s on %s: %w", groupID, c.correlatorID, err)
	}
	return n, nil
}

// Routes lists every route registered on the correlator.
func (c *Correlator) Routes(ctx context.Context) ([]*Route, error) {
	rows, err := c.store.ListRoutes(ctx, storage.RouteFilter{ProcessID: c.processID, CorrelatorID: c.correlatorID})
	if err != nil {
		return nil, fmt.Errorf("list routes on %s: %w", c.correlatorID, err)
	}
	return toRoutes(rows)
}

func toRoutes(rows []*storage.Route) ([]*Route, error) {
	out := make([]*Route, 0, len(rows))
	for _, r := range rows {
		ks, err := correlation.ParseKeySet(r.KeySet)
		if err != nil {
			return nil, fmt.Errorf("route %s/%d: %w", r.GroupID, r.Index, err)
		}
		out = append(out, &Route{
			GroupID:    r.GroupID,
			InstanceID: r.InstanceID,
			Index:      r.Index,
			KeySet:     ks,
			Policy:     correlation.RoutePolicy(r.Policy),
			CreatedAt:  r.CreatedAt,
		})
	}
	return out, nil
}

// uniqueViolation recognizes a primary key violation from any dialect.
func uniqueViolation(err error) bool {
	for _, d := range []storage.Driver{&storage.SQLiteDriver{}, &storage.PostgresDriver{}, &storage.MySQLDriver{}} {
		if d.IsUniqueViolation(err) {
			return true
		}
	}
	return false
}
