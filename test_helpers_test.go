package odeon

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i2y/odeon/correlation"
	"github.com/i2y/odeon/hooks"
)

// purchaseProcess is a process that is started by an order and then waits
// for a shipper confirmation or a cancellation.
func purchaseProcess() *ProcessDefinition {
	return &ProcessDefinition{
		ID: "purchase",
		Operations: []Operation{
			{PartnerLink: "customer", Name: "order", Instantiating: true},
			{PartnerLink: "customer", Name: "cancel"},
			{PartnerLink: "shipper", Name: "confirm"},
		},
		CorrelationSets: map[int]string{1: "orderId"},
	}
}

func orderKeys(id string) correlation.KeySet {
	return correlation.NewKeySet(correlation.NewKey("orderId", id))
}

// jobRecorder is an InstanceHandler that reports every job on a channel.
type jobRecorder struct {
	jobs chan *InstanceJob

	mu      sync.Mutex
	respond func(ctx context.Context, job *InstanceJob) (Outcome, error)
}

func newJobRecorder() *jobRecorder {
	return &jobRecorder{jobs: make(chan *InstanceJob, 64)}
}

func (r *jobRecorder) OnInstanceJob(ctx context.Context, job *InstanceJob) (Outcome, error) {
	r.mu.Lock()
	respond := r.respond
	r.mu.Unlock()

	outcome, err := InstanceWaiting, error(nil)
	if respond != nil {
		outcome, err = respond(ctx, job)
	}
	if err == nil {
		r.jobs <- job
	}
	return outcome, err
}

func (r *jobRecorder) setRespond(fn func(ctx context.Context, job *InstanceJob) (Outcome, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.respond = fn
}

func (r *jobRecorder) next(t *testing.T) *InstanceJob {
	t.Helper()
	select {
	case job := <-r.jobs:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an instance job")
		return nil
	}
}

func (r *jobRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case job := <-r.jobs:
		t.Fatalf("unexpected job %s of type %s", job.JobID, job.Type)
	case <-time.After(d):
	}
}

// recordingHooks records the correlation and failure events.
type recordingHooks struct {
	hooks.NoOpHooks

	mu       sync.Mutex
	enqueued []hooks.MessageEnqueuedInfo
	matched  []hooks.MessageMatchedInfo
	routes   []hooks.RouteAddedInfo
	retries  []hooks.JobRetryInfo
	failed   []hooks.JobFailedInfo
}

func (h *recordingHooks) OnMessageEnqueued(_ context.Context, info hooks.MessageEnqueuedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueued = append(h.enqueued, info)
}

func (h *recordingHooks) OnMessageMatched(_ context.Context, info hooks.MessageMatchedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matched = append(h.matched, info)
}

func (h *recordingHooks) OnRouteAdded(_ context.Context, info hooks.RouteAddedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes = append(h.routes, info)
}

func (h *recordingHooks) OnJobRetry(_ context.Context, info hooks.JobRetryInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = append(h.retries, info)
}

func (h *recordingHooks) OnJobFailed(_ context.Context, info hooks.JobFailedInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, info)
}

func (h *recordingHooks) counts() (enqueued, matched, routes, retries, failed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.enqueued), len(h.matched), len(h.routes), len(h.retries), len(h.failed)
}

// createTestApp starts an App on a temporary SQLite database with the
// purchase process registered and a job recorder as instance handler.
func createTestApp(t *testing.T, opts ...Option) (*App, *jobRecorder) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "odeon-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	t.Cleanup(func() {
		_ = os.Remove(tmpPath)
		_ = os.Remove(tmpPath + "-wal")
		_ = os.Remove(tmpPath + "-shm")
	})

	base := []Option{
		WithDatabase(tmpPath),
		WithNodeID("test-node"),
		WithPremieReapInterval(0),
		WithShutdownTimeout(5 * time.Second),
	}
	app := NewApp(append(base, opts...)...)
	require.NoError(t, app.RegisterProcess(purchaseProcess()))

	rec := newJobRecorder()
	app.SetInstanceHandler(rec)

	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app, rec
}

// startOrder instantiates a purchase instance for orderID and consumes the
// instantiating message job.
func startOrder(t *testing.T, app *App, rec *jobRecorder, orderID string) string {
	t.Helper()
	res, err := app.Deliver(context.Background(), &InboundMessage{
		ProcessID:   "purchase",
		PartnerLink: "customer",
		Operation:   "order",
		KeySet:      orderKeys(orderID),
		Payload:     []byte(`{"orderId":"` + orderID + `"}`),
	})
	require.NoError(t, err)
	require.Equal(t, DeliveryInstantiated, res.Status)
	require.Len(t, res.InstanceIDs, 1)

	job := rec.next(t)
	require.Equal(t, res.InstanceIDs[0], job.InstanceID)
	return res.InstanceIDs[0]
}
