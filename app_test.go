package odeon

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/odeon/correlation"
	"github.com/i2y/odeon/internal/correlator"
	"github.com/i2y/odeon/internal/scheduler"
	"github.com/i2y/odeon/internal/storage"
	"github.com/i2y/odeon/internal/upgrade"
	"github.com/i2y/odeon/retry"
)

func confirm(orderID string) *InboundMessage {
	return &InboundMessage{
		ProcessID:   "purchase",
		PartnerLink: "shipper",
		Operation:   "confirm",
		KeySet:      orderKeys(orderID),
		Payload:     []byte(`{"shipped":true}`),
	}
}

func confirmSelector(orderID string, index int, policy correlation.RoutePolicy) correlation.Selector {
	return correlation.Selector{
		CorrelatorID: "shipper.confirm",
		Index:        index,
		KeySet:       orderKeys(orderID),
		Policy:       policy,
	}
}

func TestStartCreatesSchemaAtCurrentVersion(t *testing.T) {
	app, _ := createTestApp(t)

	v, err := app.Storage().GetSchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upgrade.CurrentVersion, v)
	assert.True(t, app.Running())
	assert.Equal(t, "test-node", app.NodeID())
}

func TestOperationsRequireRunningApp(t *testing.T) {
	app := NewApp(WithDatabase(":memory:"))
	require.NoError(t, app.RegisterProcess(purchaseProcess()))

	_, err := app.Deliver(context.Background(), confirm("1"))
	assert.ErrorIs(t, err, ErrAppNotRunning)
	assert.ErrorIs(t, err, scheduler.ErrNotRunning)

	_, err = app.Select(context.Background(), "i", "", []correlation.Selector{confirmSelector("1", 0, "")})
	assert.ErrorIs(t, err, ErrAppNotRunning)
	assert.NoError(t, app.Shutdown(context.Background()))
}

func TestRegisterProcessValidation(t *testing.T) {
	app := NewApp()
	assert.Error(t, app.RegisterProcess(nil))
	assert.Error(t, app.RegisterProcess(&ProcessDefinition{ID: "empty"}))
	assert.Error(t, app.RegisterProcess(&ProcessDefinition{
		ID: "dup",
		Operations: []Operation{
			{PartnerLink: "a", Name: "b"},
			{PartnerLink: "a", Name: "b"},
		},
	}))

	require.NoError(t, app.RegisterProcess(purchaseProcess()))
	assert.Error(t, app.RegisterProcess(purchaseProcess()), "a process registers once")

	def, err := app.process("purchase")
	require.NoError(t, err)
	assert.Equal(t, []string{"customer.cancel", "customer.order", "shipper.confirm"}, def.CorrelatorIDs())
	name, ok := def.CorrelationSetName(1)
	assert.True(t, ok)
	assert.Equal(t, "orderId", name)
}

func TestDeliverRejectsUnknownTargets(t *testing.T) {
	app, _ := createTestApp(t)
	ctx := context.Background()

	msg := confirm("1")
	msg.ProcessID = "nope"
	_, err := app.Deliver(ctx, msg)
	assert.ErrorIs(t, err, ErrProcessNotRegistered)

	msg = confirm("1")
	msg.Operation = "refund"
	_, err = app.Deliver(ctx, msg)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = app.Select(ctx, "missing-instance", "", []correlation.Selector{confirmSelector("1", 0, "")})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	var nf *InstanceNotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing-instance", nf.InstanceID)
}

func TestDeliverAndSelectRejectTildeSetNames(t *testing.T) {
	app, _ := createTestApp(t)
	ctx := context.Background()
	bad := correlation.NewKeySet(correlation.NewKey("order~Id", "1"))

	msg := confirm("1")
	msg.KeySet = bad
	_, err := app.Deliver(ctx, msg)
	assert.ErrorIs(t, err, correlation.ErrInvalidSetName)

	sel := confirmSelector("1", 0, "")
	sel.KeySet = bad
	_, err = app.Select(ctx, "any-instance", "", []correlation.Selector{sel})
	assert.ErrorIs(t, err, correlation.ErrInvalidSetName)
}

func TestInstantiatingMessageCreatesInstance(t *testing.T) {
	h := &recordingHooks{}
	app, rec := createTestApp(t, WithHooks(h))
	ctx := context.Background()

	res, err := app.Deliver(ctx, &InboundMessage{
		ProcessID:   "purchase",
		PartnerLink: "customer",
		Operation:   "order",
		KeySet:      orderKeys("42"),
		Payload:     []byte(`{"item":"book"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryInstantiated, res.Status)
	require.Len(t, res.InstanceIDs, 1)

	job := rec.next(t)
	assert.Equal(t, JobTypeMessage, job.Type)
	assert.Equal(t, "purchase", job.ProcessID)
	assert.Equal(t, res.InstanceIDs[0], job.InstanceID)
	assert.Equal(t, "customer.order", job.CorrelatorID)
	require.NotNil(t, job.Message)
	assert.Equal(t, res.MexID, job.Message.MexID)
	assert.Equal(t, "order", job.Message.Operation)
	assert.JSONEq(t, `{"item":"book"}`, string(job.Message.Payload))

	inst, err := app.Storage().GetInstance(ctx, res.InstanceIDs[0])
	require.NoError(t, err)
	assert.Equal(t, storage.InstanceActive, inst.Status)
	assert.Equal(t, res.MexID, inst.CreatedByMex)

	_, matched, _, _, _ := h.counts()
	assert.Equal(t, 1, matched)
}

func TestMessageBeforeReceiver(t *testing.T) {
	h := &recordingHooks{}
	app, rec := createTestApp(t, WithHooks(h))
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	delivered, err := app.Deliver(ctx, confirm("42"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, delivered.Status)
	assert.Empty(t, delivered.InstanceIDs)

	queued, err := app.Storage().ListQueuedMessages(ctx, "purchase", "shipper.confirm", 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	res, err := app.Select(ctx, instanceID, "", []correlation.Selector{confirmSelector("42", 0, "")})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, delivered.MexID, res.MexID)
	assert.Equal(t, "shipper.confirm", res.CorrelatorID)

	job := rec.next(t)
	assert.Equal(t, instanceID, job.InstanceID)
	assert.Equal(t, res.GroupID, job.RouteGroupID)
	require.NotNil(t, job.Message)
	assert.Equal(t, "confirm", job.Message.Operation)

	routes, err := app.Storage().ListRoutes(ctx, storage.RouteFilter{ProcessID: "purchase"})
	require.NoError(t, err)
	assert.Empty(t, routes, "a matched select registers no route")

	queued, err = app.Storage().ListQueuedMessages(ctx, "purchase", "shipper.confirm", 10)
	require.NoError(t, err)
	assert.Empty(t, queued)

	enqueued, _, routesAdded, _, _ := h.counts()
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, 0, routesAdded)
}

func TestReceiverBeforeMessage(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	res, err := app.Select(ctx, instanceID, "group-1", []correlation.Selector{confirmSelector("42", 0, "")})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, "group-1", res.GroupID)

	// A message with a different key does not match.
	other, err := app.Deliver(ctx, confirm("43"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, other.Status)

	delivered, err := app.Deliver(ctx, confirm("42"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryRouted, delivered.Status)
	assert.Equal(t, []string{instanceID}, delivered.InstanceIDs)

	job := rec.next(t)
	assert.Equal(t, instanceID, job.InstanceID)
	assert.Equal(t, "group-1", job.RouteGroupID)
	assert.Equal(t, delivered.MexID, job.Message.MexID)

	mex, err := app.Storage().GetMessageExchange(ctx, delivered.MexID)
	require.NoError(t, err)
	assert.Equal(t, instanceID, mex.InstanceID)

	routes, err := app.Storage().ListRoutes(ctx, storage.RouteFilter{ProcessID: "purchase", InstanceID: instanceID})
	require.NoError(t, err)
	assert.Empty(t, routes, "the matched route group is consumed")
}

func TestArrivalOrderDoesNotChangeOutcome(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	first := startOrder(t, app, rec, "1")
	second := startOrder(t, app, rec, "2")

	// Message first for order 1, receiver first for order 2.
	_, err := app.Deliver(ctx, confirm("1"))
	require.NoError(t, err)
	_, err = app.Select(ctx, first, "", []correlation.Selector{confirmSelector("1", 0, "")})
	require.NoError(t, err)

	_, err = app.Select(ctx, second, "", []correlation.Selector{confirmSelector("2", 0, "")})
	require.NoError(t, err)
	_, err = app.Deliver(ctx, confirm("2"))
	require.NoError(t, err)

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		job := rec.next(t)
		got[job.InstanceID] = job.Message.Operation
	}
	assert.Equal(t, map[string]string{first: "confirm", second: "confirm"}, got)
}

func TestPickRemovesWholeGroup(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	_, err := app.Select(ctx, instanceID, "pick", []correlation.Selector{
		{CorrelatorID: "customer.cancel", Index: 1, KeySet: orderKeys("42")},
		confirmSelector("42", 0, ""),
	})
	require.NoError(t, err)

	routes, err := app.Storage().ListRoutes(ctx, storage.RouteFilter{ProcessID: "purchase", GroupID: "pick"})
	require.NoError(t, err)
	assert.Len(t, routes, 2)

	delivered, err := app.Deliver(ctx, &InboundMessage{
		ProcessID:   "purchase",
		PartnerLink: "customer",
		Operation:   "cancel",
		KeySet:      orderKeys("42"),
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryRouted, delivered.Status)

	job := rec.next(t)
	assert.Equal(t, 1, job.RouteIndex)
	assert.Equal(t, "cancel", job.Message.Operation)

	routes, err = app.Storage().ListRoutes(ctx, storage.RouteFilter{ProcessID: "purchase", GroupID: "pick"})
	require.NoError(t, err)
	assert.Empty(t, routes, "the other branch of the pick is withdrawn")

	// The confirm now arrives late and waits in the queue.
	late, err := app.Deliver(ctx, confirm("42"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, late.Status)
}

func TestSelectTakesLowestIndexFirst(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	_, err := app.Deliver(ctx, confirm("42"))
	require.NoError(t, err)
	_, err = app.Deliver(ctx, &InboundMessage{
		ProcessID: "purchase", PartnerLink: "customer", Operation: "cancel", KeySet: orderKeys("42"),
	})
	require.NoError(t, err)

	res, err := app.Select(ctx, instanceID, "", []correlation.Selector{
		confirmSelector("42", 5, ""),
		{CorrelatorID: "customer.cancel", Index: 2, KeySet: orderKeys("42")},
	})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "customer.cancel", res.CorrelatorID)
	assert.Equal(t, 2, res.Index)
	rec.next(t)
}

func TestPolicyAllDeliversToEveryRoute(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	a := startOrder(t, app, rec, "a")
	b := startOrder(t, app, rec, "b")

	broadcast := correlation.Selector{CorrelatorID: "shipper.confirm", Policy: correlation.PolicyAll}
	_, err := app.Select(ctx, a, "", []correlation.Selector{broadcast})
	require.NoError(t, err)
	_, err = app.Select(ctx, b, "", []correlation.Selector{broadcast})
	require.NoError(t, err)

	res, err := app.Deliver(ctx, confirm("any"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryRouted, res.Status)
	assert.ElementsMatch(t, []string{a, b}, res.InstanceIDs)
	assert.Len(t, res.JobIDs, 2)

	got := []string{rec.next(t).InstanceID, rec.next(t).InstanceID}
	assert.ElementsMatch(t, []string{a, b}, got)

	routes, err := app.Storage().ListRoutes(ctx, storage.RouteFilter{ProcessID: "purchase", CorrelatorID: "shipper.confirm"})
	require.NoError(t, err)
	assert.Len(t, routes, 2, "policy all routes stay registered")
}

func TestInstantiationSkippedWhenKeyClaimed(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	first := startOrder(t, app, rec, "42")

	// The instance waits for a follow-up order with the same key.
	_, err := app.Select(ctx, first, "", []correlation.Selector{
		{CorrelatorID: "customer.order", KeySet: orderKeys("42")},
	})
	require.NoError(t, err)

	res, err := app.Deliver(ctx, &InboundMessage{
		ProcessID: "purchase", PartnerLink: "customer", Operation: "order", KeySet: orderKeys("42"),
	})
	require.NoError(t, err)
	assert.Equal(t, DeliveryRouted, res.Status)
	assert.Equal(t, []string{first}, res.InstanceIDs)
	rec.next(t)
}

func TestDuplicateRouteRejected(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	a := startOrder(t, app, rec, "a")
	b := startOrder(t, app, rec, "b")

	_, err := app.Select(ctx, a, "", []correlation.Selector{confirmSelector("42", 0, "")})
	require.NoError(t, err)
	_, err = app.Select(ctx, b, "", []correlation.Selector{confirmSelector("42", 0, "")})
	assert.ErrorIs(t, err, correlator.ErrDuplicateRoute)
}

func TestCancelSelect(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	_, err := app.Select(ctx, instanceID, "g", []correlation.Selector{
		confirmSelector("42", 0, ""),
		{CorrelatorID: "customer.cancel", Index: 1, KeySet: orderKeys("42")},
	})
	require.NoError(t, err)

	n, err := app.CancelSelect(ctx, "purchase", instanceID, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	res, err := app.Deliver(ctx, confirm("42"))
	require.NoError(t, err)
	assert.Equal(t, DeliveryQueued, res.Status)
	rec.none(t, 100*time.Millisecond)
}

func TestCompletedInstanceIgnoresLaterJobs(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	_, err := app.Select(ctx, instanceID, "", []correlation.Selector{confirmSelector("42", 0, "")})
	require.NoError(t, err)

	rec.setRespond(func(ctx context.Context, job *InstanceJob) (Outcome, error) {
		return InstanceCompleted, nil
	})
	_, err = app.ScheduleResume(ctx, instanceID, "step", true)
	require.NoError(t, err)
	rec.next(t)

	require.Eventually(t, func() bool {
		inst, err := app.Storage().GetInstance(ctx, instanceID)
		return err == nil && inst.Status == storage.InstanceCompleted
	}, 5*time.Second, 10*time.Millisecond)

	routes, err := app.Storage().ListRoutes(ctx, storage.RouteFilter{InstanceID: instanceID})
	require.NoError(t, err)
	assert.Empty(t, routes)

	_, err = app.ScheduleResume(ctx, instanceID, "again", false)
	require.NoError(t, err)
	rec.none(t, 200*time.Millisecond)
}

func TestJobRetryPolicyDropsNonRetryableFailures(t *testing.T) {
	errDown := errors.New("partner down")
	h := &recordingHooks{}
	app, rec := createTestApp(t, WithHooks(h), WithJobRetryPolicy(
		retry.NewBuilder().WithMaxAttempts(5).WithNonRetryableErrors(errDown).Build(),
	))
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	rec.setRespond(func(ctx context.Context, job *InstanceJob) (Outcome, error) {
		return InstanceWaiting, fmt.Errorf("notify partner: %w", errDown)
	})
	_, err := app.ScheduleResume(ctx, instanceID, "step", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, _, _, failed := h.counts()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, _, _, retries, _ := h.counts()
	assert.Zero(t, retries)
}

func TestCompleteInstance(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	require.NoError(t, app.CompleteInstance(ctx, instanceID))
	inst, err := app.Storage().GetInstance(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, storage.InstanceCompleted, inst.Status)

	assert.ErrorIs(t, app.CompleteInstance(ctx, "missing"), ErrInstanceNotFound)
}

func TestTimerJobs(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	jobID, err := app.ScheduleTimer(ctx, instanceID, "deadline", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	job := rec.next(t)
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, JobTypeTimer, job.Type)
	assert.Equal(t, "deadline", job.Channel)
	assert.Nil(t, job.Message)

	canceled, err := app.ScheduleTimer(ctx, instanceID, "reminder", time.Now().Add(200*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, app.CancelTimer(ctx, canceled))
	rec.none(t, 400*time.Millisecond)

	_, err = app.ScheduleTimer(ctx, "missing", "x", time.Now())
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = app.ScheduleRecurringTimer(ctx, instanceID, "poll", "not a cron spec")
	assert.Error(t, err)
}

func TestVolatileResume(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	jobID, err := app.ScheduleResume(ctx, instanceID, "continue", false)
	require.NoError(t, err)
	job := rec.next(t)
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, JobTypeResume, job.Type)

	stored, err := app.Storage().GetJob(ctx, jobID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "volatile jobs are never stored")
	assert.Nil(t, stored)
}

func TestTerminalErrorDropsJob(t *testing.T) {
	h := &recordingHooks{}
	app, rec := createTestApp(t, WithHooks(h))
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	rec.setRespond(func(ctx context.Context, job *InstanceJob) (Outcome, error) {
		return InstanceWaiting, NewTerminalErrorf("bad input for %s", job.Channel)
	})
	jobID, err := app.ScheduleResume(ctx, instanceID, "broken", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, _, _, failed := h.counts()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, _, _, retries, _ := h.counts()
	assert.Equal(t, 0, retries)
	_, err = app.Storage().GetJob(ctx, jobID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLockedInstanceIsRetried(t *testing.T) {
	h := &recordingHooks{}
	app, rec := createTestApp(t, WithHooks(h))
	ctx := context.Background()
	instanceID := startOrder(t, app, rec, "42")

	locked, err := app.Storage().TryAcquireLock(ctx, instanceID, "other-node", time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	_, err = app.ScheduleResume(ctx, instanceID, "contended", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, _, retries, _ := h.counts()
		return retries >= 1
	}, 5*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	assert.ErrorIs(t, h.retries[0].Error, ErrInstanceLocked)
	h.mu.Unlock()

	require.NoError(t, app.Storage().ReleaseLock(ctx, instanceID, "other-node"))
	job := rec.next(t)
	assert.Equal(t, "contended", job.Channel)
	assert.Equal(t, 1, job.RetryCount)
}

func TestReapPremies(t *testing.T) {
	app, rec := createTestApp(t, WithPremieRetention(time.Millisecond))
	ctx := context.Background()
	_ = startOrder(t, app, rec, "1")

	res, err := app.Deliver(ctx, confirm("unmatched"))
	require.NoError(t, err)
	require.Equal(t, DeliveryQueued, res.Status)

	time.Sleep(20 * time.Millisecond)
	n, err := app.ReapPremies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mex, err := app.Storage().GetMessageExchange(ctx, res.MexID)
	require.NoError(t, err)
	assert.Equal(t, storage.MexStatusFailure, mex.Status)
	assert.Equal(t, "unroutable", mex.Fault)

	queued, err := app.Storage().ListQueuedMessages(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Empty(t, queued)

	n, err = app.ReapPremies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRespond(t *testing.T) {
	app, rec := createTestApp(t)
	ctx := context.Background()
	_ = startOrder(t, app, rec, "1")

	res, err := app.Deliver(ctx, confirm("1"))
	require.NoError(t, err)

	require.NoError(t, app.Respond(ctx, res.MexID, []byte(`{"ok":true}`), ""))
	mex, err := app.Storage().GetMessageExchange(ctx, res.MexID)
	require.NoError(t, err)
	assert.Equal(t, storage.MexStatusResponse, mex.Status)

	require.NoError(t, app.Respond(ctx, res.MexID, nil, "invalidOrder"))
	mex, err = app.Storage().GetMessageExchange(ctx, res.MexID)
	require.NoError(t, err)
	assert.Equal(t, storage.MexStatusFault, mex.Status)
	assert.Equal(t, "invalidOrder", mex.Fault)
}
