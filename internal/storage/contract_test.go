package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageContract exercises the behavior every dialect must share.
func runStorageContract(t *testing.T, s Storage) {
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	t.Run("SchemaVersion", func(t *testing.T) {
		v, err := s.GetSchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, v)

		require.NoError(t, s.SetSchemaVersion(ctx, 2))
		v, err = s.GetSchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
		require.NoError(t, s.SetSchemaVersion(ctx, 4))
	})

	t.Run("InsertGetDeleteJob", func(t *testing.T) {
		job := &Job{JobID: "job-1", NodeID: "node-a", ScheduledAt: base.Add(time.Hour), Transacted: true, Details: []byte(`{"type":"timer"}`)}
		require.NoError(t, s.InsertJob(ctx, job))

		got, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "node-a", got.NodeID)
		assert.True(t, got.ScheduledAt.Equal(job.ScheduledAt))
		assert.True(t, got.Transacted)
		assert.False(t, got.Loaded)
		assert.JSONEq(t, `{"type":"timer"}`, string(got.Details))

		deleted, err := s.DeleteJob(ctx, "job-1", "node-b")
		require.NoError(t, err)
		assert.False(t, deleted, "job owned by another node must survive")

		deleted, err = s.DeleteJob(ctx, "job-1", "node-a")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = s.GetJob(ctx, "job-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DequeueImmediate", func(t *testing.T) {
		for i, offset := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second, time.Hour} {
			require.NoError(t, s.InsertJob(ctx, &Job{
				JobID:       "dq-" + string(rune('a'+i)),
				NodeID:      "node-dq",
				ScheduledAt: base.Add(offset),
				Details:     []byte(`{}`),
			}))
		}

		txCtx, err := s.BeginTransaction(ctx)
		require.NoError(t, err)
		jobs, err := s.DequeueImmediate(txCtx, "node-dq", base.Add(time.Minute), 10)
		require.NoError(t, err)
		require.NoError(t, s.CommitTransaction(txCtx))

		require.Len(t, jobs, 3)
		assert.Equal(t, []string{"dq-b", "dq-c", "dq-a"}, []string{jobs[0].JobID, jobs[1].JobID, jobs[2].JobID})
		for _, j := range jobs {
			assert.True(t, j.Loaded)
		}

		again, err := s.DequeueImmediate(ctx, "node-dq", base.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, again, "loaded jobs are not dequeued twice")

		n, err := s.ResetLoaded(ctx, "node-dq")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		again, err = s.DequeueImmediate(ctx, "node-dq", base.Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Len(t, again, 2)
	})

	t.Run("DequeueImmediateIncludesBoundary", func(t *testing.T) {
		require.NoError(t, s.InsertJob(ctx, &Job{JobID: "edge-at", NodeID: "node-edge", ScheduledAt: base.Add(time.Minute), Details: []byte(`{}`)}))
		require.NoError(t, s.InsertJob(ctx, &Job{JobID: "edge-after", NodeID: "node-edge", ScheduledAt: base.Add(time.Minute + time.Millisecond), Details: []byte(`{}`)}))

		jobs, err := s.DequeueImmediate(ctx, "node-edge", base.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "a job due exactly at the horizon is immediate")
		assert.Equal(t, "edge-at", jobs[0].JobID)
	})

	t.Run("AssignAndReassign", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			require.NoError(t, s.InsertJob(ctx, &Job{
				JobID:       "un-" + string(rune('0'+i)),
				ScheduledAt: base.Add(time.Duration(i) * time.Millisecond),
				Details:     []byte(`{}`),
			}))
		}

		unassigned, err := s.ListJobs(ctx, JobFilter{Unassigned: true})
		require.NoError(t, err)
		assert.Len(t, unassigned, 4)

		n, err := s.UpdateAssignToNode(ctx, "node-even", 0, 2, base.Add(10*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		even, err := s.ListJobs(ctx, JobFilter{NodeID: "node-even"})
		require.NoError(t, err)
		require.Len(t, even, 2)
		assert.Equal(t, "un-0", even[0].JobID)
		assert.Equal(t, "un-2", even[1].JobID)

		_, err = s.UpdateAssignToNode(ctx, "node-x", 0, 0, base)
		assert.Error(t, err)

		n, err = s.UpdateReassign(ctx, "node-even", "node-odd")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		ids, err := s.GetNodeIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "node-odd")
		assert.NotContains(t, ids, "node-even")
	})

	t.Run("Routes", func(t *testing.T) {
		routes := []*Route{
			{ProcessID: "p", CorrelatorID: "pl.op", GroupID: "g2", Index: 1, InstanceID: "i2", KeySet: "@2[k]", Policy: "one"},
			{ProcessID: "p", CorrelatorID: "pl.op", GroupID: "g1", Index: 0, InstanceID: "i1", KeySet: "@2[k]", Policy: "one"},
			{ProcessID: "p", CorrelatorID: "pl.op", GroupID: "g3", Index: 0, InstanceID: "i3", KeySet: "@2[]", Policy: "all"},
		}
		for _, r := range routes {
			require.NoError(t, s.InsertRoute(ctx, r))
		}

		err := s.InsertRoute(ctx, routes[0])
		var dbe *DatabaseError
		require.True(t, errors.As(err, &dbe))

		found, err := s.FindRoutes(ctx, "p", "pl.op", []string{"@2[k]", "@2[]"})
		require.NoError(t, err)
		require.Len(t, found, 3)
		assert.Equal(t, 0, found[0].Index)
		assert.Equal(t, 1, found[2].Index)
		assert.Equal(t, "g2", found[2].GroupID)

		exists, err := s.RouteExists(ctx, "p", "pl.op", "@2[k]")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = s.RouteExists(ctx, "p", "other.op", "@2[k]")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = s.DeleteRoutes(ctx, RouteFilter{})
		assert.Error(t, err)

		n, err := s.DeleteRoutes(ctx, RouteFilter{ProcessID: "p", GroupID: "g1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		routes[0].KeySet = "@2[k2]"
		routes[0].Selector = []byte{2, 1}
		require.NoError(t, s.UpdateRouteKeySet(ctx, routes[0]))

		left, err := s.ListRoutes(ctx, RouteFilter{InstanceID: "i2"})
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "@2[k2]", left[0].KeySet)
		assert.Equal(t, []byte{2, 1}, left[0].Selector)
	})

	t.Run("QueuedMessages", func(t *testing.T) {
		for i, id := range []string{"m2", "m1", "m3"} {
			require.NoError(t, s.InsertQueuedMessage(ctx, &QueuedMessage{
				MexID: id, ProcessID: "q", CorrelatorID: "pl.op", KeySet: "@2[]",
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		msgs, err := s.ListQueuedMessages(ctx, "q", "pl.op", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "m2", msgs[0].MexID)

		old, err := s.ListQueuedMessagesBefore(ctx, base.Add(1500*time.Millisecond), 0)
		require.NoError(t, err)
		assert.Len(t, old, 2)

		ok, err := s.DeleteQueuedMessage(ctx, "m2")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.DeleteQueuedMessage(ctx, "m2")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.UpdateQueuedMessageKeySet(ctx, "m1", "@2[x]"))
		msgs, err = s.ListQueuedMessages(ctx, "q", "", 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "@2[x]", msgs[0].KeySet)
	})

	t.Run("QueuedMessagesCursor", func(t *testing.T) {
		// Same timestamp for most rows so the mex_id tie-break is what pages.
		for _, id := range []string{"c-d", "c-b", "c-a", "c-c"} {
			require.NoError(t, s.InsertQueuedMessage(ctx, &QueuedMessage{
				MexID: id, ProcessID: "qc", CorrelatorID: "pl.op", KeySet: "@2[]", CreatedAt: base,
			}))
		}
		require.NoError(t, s.InsertQueuedMessage(ctx, &QueuedMessage{
			MexID: "c-0", ProcessID: "qc", CorrelatorID: "pl.op", KeySet: "@2[]", CreatedAt: base.Add(time.Second),
		}))

		var seen []string
		var cursor QueueCursor
		for {
			page, err := s.ListQueuedMessagesAfter(ctx, "qc", "pl.op", cursor, 2)
			require.NoError(t, err)
			for _, m := range page {
				seen = append(seen, m.MexID)
			}
			if len(page) < 2 {
				break
			}
			cursor = CursorAfter(page[len(page)-1])
		}
		assert.Equal(t, []string{"c-a", "c-b", "c-c", "c-d", "c-0"}, seen)
	})

	t.Run("CorrelatorLock", func(t *testing.T) {
		txCtx, err := s.BeginTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, s.LockCorrelator(txCtx, "pl", "pl.op"))
		require.NoError(t, s.LockCorrelator(txCtx, "pl", "pl.op"), "relocking in the same transaction must not block")
		require.NoError(t, s.LockCorrelator(txCtx, "pl", "pl.other"))
		require.NoError(t, s.CommitTransaction(txCtx))

		require.NoError(t, s.LockCorrelator(ctx, "pl", "pl.op"))
	})

	t.Run("MessageExchanges", func(t *testing.T) {
		mex := &MessageExchange{
			MexID: "mex-1", Direction: MexMyRole, ProcessID: "p",
			PartnerLink: "pl", Operation: "op", Request: []byte("<req/>"),
		}
		require.NoError(t, s.CreateMessageExchange(ctx, mex))

		got, err := s.GetMessageExchange(ctx, "mex-1")
		require.NoError(t, err)
		assert.Equal(t, MexStatusRequest, got.Status)
		assert.Empty(t, got.InstanceID)

		got.InstanceID = "i1"
		got.Status = MexStatusFailure
		got.Fault = "unroutable"
		require.NoError(t, s.UpdateMessageExchange(ctx, got))

		got, err = s.GetMessageExchange(ctx, "mex-1")
		require.NoError(t, err)
		assert.Equal(t, "i1", got.InstanceID)
		assert.Equal(t, MexStatusFailure, got.Status)
		assert.Equal(t, "unroutable", got.Fault)

		require.NoError(t, s.DeleteMessageExchange(ctx, "mex-1"))
		_, err = s.GetMessageExchange(ctx, "mex-1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateMessageExchange(ctx, got), ErrNotFound)
	})

	t.Run("InstanceLock", func(t *testing.T) {
		require.NoError(t, s.CreateInstance(ctx, &ProcessInstance{InstanceID: "inst-1", ProcessID: "p"}))

		ok, err := s.TryAcquireLock(ctx, "inst-1", "w1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryAcquireLock(ctx, "inst-1", "w2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.TryAcquireLock(ctx, "inst-1", "w1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "holder can re-acquire")

		require.NoError(t, s.ReleaseLock(ctx, "inst-1", "w1"))
		ok, err = s.TryAcquireLock(ctx, "inst-1", "w2", -time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryAcquireLock(ctx, "inst-1", "w3", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "expired lock can be taken over")

		require.NoError(t, s.UpdateInstanceStatus(ctx, "inst-1", InstanceCompleted))
		inst, err := s.GetInstance(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, InstanceCompleted, inst.Status)
		assert.Equal(t, "w3", inst.LockedBy)
		require.NotNil(t, inst.LockExpiresAt)

		assert.ErrorIs(t, s.UpdateInstanceStatus(ctx, "missing", InstanceFailed), ErrNotFound)
	})

	t.Run("SystemLock", func(t *testing.T) {
		ok, err := s.TryAcquireSystemLock(ctx, "upgrade", "n1", 60)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryAcquireSystemLock(ctx, "upgrade", "n2", 60)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.ReleaseSystemLock(ctx, "upgrade", "n1"))
		ok, err = s.TryAcquireSystemLock(ctx, "upgrade", "n2", 60)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, s.CleanupExpiredSystemLocks(ctx))
	})

	t.Run("TransactionRollbackAndCallbacks", func(t *testing.T) {
		txCtx, err := s.BeginTransaction(ctx)
		require.NoError(t, err)
		assert.True(t, s.InTransaction(txCtx))
		require.NoError(t, s.InsertJob(txCtx, &Job{JobID: "tx-1", NodeID: "n", ScheduledAt: base, Details: []byte(`{}`)}))
		require.NoError(t, s.RollbackTransaction(txCtx))

		_, err = s.GetJob(ctx, "tx-1")
		assert.ErrorIs(t, err, ErrNotFound)

		called := false
		txCtx, err = s.BeginTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, s.RegisterPostCommitCallback(txCtx, func() error {
			called = true
			return nil
		}))
		require.NoError(t, s.InsertJob(txCtx, &Job{JobID: "tx-2", NodeID: "n", ScheduledAt: base, Details: []byte(`{}`)}))
		require.NoError(t, s.NotifyJobsAssigned(txCtx, "n"))
		require.NoError(t, s.CommitTransaction(txCtx))
		assert.True(t, called)

		assert.Error(t, s.RegisterPostCommitCallback(ctx, func() error { return nil }))
	})
}
