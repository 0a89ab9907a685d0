package odeon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/odeon/correlation"
	"github.com/i2y/odeon/hooks"
	"github.com/i2y/odeon/internal/correlator"
	"github.com/i2y/odeon/internal/scheduler"
	"github.com/i2y/odeon/internal/storage"
)

// InboundMessage is a message a partner sends to an operation of a process.
type InboundMessage struct {
	ProcessID   string
	PartnerLink string
	Operation   string
	// KeySet holds the correlation keys computed from the message.
	KeySet  correlation.KeySet
	Payload []byte
}

// DeliveryStatus tells what happened to a delivered message.
type DeliveryStatus string

const (
	// DeliveryRouted means waiting instances received the message.
	DeliveryRouted DeliveryStatus = "routed"
	// DeliveryInstantiated means the message created a new instance.
	DeliveryInstantiated DeliveryStatus = "instantiated"
	// DeliveryQueued means nobody waits for the message yet.
	DeliveryQueued DeliveryStatus = "queued"
)

// DeliveryResult describes the outcome of Deliver.
type DeliveryResult struct {
	MexID       string         `json:"mexId"`
	Status      DeliveryStatus `json:"status"`
	InstanceIDs []string       `json:"instanceIds,omitempty"`
	JobIDs      []string       `json:"jobIds,omitempty"`
}

// SelectResult describes the outcome of Select.
type SelectResult struct {
	GroupID string `json:"groupId"`
	// Matched is true when a queued message satisfied a selector. No route
	// is registered in that case.
	Matched      bool   `json:"matched"`
	MexID        string `json:"mexId,omitempty"`
	CorrelatorID string `json:"correlatorId,omitempty"`
	Index        int    `json:"index"`
	JobID        string `json:"jobId,omitempty"`
}

// Deliver routes an inbound message. It is matched against the routes of
// the operation's correlator; on a match every receiver gets a message job.
// Otherwise an instantiating operation creates a new instance, and any
// other message is queued until an instance selects it. Everything happens
// in one transaction, so a message is never both routed and queued.
func (a *App) Deliver(ctx context.Context, msg *InboundMessage) (*DeliveryResult, error) {
	sched, err := a.runningScheduler()
	if err != nil {
		return nil, err
	}
	def, err := a.process(msg.ProcessID)
	if err != nil {
		return nil, err
	}
	op, ok := def.Operation(msg.PartnerLink, msg.Operation)
	if !ok {
		return nil, fmt.Errorf("%s on process %s: %w",
			correlation.CorrelatorID(msg.PartnerLink, msg.Operation), def.ID, ErrUnknownOperation)
	}
	if err := msg.KeySet.Validate(); err != nil {
		return nil, fmt.Errorf("deliver %s on process %s: %w", op.CorrelatorID(), def.ID, err)
	}

	corr := correlator.New(a.storage, def.ID, op.CorrelatorID())
	mexID := uuid.New().String()

	var (
		res    *DeliveryResult
		events []func(context.Context)
	)
	err = sched.ExecTransaction(ctx, func(ctx context.Context) error {
		res = &DeliveryResult{MexID: mexID}
		events = nil

		if err := corr.Lock(ctx); err != nil {
			return err
		}
		mex := &storage.MessageExchange{
			MexID:       mexID,
			Direction:   storage.MexMyRole,
			ProcessID:   def.ID,
			PartnerLink: op.PartnerLink,
			Operation:   op.Name,
			Status:      storage.MexStatusRequest,
			Request:     msg.Payload,
		}
		if err := a.storage.CreateMessageExchange(ctx, mex); err != nil {
			return err
		}

		routes, err := corr.FindRoute(ctx, msg.KeySet)
		if err != nil {
			return err
		}
		receivers, err := a.claimRoutes(ctx, def.ID, routes)
		if err != nil {
			return err
		}

		if len(receivers) > 0 {
			mex.InstanceID = receivers[0].InstanceID
			if err := a.storage.UpdateMessageExchange(ctx, mex); err != nil {
				return err
			}
			res.Status = DeliveryRouted
			for _, r := range receivers {
				jobID, err := sched.SchedulePersistedJob(ctx, scheduler.JobDetails{
					Type:         scheduler.JobTypeMessage,
					ProcessID:    def.ID,
					InstanceID:   r.InstanceID,
					MexID:        mexID,
					CorrelatorID: corr.ID(),
					RouteGroupID: r.GroupID,
					RouteIndex:   r.Index,
				}, time.Now())
				if err != nil {
					return err
				}
				res.InstanceIDs = append(res.InstanceIDs, r.InstanceID)
				res.JobIDs = append(res.JobIDs, jobID)
				events = append(events, a.matchedEvent(def.ID, corr.ID(), mexID, r.InstanceID, r.GroupID, r.Index, false))
			}
			return nil
		}

		if op.Instantiating {
			free, err := corr.CheckRoute(ctx, msg.KeySet)
			if err != nil {
				return err
			}
			if free {
				instanceID := uuid.New().String()
				if err := a.storage.CreateInstance(ctx, &storage.ProcessInstance{
					InstanceID:   instanceID,
					ProcessID:    def.ID,
					Status:       storage.InstanceActive,
					CreatedByMex: mexID,
				}); err != nil {
					return err
				}
				mex.InstanceID = instanceID
				if err := a.storage.UpdateMessageExchange(ctx, mex); err != nil {
					return err
				}
				jobID, err := sched.SchedulePersistedJob(ctx, scheduler.JobDetails{
					Type:         scheduler.JobTypeMessage,
					ProcessID:    def.ID,
					InstanceID:   instanceID,
					MexID:        mexID,
					CorrelatorID: corr.ID(),
				}, time.Now())
				if err != nil {
					return err
				}
				res.Status = DeliveryInstantiated
				res.InstanceIDs = []string{instanceID}
				res.JobIDs = []string{jobID}
				events = append(events, a.matchedEvent(def.ID, corr.ID(), mexID, instanceID, "", 0, true))
				return nil
			}
			slog.Debug("instantiation skipped, key set already claimed",
				"process_id", def.ID, "correlator", corr.ID(), "key_set", msg.KeySet.String())
		}

		if err := corr.EnqueueMessage(ctx, mexID, msg.KeySet); err != nil {
			return err
		}
		res.Status = DeliveryQueued
		keySet := msg.KeySet.Canonical()
		events = append(events, func(ctx context.Context) {
			a.hooks.OnMessageEnqueued(ctx, hooks.MessageEnqueuedInfo{
				ProcessID:    def.ID,
				CorrelatorID: corr.ID(),
				MexID:        mexID,
				KeySet:       keySet,
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, fire := range events {
		fire(ctx)
	}
	slog.Debug("message delivered", "process_id", def.ID, "correlator", corr.ID(),
		"mex_id", mexID, "status", res.Status, "instances", res.InstanceIDs)
	return res, nil
}

// claimRoutes applies the route policies to the matching routes, which are
// ordered by index. Every "all" route receives the message and stays. The
// first "one" route wins and its whole group is removed; a route whose
// group was removed concurrently is skipped.
func (a *App) claimRoutes(ctx context.Context, processID string, routes []*correlator.Route) ([]*correlator.Route, error) {
	var receivers []*correlator.Route
	claimed := false
	for _, r := range routes {
		if r.Policy == correlation.PolicyAll {
			receivers = append(receivers, r)
			continue
		}
		if claimed {
			continue
		}
		n, err := a.storage.DeleteRoutes(ctx, storage.RouteFilter{
			ProcessID:  processID,
			GroupID:    r.GroupID,
			InstanceID: r.InstanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("claim route group %s: %w", r.GroupID, err)
		}
		if n == 0 {
			slog.Debug("route group claimed concurrently", "group_id", r.GroupID, "instance_id", r.InstanceID)
			continue
		}
		claimed = true
		receivers = append(receivers, r)
	}
	return receivers, nil
}

func (a *App) matchedEvent(processID, correlatorID, mexID, instanceID, groupID string, index int, instantiated bool) func(context.Context) {
	return func(ctx context.Context) {
		a.hooks.OnMessageMatched(ctx, hooks.MessageMatchedInfo{
			ProcessID:    processID,
			CorrelatorID: correlatorID,
			MexID:        mexID,
			InstanceID:   instanceID,
			RouteGroupID: groupID,
			Index:        index,
			Instantiated: instantiated,
		})
	}
}

// Select makes an instance wait for one of several messages, as a receive
// or pick does. The queues are searched first, in selector index order; a
// queued message that matches is handed to the instance and no route is
// registered. Otherwise every selector becomes a route of groupID, which
// is generated when empty.
func (a *App) Select(ctx context.Context, instanceID, groupID string, selectors []correlation.Selector) (*SelectResult, error) {
	sched, err := a.runningScheduler()
	if err != nil {
		return nil, err
	}
	if len(selectors) == 0 {
		return nil, fmt.Errorf("select on %s: no selectors", instanceID)
	}
	for _, sel := range selectors {
		if err := sel.KeySet.Validate(); err != nil {
			return nil, fmt.Errorf("select %s on %s: %w", sel.CorrelatorID, instanceID, err)
		}
	}
	if groupID == "" {
		groupID = uuid.New().String()
	}

	ordered := make([]correlation.Selector, len(selectors))
	copy(ordered, selectors)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var (
		res    *SelectResult
		events []func(context.Context)
	)
	err = sched.ExecTransaction(ctx, func(ctx context.Context) error {
		res = &SelectResult{GroupID: groupID}
		events = nil

		inst, err := a.getInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		def, err := a.process(inst.ProcessID)
		if err != nil {
			return err
		}
		for _, sel := range ordered {
			if _, ok := def.byCorrelator[sel.CorrelatorID]; !ok {
				return fmt.Errorf("select %s on process %s: %w", sel.CorrelatorID, def.ID, ErrUnknownOperation)
			}
		}
		// Sorted so two selects over the same correlators lock them in the
		// same order.
		for _, id := range selectCorrelators(ordered) {
			if err := correlator.New(a.storage, def.ID, id).Lock(ctx); err != nil {
				return err
			}
		}

		for _, sel := range ordered {
			corr := correlator.New(a.storage, def.ID, sel.CorrelatorID)
			m, err := corr.DequeueMessage(ctx, sel.KeySet)
			if err != nil {
				return err
			}
			if m == nil {
				continue
			}

			mex, err := a.storage.GetMessageExchange(ctx, m.MexID)
			if err != nil {
				return fmt.Errorf("queued message %s: %w", m.MexID, err)
			}
			mex.InstanceID = instanceID
			if err := a.storage.UpdateMessageExchange(ctx, mex); err != nil {
				return err
			}
			jobID, err := sched.SchedulePersistedJob(ctx, scheduler.JobDetails{
				Type:         scheduler.JobTypeMessage,
				ProcessID:    def.ID,
				InstanceID:   instanceID,
				MexID:        m.MexID,
				CorrelatorID: sel.CorrelatorID,
				RouteGroupID: groupID,
				RouteIndex:   sel.Index,
			}, time.Now())
			if err != nil {
				return err
			}
			res.Matched = true
			res.MexID = m.MexID
			res.CorrelatorID = sel.CorrelatorID
			res.Index = sel.Index
			res.JobID = jobID
			events = append(events, a.matchedEvent(def.ID, sel.CorrelatorID, m.MexID, instanceID, groupID, sel.Index, false))
			return nil
		}

		for _, sel := range ordered {
			corr := correlator.New(a.storage, def.ID, sel.CorrelatorID)
			if err := corr.AddRoute(ctx, groupID, instanceID, sel.Index, sel.KeySet, sel.Policy); err != nil {
				return err
			}
			info := hooks.RouteAddedInfo{
				ProcessID:    def.ID,
				CorrelatorID: sel.CorrelatorID,
				InstanceID:   instanceID,
				RouteGroupID: groupID,
				Index:        sel.Index,
				KeySet:       sel.KeySet.Canonical(),
			}
			events = append(events, func(ctx context.Context) { a.hooks.OnRouteAdded(ctx, info) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, fire := range events {
		fire(ctx)
	}
	return res, nil
}

func selectCorrelators(selectors []correlation.Selector) []string {
	ids := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		if !slices.Contains(ids, sel.CorrelatorID) {
			ids = append(ids, sel.CorrelatorID)
		}
	}
	sort.Strings(ids)
	return ids
}

// CancelSelect removes the routes of a group from every correlator of the
// process and returns how many were removed.
func (a *App) CancelSelect(ctx context.Context, processID, instanceID, groupID string) (int64, error) {
	sched, err := a.runningScheduler()
	if err != nil {
		return 0, err
	}
	def, err := a.process(processID)
	if err != nil {
		return 0, err
	}

	var removed int64
	err = sched.ExecTransaction(ctx, func(ctx context.Context) error {
		removed = 0
		for _, id := range def.CorrelatorIDs() {
			n, err := correlator.New(a.storage, def.ID, id).RemoveRoutes(ctx, groupID, instanceID)
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Debug("select canceled", "process_id", processID, "instance_id", instanceID,
		"group_id", groupID, "removed", removed)
	return removed, nil
}

func (a *App) getInstance(ctx context.Context, instanceID string) (*storage.ProcessInstance, error) {
	inst, err := a.storage.GetInstance(ctx, instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &InstanceNotFoundError{InstanceID: instanceID}
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}
