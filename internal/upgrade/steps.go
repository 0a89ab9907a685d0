package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i2y/odeon/correlation"
	"github.com/i2y/odeon/internal/storage"
)

var errUnresolvedSetID = errors.New("unresolved correlation set id")

// CorrelationKeyNameMigration replaces the numeric correlation set ids that
// old engine versions stored in keys by the set names of the registered
// process models. It declines when a process is not registered or does not
// know an id.
type CorrelationKeyNameMigration struct{}

func (CorrelationKeyNameMigration) Name() string { return "correlation-key-names" }

func (CorrelationKeyNameMigration) Migrate(ctx context.Context, store Store, processes []ProcessModel) (bool, error) {
	models := make(map[string]ProcessModel, len(processes))
	for _, p := range processes {
		models[p.ProcessID()] = p
	}

	routes, err := store.ListRoutes(ctx, storage.RouteFilter{})
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		stored, ks, changed, err := renameKeys(r.KeySet, models[r.ProcessID])
		if errors.Is(err, errUnresolvedSetID) {
			slog.Warn("cannot name correlation set of route", "process_id", r.ProcessID,
				"correlator", r.CorrelatorID, "group_id", r.GroupID, "error", err)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !changed {
			continue
		}
		sel, err := rewriteSelectorKeys(r.Selector, ks)
		if err != nil {
			return false, fmt.Errorf("route %s/%d: %w", r.GroupID, r.Index, err)
		}
		r.KeySet, r.Selector = stored, sel
		if err := store.UpdateRouteKeySet(ctx, r); err != nil {
			return false, err
		}
	}

	msgs, err := store.ListQueuedMessages(ctx, "", "", migrationScanLimit)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		stored, _, changed, err := renameKeys(m.KeySet, models[m.ProcessID])
		if errors.Is(err, errUnresolvedSetID) {
			slog.Warn("cannot name correlation set of queued message", "process_id", m.ProcessID,
				"mex_id", m.MexID, "error", err)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if changed {
			if err := store.UpdateQueuedMessageKeySet(ctx, m.MexID, stored); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// renameKeys resolves numeric set ids in a stored key set and returns the
// rewritten value in the format it was read in.
func renameKeys(stored string, model ProcessModel) (string, correlation.KeySet, bool, error) {
	ks, err := correlation.ParseKeySet(stored)
	if err != nil {
		return "", ks, false, err
	}

	changed := false
	keys := ks.Keys()
	for i, k := range keys {
		id, ok := k.LegacySetID()
		if !ok {
			continue
		}
		if model == nil {
			return "", ks, false, fmt.Errorf("%w %d: process not registered", errUnresolvedSetID, id)
		}
		name, ok := model.CorrelationSetName(id)
		if !ok {
			return "", ks, false, fmt.Errorf("%w %d", errUnresolvedSetID, id)
		}
		keys[i] = correlation.NewKey(name, k.Values...)
		changed = true
	}
	if !changed {
		return stored, ks, false, nil
	}

	renamed := correlation.NewKeySet(keys...)
	if correlation.IsLegacy(stored) && len(keys) == 1 {
		return keys[0].Canonical(), renamed, true, nil
	}
	return renamed.Canonical(), renamed, true, nil
}

// rewriteSelectorKeys replaces the key set inside a selector blob, keeping
// the blob version.
func rewriteSelectorKeys(blob []byte, ks correlation.KeySet) ([]byte, error) {
	if len(blob) == 0 {
		return blob, nil
	}
	sel, err := correlation.DecodeSelector(blob)
	if err != nil {
		return nil, err
	}
	if blob[0] == correlation.SelectorV1 {
		var key *correlation.Key
		if keys := ks.Keys(); len(keys) > 0 {
			key = &keys[0]
		}
		return correlation.EncodeSelectorV1(sel.CorrelatorID, sel.Index, key, sel.OneWay), nil
	}
	sel.KeySet = ks
	return correlation.EncodeSelector(sel), nil
}

// KeySetMigration rewrites single canonical keys to the key set format.
type KeySetMigration struct{}

func (KeySetMigration) Name() string { return "correlation-key-sets" }

func (KeySetMigration) Migrate(ctx context.Context, store Store, _ []ProcessModel) (bool, error) {
	routes, err := store.ListRoutes(ctx, storage.RouteFilter{})
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		if !correlation.IsLegacy(r.KeySet) {
			continue
		}
		ks, err := correlation.ParseKeySet(r.KeySet)
		if err != nil {
			return false, fmt.Errorf("route %s/%d: %w", r.GroupID, r.Index, err)
		}
		r.KeySet = ks.Canonical()
		if err := store.UpdateRouteKeySet(ctx, r); err != nil {
			return false, err
		}
	}

	msgs, err := store.ListQueuedMessages(ctx, "", "", migrationScanLimit)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if !correlation.IsLegacy(m.KeySet) {
			continue
		}
		ks, err := correlation.ParseKeySet(m.KeySet)
		if err != nil {
			return false, fmt.Errorf("queued message %s: %w", m.MexID, err)
		}
		if err := store.UpdateQueuedMessageKeySet(ctx, m.MexID, ks.Canonical()); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SelectorMigration re-encodes route selector blobs of older versions with
// the current encoder. The route row is authoritative for the key set,
// index and policy.
type SelectorMigration struct{}

func (SelectorMigration) Name() string { return "selector-format" }

func (SelectorMigration) Migrate(ctx context.Context, store Store, _ []ProcessModel) (bool, error) {
	routes, err := store.ListRoutes(ctx, storage.RouteFilter{})
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		var sel correlation.Selector
		if len(r.Selector) > 0 {
			if r.Selector[0] == correlation.SelectorCurrent {
				continue
			}
			if sel, err = correlation.DecodeSelector(r.Selector); err != nil {
				return false, fmt.Errorf("route %s/%d: %w", r.GroupID, r.Index, err)
			}
		}

		ks, err := correlation.ParseKeySet(r.KeySet)
		if err != nil {
			return false, fmt.Errorf("route %s/%d: %w", r.GroupID, r.Index, err)
		}
		sel.KeySet = ks
		sel.Index = r.Index
		if sel.CorrelatorID == "" {
			sel.CorrelatorID = r.CorrelatorID
		}
		if p := correlation.RoutePolicy(r.Policy); p.Valid() {
			sel.Policy = p
		} else if sel.Policy == "" {
			sel.Policy = correlation.PolicyOne
		}

		r.Selector = correlation.EncodeSelector(sel)
		if err := store.UpdateRouteKeySet(ctx, r); err != nil {
			return false, err
		}
	}
	return true, nil
}
