// Package upgrade rewrites persisted correlation data written by older
// engine versions.
//
// The data schema version is stored in the database. On startup every step
// whose version is above the stored one runs, in ascending order, inside a
// single transaction; the stored version is then set to CurrentVersion.
// A step that declines (returns false) rolls the whole run back and leaves
// the version untouched, and the engine starts on the un-migrated data.
// A step that fails aborts startup.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i2y/odeon/internal/storage"
)

// CurrentVersion is the data schema version written by this engine.
const CurrentVersion = 4

// ErrMigrationDeclined is returned by Run when a migrator declined.
var ErrMigrationDeclined = errors.New("data migration declined")

// migrationScanLimit bounds the queued messages a step rewrites.
const migrationScanLimit = 1 << 20

// ProcessModel is the part of a registered process the migrators consult.
type ProcessModel interface {
	ProcessID() string
	// CorrelationSetName returns the name of the correlation set that older
	// engine versions identified by a numeric id.
	CorrelationSetName(id int) (string, bool)
}

// Store is the storage the migrators rewrite.
type Store interface {
	storage.TransactionManager
	storage.CorrelatorManager
	storage.SchemaVersionManager
}

// Migrator rewrites persisted data to the format of one schema version.
// Returning false declines the migration.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context, store Store, processes []ProcessModel) (bool, error)
}

// Step pairs a migrator with the schema version it produces.
type Step struct {
	Version  int
	Migrator Migrator
}

// DefaultSteps returns the built-in migration steps.
func DefaultSteps() []Step {
	return []Step{
		{Version: 2, Migrator: CorrelationKeyNameMigration{}},
		{Version: 3, Migrator: KeySetMigration{}},
		{Version: 4, Migrator: SelectorMigration{}},
	}
}

// Result reports what Run did.
type Result struct {
	From, To int
	// Applied lists the migrators that ran.
	Applied []string
	// Declined names the migrator that declined, if any.
	Declined string
}

// Handler runs the migration steps.
type Handler struct {
	store  Store
	steps  []Step
	target int
	exec   func(ctx context.Context, fn func(ctx context.Context) error) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithSteps replaces the migration steps. They must be in ascending version
// order. The target version becomes the last step's version.
func WithSteps(steps []Step) Option {
	return func(h *Handler) {
		h.steps = steps
		if len(steps) > 0 {
			h.target = steps[len(steps)-1].Version
		}
	}
}

// WithTransaction sets the function running the migration transaction,
// typically Scheduler.ExecTransaction.
func WithTransaction(exec func(ctx context.Context, fn func(ctx context.Context) error) error) Option {
	return func(h *Handler) {
		h.exec = exec
	}
}

// NewHandler returns a handler running the default steps.
func NewHandler(store Store, opts ...Option) *Handler {
	h := &Handler{store: store, steps: DefaultSteps(), target: CurrentVersion}
	h.exec = h.inTransaction
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, err := h.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		_ = h.store.RollbackTransaction(txCtx)
		return err
	}
	return h.store.CommitTransaction(txCtx)
}

// Run migrates the stored data up to the current version. A declined
// migration is not an error: the result names the migrator and the stored
// version is unchanged.
func (h *Handler) Run(ctx context.Context, processes []ProcessModel) (*Result, error) {
	from, err := h.store.GetSchemaVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read data schema version: %w", err)
	}
	res := &Result{From: from, To: from}
	if from >= h.target {
		return res, nil
	}

	var applied []string
	err = h.exec(ctx, func(txCtx context.Context) error {
		applied = applied[:0]
		for _, step := range h.steps {
			if step.Version <= from {
				continue
			}
			name := step.Migrator.Name()
			slog.Info("running data migration", "migration", name, "version", step.Version)
			ok, err := step.Migrator.Migrate(txCtx, h.store, processes)
			if err != nil {
				return fmt.Errorf("data migration %s: %w", name, err)
			}
			if !ok {
				res.Declined = name
				return fmt.Errorf("%s: %w", name, ErrMigrationDeclined)
			}
			applied = append(applied, name)
		}
		return h.store.SetSchemaVersion(txCtx, h.target)
	})

	if errors.Is(err, ErrMigrationDeclined) {
		slog.Warn("data migration declined, starting on un-migrated data",
			"migration", res.Declined, "version", from)
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	res.To = h.target
	res.Applied = applied
	slog.Info("data migrated", "from", from, "to", h.target, "steps", len(applied))
	return res, nil
}
