package odeon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/odeon/hooks"
	"github.com/i2y/odeon/internal/cluster"
	"github.com/i2y/odeon/internal/coordination"
	"github.com/i2y/odeon/internal/migrations"
	"github.com/i2y/odeon/internal/notify"
	"github.com/i2y/odeon/internal/scheduler"
	"github.com/i2y/odeon/internal/storage"
	"github.com/i2y/odeon/internal/upgrade"
)

// App is the main entry point for Odeon.
// It owns the storage, the job scheduler and the correlators of every
// registered process, and hands scheduled work to the InstanceHandler.
type App struct {
	config  *appConfig
	storage storage.Storage
	hooks   hooks.EngineHooks
	sched   *scheduler.Scheduler

	// PostgreSQL LISTEN/NOTIFY listener (if enabled)
	notifyListener *notify.Listener

	// NATS heartbeats (if enabled)
	transport   cluster.Transport
	heartbeater *cluster.Heartbeater

	// Singleton task runners (for distributed coordination)
	reaper      *coordination.Singleton
	dataUpgrade *coordination.Singleton

	// Registered processes
	processes   map[string]*ProcessDefinition
	processesMu sync.RWMutex

	handler   InstanceHandler
	handlerMu sync.RWMutex

	// Background task management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	running bool
	mu      sync.Mutex
}

// NewApp creates a new Odeon application.
func NewApp(opts ...Option) *App {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	// Generate node ID if not set
	if config.nodeID == "" {
		config.nodeID = uuid.New().String()
	}
	if config.hooks == nil {
		config.hooks = &hooks.NoOpHooks{}
	}

	return &App{
		config:    config,
		hooks:     config.hooks,
		processes: make(map[string]*ProcessDefinition),
	}
}

// RegisterProcess makes a process known to the engine. Processes must be
// registered before Start so the data upgrade can consult them.
func (a *App) RegisterProcess(def *ProcessDefinition) error {
	if def == nil {
		return fmt.Errorf("nil process definition")
	}
	if err := def.validate(); err != nil {
		return err
	}

	a.processesMu.Lock()
	defer a.processesMu.Unlock()
	if _, exists := a.processes[def.ID]; exists {
		return fmt.Errorf("process %s already registered", def.ID)
	}
	a.processes[def.ID] = def
	return nil
}

func (a *App) process(processID string) (*ProcessDefinition, error) {
	a.processesMu.RLock()
	defer a.processesMu.RUnlock()
	def, ok := a.processes[processID]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", processID, ErrProcessNotRegistered)
	}
	return def, nil
}

func (a *App) processModels() []upgrade.ProcessModel {
	a.processesMu.RLock()
	defer a.processesMu.RUnlock()
	models := make([]upgrade.ProcessModel, 0, len(a.processes))
	for _, def := range a.processes {
		models = append(models, def)
	}
	return models
}

// SetInstanceHandler sets the handler that executes the jobs of process
// instances.
func (a *App) SetInstanceHandler(h InstanceHandler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.handler = h
}

func (a *App) instanceHandler() InstanceHandler {
	a.handlerMu.RLock()
	defer a.handlerMu.RUnlock()
	return a.handler
}

// Start opens the storage, upgrades persisted data and starts the scheduler
// and background tasks.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("app already running")
	}

	// Create cancellable context
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.initStorage(); err != nil {
		a.cancel()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.initScheduler()

	if err := a.upgradeData(a.ctx); err != nil {
		a.abortStart()
		return fmt.Errorf("failed to upgrade persisted data: %w", err)
	}

	if err := a.sched.Start(a.ctx); err != nil {
		a.abortStart()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := a.startCluster(); err != nil {
		a.abortStart()
		return fmt.Errorf("failed to start cluster heartbeats: %w", err)
	}

	a.startBackgroundTasks()

	a.running = true
	slog.Info("odeon started", "node_id", a.config.nodeID, "driver", a.storage.DriverName())
	return nil
}

// abortStart releases what a failed Start acquired.
func (a *App) abortStart() {
	a.cancel()
	if a.heartbeater != nil {
		a.heartbeater.Stop()
		a.heartbeater = nil
	}
	if a.transport != nil {
		a.transport.Close()
		a.transport = nil
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if err := a.storage.Close(); err != nil {
		slog.Debug("error closing storage", "error", err)
	}
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.config.shutdownTimeout)
	defer cancel()

	if a.heartbeater != nil {
		a.heartbeater.Stop()
	}
	if a.transport != nil {
		a.transport.Close()
	}

	// Stop LISTEN/NOTIFY listener if enabled
	if a.notifyListener != nil {
		if err := a.notifyListener.Stop(ctx); err != nil {
			slog.Debug("error stopping LISTEN/NOTIFY listener", "error", err)
		}
	}

	// Cancel background tasks
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	schedErr := a.sched.Shutdown(ctx)

	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}
	if schedErr != nil {
		return fmt.Errorf("scheduler shutdown: %w", schedErr)
	}
	return nil
}

// Running reports whether the App has been started and not shut down.
func (a *App) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *App) runningScheduler() (*scheduler.Scheduler, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil, ErrAppNotRunning
	}
	return a.sched, nil
}

// OpenStorage opens the storage backend for a database URL.
func OpenStorage(url string) (storage.Storage, error) {
	switch {
	case strings.HasPrefix(url, "postgres"):
		s, err := storage.NewPostgresStorage(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL storage: %w", err)
		}
		return s, nil
	case strings.HasPrefix(url, "mysql"):
		s, err := storage.NewMySQLStorage(url)
		if err != nil {
			return nil, fmt.Errorf("failed to create MySQL storage: %w", err)
		}
		return s, nil
	default:
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "file:")
		s, err := storage.NewSQLiteStorage(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storage: %w", err)
		}
		return s, nil
	}
}

// Migrate applies the bundled schema migrations to s and
// returns the versions applied.
func Migrate(ctx context.Context, s storage.Storage) ([]string, error) {
	dbType := s.DriverName()
	if dbType == "postgres" {
		dbType = "postgresql"
	}
	return migrations.ApplyMigrations(ctx, s.DB(), dbType, EmbeddedMigrationsFS())
}

// initStorage opens the storage backend and applies schema migrations.
func (a *App) initStorage() error {
	if a.config.databaseURL == "" {
		a.config.databaseURL = "file:odeon.db"
	}

	s, err := OpenStorage(a.config.databaseURL)
	if err != nil {
		return err
	}
	a.storage = s

	if a.config.autoMigrate {
		if _, err := Migrate(a.ctx, s); err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	if a.shouldEnableListenNotify(s.DriverName() == "postgres") {
		a.notifyListener = notify.NewListener(
			a.config.databaseURL,
			notify.WakeOnAssignment(a.config.nodeID, func() {
				if a.sched != nil {
					a.sched.LoadImmediateNow()
				}
			}),
			notify.WithReconnectDelay(a.config.notifyReconnectDelay),
		)
		slog.Info("PostgreSQL LISTEN/NOTIFY configured",
			"reconnect_delay", a.config.notifyReconnectDelay)
	}
	return nil
}

// shouldEnableListenNotify determines if LISTEN/NOTIFY should be enabled:
// explicitly configured, or auto-detected for PostgreSQL.
func (a *App) shouldEnableListenNotify(isPostgres bool) bool {
	if a.config.useListenNotify != nil {
		return *a.config.useListenNotify && isPostgres
	}
	return isPostgres
}

func (a *App) initScheduler() {
	cfg := a.config.schedulerConfig()
	if a.config.singletonUpgrade {
		cfg.UpgradeGuard = coordination.NewSingleton(a.storage, a.config.nodeID,
			coordination.TaskUpgradeJobs, a.config.nearFutureInterval).Guard()
	}
	a.sched = scheduler.New(a.storage, cfg,
		scheduler.WithHooks(a.hooks),
		scheduler.WithJobProcessor(scheduler.JobProcessorFunc(a.onScheduledJob)),
		scheduler.WithJobBackoff(a.config.jobRetryPolicy),
	)
	a.reaper = coordination.NewSingleton(a.storage, a.config.nodeID, coordination.TaskReapPremies, 0)
	a.dataUpgrade = coordination.NewSingleton(a.storage, a.config.nodeID, coordination.TaskDataUpgrade, 0)
}

// upgradeData rewrites correlation data written by older engine versions.
// Only one node of the cluster runs it; the others start right away.
func (a *App) upgradeData(ctx context.Context) error {
	handler := upgrade.NewHandler(a.storage, upgrade.WithTransaction(a.sched.ExecTransaction))
	ran, err := a.dataUpgrade.TryRun(ctx, func(ctx context.Context) error {
		res, err := handler.Run(ctx, a.processModels())
		if err != nil {
			return err
		}
		if len(res.Applied) > 0 {
			slog.Info("persisted data upgraded", "from", res.From, "to", res.To, "steps", res.Applied)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		slog.Info("data upgrade running on another node", "node_id", a.config.nodeID)
	}
	return nil
}

func (a *App) startCluster() error {
	if a.config.natsURL == "" {
		return nil
	}
	t, err := cluster.Dial(a.config.natsURL, a.config.nodeID)
	if err != nil {
		return err
	}
	a.transport = t
	a.heartbeater = cluster.NewHeartbeater(t, a.config.nodeID, a.sched,
		cluster.WithInterval(a.config.heartbeatInterval))
	return a.heartbeater.Start(a.ctx)
}

// startBackgroundTasks starts all background goroutines.
func (a *App) startBackgroundTasks() {
	if a.notifyListener != nil {
		a.notifyListener.Start(a.ctx)
	}

	if a.config.premieReapInterval > 0 {
		a.wg.Add(1)
		go a.runPremieReaper()
	}
}

// runPremieReaper periodically reaps unmatched messages on one node of the
// cluster at a time.
func (a *App) runPremieReaper() {
	defer a.wg.Done()

	ticker := time.NewTicker(addJitter(a.config.premieReapInterval))
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			_, err := a.reaper.TryRun(a.ctx, func(ctx context.Context) error {
				_, err := a.ReapPremies(ctx)
				return err
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("error reaping unmatched messages", "error", err)
			}
			if err := a.reaper.CleanupExpired(a.ctx); err != nil {
				slog.Debug("error cleaning up expired system locks", "error", err)
			}
		}
	}
}

// Storage returns the storage instance for advanced usage.
func (a *App) Storage() storage.Storage {
	return a.storage
}

// NodeID returns the cluster node id.
func (a *App) NodeID() string {
	return a.config.nodeID
}

// addJitter adds random jitter (±25%) to a duration so nodes started
// together do not run their periodic tasks in lockstep.
func addJitter(d time.Duration) time.Duration {
	const jitterPercent = 0.25
	factor := 1.0 + jitterPercent*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
