// Package heartbeat periodically refreshes the local runner's liveness
// timestamp and flips stale runners to Offline.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/store"
)

// DefaultInterval is the default period between heartbeat ticks.
const DefaultInterval = 15 * time.Second

// Heartbeat owns one local Runner row (identified by RunnerID, registered
// on first tick if it doesn't exist yet) and keeps it Online, while flipping
// every runner whose heartbeat_at has gone stale to Offline.
type Heartbeat struct {
	store    *store.Store
	logger   *logger.Logger
	interval time.Duration

	runnerID     string
	env          string
	capabilities []string
	maxParallel  int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config describes the local runner this process advertises.
type Config struct {
	RunnerID     string
	Env          string
	Capabilities []string
	MaxParallel  int
	Interval     time.Duration
}

// New constructs a Heartbeat for the local runner described by cfg.
func New(st *store.Store, log *logger.Logger, cfg Config) *Heartbeat {
	if log == nil {
		log = logger.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	runnerID := cfg.RunnerID
	if runnerID == "" {
		// Generated once per process lifetime, not per tick: Upsert's
		// Get-then-Create-or-Touch logic would otherwise mint a fresh
		// runner row on every tick if the ID kept changing.
		runnerID = uuid.New().String()
	}
	return &Heartbeat{
		store:        st,
		logger:       log.WithFields(zap.String("component", "heartbeat")),
		interval:     interval,
		runnerID:     runnerID,
		env:          cfg.Env,
		capabilities: cfg.Capabilities,
		maxParallel:  cfg.MaxParallel,
	}
}

// RunnerID returns the local runner id this Heartbeat maintains.
func (h *Heartbeat) RunnerID() string { return h.runnerID }

// Start begins the ticker-driven liveness loop.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.mu.Unlock()

	h.logger.Info("heartbeat starting", zap.Duration("interval", h.interval))

	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("heartbeat stopped")
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	// Register/touch immediately so the local runner is Online before the
	// first ticker fires.
	h.tick(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// tick touches the local runner's liveness and sweeps every runner for
// staleness. It is the unit exercised directly by tests.
func (h *Heartbeat) tick(ctx context.Context) {
	if err := h.touchLocalRunner(ctx); err != nil {
		h.logger.Error("failed to refresh local runner heartbeat", zap.Error(err))
	}

	runners, err := h.store.Runners.List(ctx)
	if err != nil {
		h.logger.Error("failed to list runners for staleness sweep", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, r := range runners {
		if r.Status == model.RunnerOnline && r.IsStale(now, h.interval) {
			if err := h.store.Runners.MarkOffline(ctx, r.ID); err != nil {
				h.logger.Warn("failed to mark stale runner offline",
					zap.String("runner_id", r.ID), zap.Error(err))
				continue
			}
			h.logger.Warn("runner marked offline due to stale heartbeat", zap.String("runner_id", r.ID))
		}
	}
}

func (h *Heartbeat) touchLocalRunner(ctx context.Context) error {
	r := &model.Runner{
		ID:           h.runnerID,
		Env:          h.env,
		Capabilities: h.capabilities,
		Status:       model.RunnerOnline,
		MaxParallel:  h.maxParallel,
	}
	return h.store.Runners.Upsert(ctx, r)
}
