// Package scheduler decides when the sync queue drains: when connectivity
// comes back, on a periodic tick, and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/actisync/internal/connectivity"
	"github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
)

// Drainer is the queue as seen by the scheduler.
type Drainer interface {
	Drain(ctx context.Context) (models.DrainResult, error)
	TryDrain(ctx context.Context) bool
	Stats() models.QueueStats
}

// Connectivity is the online belief plus its change feed.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan connectivity.Transition, func())
}

// Scheduler manages background drain triggers.
type Scheduler struct {
	queue         Drainer
	conn          Connectivity
	drainInterval time.Duration
	syncTimeout   time.Duration
	logger        *logging.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	lastSync  time.Time
	triggers  int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DrainInterval time.Duration // Periodic retry of a non-empty queue (default: 30 seconds)
	SyncTimeout   time.Duration // Upper bound for a manual pass (default: 5 minutes)
	Logger        *logging.Logger
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DrainInterval: 30 * time.Second,
		SyncTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(queue Drainer, conn Connectivity, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Get()
	}

	return &Scheduler{
		queue:         queue,
		conn:          conn,
		drainInterval: config.DrainInterval,
		syncTimeout:   config.SyncTimeout,
		logger:        logger,
	}
}

// Start starts the background triggers. A first drain is attempted right
// away so work left from a previous run goes out without waiting a tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	transitions, cancel := s.conn.Subscribe()

	s.wg.Add(2)
	go s.connectivityLoop(ctx, stop, transitions, cancel)
	go s.periodicLoop(ctx, stop)

	s.trigger(ctx, "startup")
	s.logger.Info("Sync scheduler started", map[string]interface{}{
		"drain_interval_seconds": s.drainInterval.Seconds(),
	})
}

// Stop stops the background triggers and waits for the loops to exit.
// A pass already running finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	s.logger.Info("Sync scheduler stopped")
}

// connectivityLoop drains when the device comes back online.
func (s *Scheduler) connectivityLoop(ctx context.Context, stop <-chan struct{}, transitions <-chan connectivity.Transition, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			s.logger.Info("Online status changed", map[string]interface{}{"is_online": t.Online})
			if t.Online {
				s.trigger(ctx, "reconnect")
			}
		}
	}
}

// periodicLoop retries a non-empty queue while online.
func (s *Scheduler) periodicLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.conn.Online() {
				continue
			}
			if s.queue.Stats().PendingOperationCount == 0 {
				continue
			}
			s.trigger(ctx, "interval")
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, reason string) bool {
	started := s.queue.TryDrain(ctx)
	if started {
		s.mu.Lock()
		s.triggers++
		s.lastSync = time.Now()
		s.mu.Unlock()
		s.logger.Debug("Drain triggered", map[string]interface{}{"reason": reason})
	}
	return started
}

// TriggerSync starts a background pass.
// Returns true if a pass was started, false if offline, idle with nothing
// queued, or a pass is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.trigger(ctx, "manual")
}

// SyncNow runs a pass and waits for it to complete.
func (s *Scheduler) SyncNow(ctx context.Context) (models.DrainResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.queue.Drain(syncCtx)
	if err != nil {
		if !errors.Is(err, errors.ErrDrainInProgress) {
			s.logger.ErrorWithCode("Manual sync failed", string(errors.CodeOf(err)), err)
		}
		return result, err
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()

	s.logger.Info("Manual sync completed", map[string]interface{}{
		"synced":  result.Synced,
		"failed":  result.Failed,
		"evicted": result.Evicted,
	})
	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning    bool              `json:"is_running"`
	IsOnline     bool              `json:"is_online"`
	LastSyncTime *time.Time        `json:"last_sync_time,omitempty"`
	Triggers     int               `json:"triggers"`
	Queue        models.QueueStats `json:"queue"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.isRunning,
		Triggers:  s.triggers,
	}
	if !s.lastSync.IsZero() {
		last := s.lastSync
		status.LastSyncTime = &last
	}
	s.mu.RUnlock()

	status.IsOnline = s.conn.Online()
	status.Queue = s.queue.Stats()
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
