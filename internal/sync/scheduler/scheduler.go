// Package scheduler dispatches deferred replay registrations.
// It is the deferred-execution mechanism behind the pending store: registered
// tags run when the origin is reachable, immediately on reconnection, and
// periodically afterwards until they succeed or give up.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/sync/queue"
)

// SyncHandler runs the work registered under tag.
type SyncHandler interface {
	HandleSync(ctx context.Context, tag string) error
}

// PendingCounter reports how many submissions are still queued.
type PendingCounter interface {
	Count(ctx context.Context) (int, error)
}

// Scheduler manages background dispatch of sync registrations.
type Scheduler struct {
	handler         SyncHandler
	queue           *queue.SyncQueue
	pending         PendingCounter
	tag             string
	queueInterval   time.Duration
	timeout         time.Duration
	kick            chan struct{}
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	isOnline        bool
	lastRunTime     time.Time
	queueInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	QueueInterval time.Duration // How often due registrations are processed (default: 1 minute)
	Timeout       time.Duration // Per-dispatch timeout (default: 30 seconds)
	Tag           string        // Tag re-registered on reconnection when submissions remain
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		QueueInterval: time.Minute,
		Timeout:       30 * time.Second,
		Tag:           "syncUsuarios",
	}
}

// NewScheduler creates a new Scheduler. pending may be nil.
func NewScheduler(handler SyncHandler, q *queue.SyncQueue, pending PendingCounter, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Tag == "" {
		config.Tag = defaults.Tag
	}

	return &Scheduler{
		handler:       handler,
		queue:         q,
		pending:       pending,
		tag:           config.Tag,
		queueInterval: config.QueueInterval,
		timeout:       config.Timeout,
		kick:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background processing loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.queueProcessorLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.queueInterval.String(),
	})
}

// Stop stops the scheduler and waits for an in-flight dispatch to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// Register records a deferred run of tag. While online the run is attempted
// right away; otherwise it waits for reconnection.
func (s *Scheduler) Register(ctx context.Context, tag string) error {
	if tag == "" {
		return errors.New(errors.ErrSyncRegistration, "tag cannot be empty")
	}
	if !s.IsRunning() {
		return errors.New(errors.ErrSyncRegistration, "background sync scheduler is not running")
	}

	_, created := s.queue.Register(tag)
	logging.Debug("Sync registered", map[string]interface{}{
		"tag":     tag,
		"created": created,
	})

	if s.IsOnline() {
		s.trigger()
	}
	return nil
}

// SetOnlineStatus records a connectivity change. Going from offline to online
// re-arms given-up registrations, registers the replay tag if submissions
// remain queued, and processes due registrations.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if !isOnline {
		return
	}

	s.queue.RetryAll()
	if s.hasPending() {
		s.queue.Register(s.tag)
	}
	s.trigger()
}

func (s *Scheduler) hasPending() bool {
	if s.pending == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.pending.Count(ctx)
	if err != nil {
		logging.Error("Failed to count pending submissions", err, nil)
		return false
	}
	return n > 0
}

// trigger asks the loop for an immediate pass without blocking.
func (s *Scheduler) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// queueProcessorLoop processes due registrations on every tick and kick.
func (s *Scheduler) queueProcessorLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.kick:
		}

		if !s.IsOnline() {
			continue
		}
		s.processQueue(ctx)
	}
}

// processQueue dispatches every due registration once.
func (s *Scheduler) processQueue(ctx context.Context) {
	due := s.queue.Due()
	if len(due) == 0 {
		return
	}

	s.mu.Lock()
	if s.queueInProgress {
		s.mu.Unlock()
		return
	}
	s.queueInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.queueInProgress = false
		s.lastRunTime = time.Now()
		s.mu.Unlock()
	}()

	logging.Info("Processing sync registrations",
		map[string]interface{}{"count": len(due)})

	for _, tag := range due {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if err := s.queue.Begin(tag); err != nil {
			logging.Debug("Registration no longer due", map[string]interface{}{"tag": tag})
			continue
		}
		s.dispatch(ctx, tag)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, tag string) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.handler.HandleSync(runCtx, tag)
	if err == nil {
		if cerr := s.queue.Complete(tag); cerr != nil {
			logging.Error("Failed to complete sync registration", cerr,
				map[string]interface{}{"tag": tag})
		}
		return
	}

	logging.ErrorWithCode("Sync dispatch failed", string(errors.CodeOf(err)), err,
		map[string]interface{}{"tag": tag})
	if ferr := s.queue.Failed(tag, err); ferr != nil {
		logging.Warn("Sync registration exhausted; waiting for reconnection or manual retry",
			map[string]interface{}{"tag": tag})
	}
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool           `json:"is_running"`
	IsOnline        bool           `json:"is_online"`
	LastRunTime     *time.Time     `json:"last_run_time,omitempty"`
	QueueInProgress bool           `json:"queue_in_progress"`
	DueItems        int            `json:"due_items"`
	QueueStats      map[string]int `json:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		IsOnline:        s.isOnline,
		QueueInProgress: s.queueInProgress,
	}

	if !s.lastRunTime.IsZero() {
		t := s.lastRunTime
		status.LastRunTime = &t
	}

	status.DueItems = len(s.queue.Due())
	status.QueueStats = s.queue.Stats()

	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// String implements fmt.Stringer for log lines.
func (s *Scheduler) String() string {
	st := s.GetStatus()
	return fmt.Sprintf("scheduler(running=%t online=%t due=%d)", st.IsRunning, st.IsOnline, st.DueItems)
}
