// Package queue tracks deferred replay registrations.
// A registration is a named request that the replay handler runs at the next
// opportunity; failed runs are retried with exponential backoff.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/models"
)

// Status represents the state of a registration.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// MaxBackoff caps the delay between retries.
const MaxBackoff = time.Hour

// Registration is one named deferred replay request.
type Registration struct {
	Tag         string
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	Status      Status
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// rearm is set when the tag is registered again while a run is in progress.
	rearm bool
}

// SyncQueue holds at most one registration per tag.
type SyncQueue struct {
	items       map[string]*Registration
	mu          sync.RWMutex
	maxRetries  int
	backoffBase time.Duration
	now         func() time.Time
}

// NewSyncQueue creates a new SyncQueue.
func NewSyncQueue(maxRetries int, backoffBase time.Duration) *SyncQueue {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = time.Minute
	}
	return &SyncQueue{
		items:       make(map[string]*Registration),
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		now:         time.Now,
	}
}

// Register records a request to run tag. Registering a tag that is already
// pending is a no-op; registering one that is running schedules another run
// after it completes; registering one that gave up resets its retries.
// It reports whether a new registration was created.
func (q *SyncQueue) Register(tag string) (*Registration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	if item, ok := q.items[tag]; ok {
		switch item.Status {
		case StatusInProgress:
			item.rearm = true
		case StatusFailed:
			item.Status = StatusPending
			item.RetryCount = 0
			item.NextRetryAt = now
			item.LastError = ""
		}
		item.UpdatedAt = now
		c := *item
		return &c, false
	}

	item := &Registration{
		Tag:         tag,
		MaxRetries:  q.maxRetries,
		NextRetryAt: now,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.items[tag] = item

	logging.Debug("Sync registration created", map[string]interface{}{"tag": tag})

	c := *item
	return &c, true
}

// Due returns the tags whose registrations are ready to run, sorted.
func (q *SyncQueue) Due() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := q.now()
	var tags []string
	for tag, item := range q.items {
		if item.Status == StatusPending && !item.NextRetryAt.After(now) {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Begin marks a due registration as running.
func (q *SyncQueue) Begin(tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[tag]
	if !ok {
		return fmt.Errorf("registration %s not found", tag)
	}
	if item.Status != StatusPending {
		return fmt.Errorf("registration %s is %s, not pending", tag, item.Status)
	}

	item.Status = StatusInProgress
	item.rearm = false
	item.UpdatedAt = q.now()
	return nil
}

// Complete removes a registration after a successful run. If the tag was
// registered again during the run, it stays pending instead.
func (q *SyncQueue) Complete(tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[tag]
	if !ok {
		return fmt.Errorf("registration %s not found", tag)
	}

	if item.rearm {
		now := q.now()
		item.rearm = false
		item.Status = StatusPending
		item.RetryCount = 0
		item.NextRetryAt = now
		item.LastError = ""
		item.UpdatedAt = now
		return nil
	}

	delete(q.items, tag)
	logging.Debug("Sync registration completed", map[string]interface{}{"tag": tag})
	return nil
}

// Failed records a failed run and schedules a retry if possible.
// It returns an error once the registration has given up.
func (q *SyncQueue) Failed(tag string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[tag]
	if !ok {
		return fmt.Errorf("registration %s not found", tag)
	}

	now := q.now()
	item.RetryCount++
	item.UpdatedAt = now
	if err != nil {
		item.LastError = err.Error()
	}

	if item.RetryCount >= item.MaxRetries && !item.rearm {
		item.Status = StatusFailed
		logging.Warn("Sync registration gave up", map[string]interface{}{
			"tag":     tag,
			"retries": item.RetryCount,
			"error":   item.LastError,
		})
		return fmt.Errorf("max retries (%d) reached: %v", item.MaxRetries, err)
	}

	backoff := calculateBackoff(item.RetryCount, q.backoffBase)
	if item.rearm {
		backoff = 0
		item.rearm = false
	}
	item.NextRetryAt = now.Add(backoff)
	item.Status = StatusPending

	logging.Info("Sync registration will retry", map[string]interface{}{
		"tag":     tag,
		"retry":   item.RetryCount,
		"max":     item.MaxRetries,
		"backoff": backoff.String(),
	})
	return nil
}

// calculateBackoff returns 2^retryCount * base, capped at MaxBackoff.
func calculateBackoff(retryCount int, base time.Duration) time.Duration {
	if retryCount > 30 {
		return MaxBackoff
	}
	backoff := time.Duration(int64(1)<<uint(retryCount)) * base
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	return backoff
}

// RetryAll resets every given-up registration to pending.
func (q *SyncQueue) RetryAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	for _, item := range q.items {
		if item.Status == StatusFailed {
			item.Status = StatusPending
			item.RetryCount = 0
			item.NextRetryAt = now
			item.LastError = ""
			item.UpdatedAt = now
			count++
		}
	}

	if count > 0 {
		logging.Info("Failed sync registrations re-armed", map[string]interface{}{"count": count})
	}
	return count
}

// Get returns a copy of the registration for tag.
func (q *SyncQueue) Get(tag string) (*Registration, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[tag]
	if !ok {
		return nil, false
	}
	c := *item
	return &c, true
}

// List returns every registration, sorted by tag.
func (q *SyncQueue) List() []models.SyncRegistration {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]models.SyncRegistration, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.ToModel())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Size returns the number of registrations.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Remove drops a registration.
func (q *SyncQueue) Remove(tag string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[tag]; !ok {
		return false
	}
	delete(q.items, tag)
	return true
}

// Stats returns counts by status.
func (q *SyncQueue) Stats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":       0,
		"pending":     0,
		"in_progress": 0,
		"failed":      0,
	}
	for _, item := range q.items {
		stats["total"]++
		stats[string(item.Status)]++
	}
	return stats
}

// ToModel converts a Registration to its reportable form.
func (r *Registration) ToModel() models.SyncRegistration {
	return models.SyncRegistration{
		Tag:         r.Tag,
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		NextRetryAt: r.NextRetryAt.Unix(),
		Status:      string(r.Status),
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt.Unix(),
		UpdatedAt:   r.UpdatedAt.Unix(),
	}
}
