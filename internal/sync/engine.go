package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/models"
	"github.com/kimhsiao/offlinegate/internal/uuid"
)

// SyncStatus represents the current engine status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncEventType identifies a replay lifecycle event.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventFailed    SyncEventType = "sync.failed"
)

// SyncEvent is emitted at cycle boundaries.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	CycleID   string        `json:"cycle_id"`
	Records   int           `json:"records"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives replay events.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// PendingStore is the slice of the pending-write store the engine needs.
type PendingStore interface {
	HasRecordStore(ctx context.Context) (bool, error)
	Drain(ctx context.Context) ([]models.PendingRecord, error)
	Remove(ctx context.Context, ids []int64) (int64, error)
}

// Delivery is the outcome of replaying one record.
type Delivery struct {
	RecordID   int64  `json:"record_id"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether the origin accepted the record.
func (d Delivery) OK() bool {
	return d.Error == "" && d.StatusCode >= 200 && d.StatusCode < 300
}

// SyncResult summarises one cycle.
type SyncResult struct {
	CycleID    string        `json:"cycle_id"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	NoStore    bool          `json:"no_store,omitempty"`
	Records    int           `json:"records"`
	Delivered  int           `json:"delivered"`
	Failed     int           `json:"failed"`
	Cleared    int64         `json:"cleared"`
	Deliveries []Delivery    `json:"deliveries,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// EngineConfig configures the replay target.
type EngineConfig struct {
	Endpoint     string
	MarkerHeader string
	Tag          string
	Timeout      time.Duration
}

// SyncEngine is the replay coordinator. Cycles never overlap.
type SyncEngine struct {
	store        PendingStore
	client       *http.Client
	endpoint     string
	markerHeader string
	tag          string
	timeout      time.Duration

	cycleMu sync.Mutex

	mu       sync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
	handler  SyncEventHandler
}

// NewSyncEngine creates a new SyncEngine. transport must reach the origin
// directly; replayed traffic never goes back through the interceptor.
func NewSyncEngine(store PendingStore, transport http.RoundTripper, cfg EngineConfig) *SyncEngine {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.MarkerHeader == "" {
		cfg.MarkerHeader = "x-from-service-worker"
	}
	if cfg.Tag == "" {
		cfg.Tag = "syncUsuarios"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &SyncEngine{
		store:        store,
		client:       &http.Client{Transport: transport},
		endpoint:     cfg.Endpoint,
		markerHeader: cfg.MarkerHeader,
		tag:          cfg.Tag,
		timeout:      cfg.Timeout,
		status:       SyncStatusIdle,
	}
}

// Status returns the current engine status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last cycle that cleared the store.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the number of records left after the last cycle.
func (e *SyncEngine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the last cycle error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// SetEventHandler sets the event handler for replay notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	handler.OnSyncEvent(event)
}

// HandleSync runs a cycle for tag.
func (e *SyncEngine) HandleSync(ctx context.Context, tag string) error {
	if tag != e.tag {
		logging.Debug("Ignoring unknown sync tag", map[string]interface{}{"tag": tag})
		return nil
	}

	result, err := e.Sync(ctx)
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return errors.New(errors.ErrReplayFailed,
			fmt.Sprintf("%d of %d deliveries failed", result.Failed, result.Records))
	}
	return nil
}

// Sync drains the store, replays every record concurrently and clears the
// drained records only if every delivery succeeded.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	result := &SyncResult{
		CycleID:   uuid.New(),
		StartTime: time.Now(),
	}
	var cycleErr error

	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		switch {
		case cycleErr != nil:
			e.status = SyncStatusFailed
			e.lastErr = cycleErr
			result.Error = cycleErr.Error()
		case result.Failed > 0:
			e.status = SyncStatusFailed
			e.lastErr = errors.New(errors.ErrReplayFailed,
				fmt.Sprintf("%d of %d deliveries failed", result.Failed, result.Records))
			e.pending = result.Records
		default:
			e.status = SyncStatusIdle
			e.lastErr = nil
			e.pending = 0
			if result.Records > 0 {
				e.lastSync = &result.EndTime
			}
		}
		e.mu.Unlock()

		if result.Records == 0 && cycleErr == nil {
			return
		}
		event := SyncEvent{
			Type:      SyncEventCompleted,
			CycleID:   result.CycleID,
			Records:   result.Records,
			Delivered: result.Delivered,
			Failed:    result.Failed,
			Timestamp: result.EndTime,
		}
		if cycleErr != nil || result.Failed > 0 {
			event.Type = SyncEventFailed
			if cycleErr != nil {
				event.Error = cycleErr.Error()
			}
		}
		e.emitEvent(event)
	}()

	// Step 1: no record store means nothing was ever queued
	exists, err := e.store.HasRecordStore(ctx)
	if err != nil {
		cycleErr = errors.Wrap(errors.ErrStore, "failed to open pending store", err)
		return result, cycleErr
	}
	if !exists {
		result.NoStore = true
		logging.Debug("No pending record store; nothing to replay", nil)
		return result, nil
	}

	// Step 2: peek all
	records, err := e.store.Drain(ctx)
	if err != nil {
		cycleErr = errors.Wrap(errors.ErrStore, "failed to drain pending store", err)
		return result, cycleErr
	}
	if len(records) == 0 {
		return result, nil
	}
	result.Records = len(records)

	e.emitEvent(SyncEvent{
		Type:    SyncEventStarted,
		CycleID: result.CycleID,
		Records: len(records),
	})
	logging.Info("Replaying pending submissions", map[string]interface{}{
		"cycle":   uuid.Short(result.CycleID),
		"records": len(records),
	})

	// Step 3: deliver concurrently
	result.Deliveries = e.deliverAll(ctx, records)

	// Step 4: barrier passed; clear only if all succeeded
	ids := make([]int64, len(records))
	for i, d := range result.Deliveries {
		if d.OK() {
			result.Delivered++
		} else {
			result.Failed++
		}
		ids[i] = records[i].ID
	}

	if ctx.Err() != nil {
		cycleErr = errors.Wrap(errors.ErrReplayTimeout, "replay cycle timed out", ctx.Err())
		return result, cycleErr
	}

	if result.Failed > 0 {
		logging.Warn("Replay incomplete; pending store left untouched", map[string]interface{}{
			"cycle":     uuid.Short(result.CycleID),
			"delivered": result.Delivered,
			"failed":    result.Failed,
		})
		return result, nil
	}

	cleared, err := e.store.Remove(ctx, ids)
	if err != nil {
		cycleErr = errors.Wrap(errors.ErrStore, "failed to clear replayed records", err)
		return result, cycleErr
	}
	result.Cleared = cleared

	logging.Info("Replay completed", map[string]interface{}{
		"cycle":   uuid.Short(result.CycleID),
		"cleared": cleared,
	})

	// Step 5: resolve
	return result, nil
}

func (e *SyncEngine) deliverAll(ctx context.Context, records []models.PendingRecord) []Delivery {
	deliveries := make([]Delivery, len(records))

	var wg sync.WaitGroup
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deliveries[i] = e.deliver(ctx, records[i])
		}(i)
	}
	wg.Wait()

	return deliveries
}

func (e *SyncEngine) deliver(ctx context.Context, record models.PendingRecord) Delivery {
	d := Delivery{RecordID: record.ID}

	body, err := json.Marshal(record.Payload)
	if err != nil {
		d.Error = err.Error()
		return d
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(e.markerHeader, "true")

	resp, err := e.client.Do(req)
	if err != nil {
		d.Error = err.Error()
		logging.Debug("Replay delivery failed", map[string]interface{}{
			"record": record.ID,
			"error":  err.Error(),
		})
		return d
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	d.StatusCode = resp.StatusCode
	if !d.OK() {
		logging.Debug("Replay delivery rejected", map[string]interface{}{
			"record": record.ID,
			"status": resp.StatusCode,
		})
	}
	return d
}
