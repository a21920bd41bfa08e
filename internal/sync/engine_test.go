package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/models"
	"github.com/kimhsiao/offlinegate/internal/pending"
)

type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *testEventHandler) types() []SyncEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []SyncEventType
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

// origin records every replayed body and answers with status(email).
type origin struct {
	mu      sync.Mutex
	bodies  []map[string]interface{}
	markers []string
	status  func(email string) int
}

func newOrigin(t *testing.T, status func(email string) int) (*origin, *httptest.Server) {
	t.Helper()
	o := &origin{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		o.mu.Lock()
		o.bodies = append(o.bodies, body)
		o.markers = append(o.markers, r.Header.Get("x-from-service-worker"))
		o.mu.Unlock()

		email, _ := body["email"].(string)
		w.WriteHeader(o.status(email))
	}))
	t.Cleanup(srv.Close)
	return o, srv
}

func (o *origin) requests() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bodies)
}

func always(code int) func(string) int {
	return func(string) int { return code }
}

func openStore(t *testing.T) *pending.Store {
	t.Helper()
	s, err := pending.Open(t.TempDir(), "database", 2, pending.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *pending.Store, emails ...string) {
	t.Helper()
	for _, email := range emails {
		_, err := s.Enqueue(context.Background(), map[string]interface{}{
			"email":    email,
			"nombre":   "Test",
			"password": "secret",
		})
		require.NoError(t, err)
	}
}

func newEngine(store PendingStore, endpoint string) *SyncEngine {
	return NewSyncEngine(store, nil, EngineConfig{
		Endpoint: endpoint,
		Timeout:  5 * time.Second,
	})
}

func TestNewSyncEngine_defaults(t *testing.T) {
	e := NewSyncEngine(nil, nil, EngineConfig{Endpoint: "http://example.invalid"})
	assert.Equal(t, SyncStatusIdle, e.Status())
	assert.Equal(t, "x-from-service-worker", e.markerHeader)
	assert.Equal(t, "syncUsuarios", e.tag)
	assert.Nil(t, e.LastSync())
	assert.NoError(t, e.LastError())
}

func TestSync_AllSucceed_ClearsStore(t *testing.T) {
	ctx := context.Background()
	o, srv := newOrigin(t, always(http.StatusOK))
	store := openStore(t)
	enqueue(t, store, "a@x.com", "b@x.com")

	handler := &testEventHandler{}
	e := newEngine(store, srv.URL+"/auth/register")
	e.SetEventHandler(handler)

	result, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Records)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, int64(2), result.Cleared)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"true", "true"}, o.markers)
	assert.Equal(t, SyncStatusIdle, e.Status())
	assert.NotNil(t, e.LastSync())
	assert.Equal(t, []SyncEventType{SyncEventStarted, SyncEventCompleted}, handler.types())

	// An immediate second replay is a no-op.
	again, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Records)
	assert.Equal(t, 2, o.requests(), "no requests on empty store")
}

func TestSync_OneFails_StoreUntouched(t *testing.T) {
	ctx := context.Background()
	o, srv := newOrigin(t, func(email string) int {
		if email == "b@x.com" {
			return http.StatusInternalServerError
		}
		return http.StatusCreated
	})
	store := openStore(t)
	enqueue(t, store, "a@x.com", "b@x.com", "c@x.com")

	handler := &testEventHandler{}
	e := newEngine(store, srv.URL)
	e.SetEventHandler(handler)

	result, err := e.Sync(ctx)
	require.NoError(t, err, "delivery failures are not hard failures")
	assert.Equal(t, 3, result.Records)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Cleared)
	assert.Equal(t, 3, o.requests())

	records, err := store.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3, "no partial clear")

	assert.Equal(t, SyncStatusFailed, e.Status())
	assert.Equal(t, 3, e.PendingChanges())
	assert.True(t, errors.Is(e.LastError(), errors.ErrReplayFailed))
	assert.Equal(t, []SyncEventType{SyncEventStarted, SyncEventFailed}, handler.types())
}

func TestSync_SingleRecord500(t *testing.T) {
	ctx := context.Background()
	_, srv := newOrigin(t, always(http.StatusInternalServerError))
	store := openStore(t)
	enqueue(t, store, "a@x.com")

	_, err := newEngine(store, srv.URL).Sync(ctx)
	require.NoError(t, err)

	records, err := store.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a@x.com", records[0].Field("email"))
}

func TestSync_NetworkError_StoreUntouched(t *testing.T) {
	ctx := context.Background()
	_, srv := newOrigin(t, always(http.StatusOK))
	url := srv.URL
	srv.Close()

	store := openStore(t)
	enqueue(t, store, "a@x.com")

	result, err := newEngine(store, url).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.NotEmpty(t, result.Deliveries[0].Error)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSync_EmptyStore_NoRequests(t *testing.T) {
	o, srv := newOrigin(t, always(http.StatusOK))
	handler := &testEventHandler{}
	e := newEngine(openStore(t), srv.URL)
	e.SetEventHandler(handler)

	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Records)
	assert.Zero(t, o.requests())
	assert.Empty(t, handler.types())
}

// fakeStore lets tests drive store behaviour directly.
type fakeStore struct {
	exists   bool
	records  []models.PendingRecord
	drainErr error
	clearErr error
	cleared  []int64
	onDrain  func()
}

func (f *fakeStore) HasRecordStore(context.Context) (bool, error) { return f.exists, nil }

func (f *fakeStore) Drain(context.Context) ([]models.PendingRecord, error) {
	if f.onDrain != nil {
		f.onDrain()
	}
	return f.records, f.drainErr
}

func (f *fakeStore) Remove(_ context.Context, ids []int64) (int64, error) {
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	f.cleared = append([]int64(nil), ids...)
	return int64(len(ids)), nil
}

func TestSync_NoRecordStore(t *testing.T) {
	o, srv := newOrigin(t, always(http.StatusOK))
	result, err := newEngine(&fakeStore{exists: false}, srv.URL).Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.NoStore)
	assert.Zero(t, o.requests())
}

func TestSync_DrainFailureIsHard(t *testing.T) {
	handler := &testEventHandler{}
	e := newEngine(&fakeStore{exists: true, drainErr: stderrors.New("disk I/O error")}, "http://example.invalid")
	e.SetEventHandler(handler)

	_, err := e.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStore))
	assert.Equal(t, SyncStatusFailed, e.Status())
	assert.Equal(t, []SyncEventType{SyncEventFailed}, handler.types())
}

func TestSync_ClearFailureIsHard(t *testing.T) {
	_, srv := newOrigin(t, always(http.StatusOK))
	store := &fakeStore{
		exists:   true,
		records:  []models.PendingRecord{{ID: 1, Payload: map[string]interface{}{"email": "a@x.com"}}},
		clearErr: stderrors.New("locked"),
	}

	_, err := newEngine(store, srv.URL).Sync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStore))
}

func TestSync_ClearsOnlyDrainedRecords(t *testing.T) {
	_, srv := newOrigin(t, always(http.StatusOK))
	store := &fakeStore{
		exists: true,
		records: []models.PendingRecord{
			{ID: 4, Payload: map[string]interface{}{"email": "a@x.com"}},
			{ID: 9, Payload: map[string]interface{}{"email": "b@x.com"}},
		},
	}

	_, err := newEngine(store, srv.URL).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 9}, store.cleared)
}

func TestSync_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	store := &fakeStore{
		exists:  true,
		records: []models.PendingRecord{{ID: 1, Payload: map[string]interface{}{"email": "a@x.com"}}},
	}
	e := NewSyncEngine(store, nil, EngineConfig{Endpoint: srv.URL, Timeout: 100 * time.Millisecond})

	_, err := e.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrReplayTimeout))
	assert.Empty(t, store.cleared)
}

func TestSync_CyclesDoNotOverlap(t *testing.T) {
	var inFlight, maxInFlight int32
	_, srv := newOrigin(t, always(http.StatusOK))

	store := &fakeStore{
		exists:  true,
		records: []models.PendingRecord{{ID: 1, Payload: map[string]interface{}{"email": "a@x.com"}}},
	}
	store.onDrain = func() {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}

	e := newEngine(store, srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Sync(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestHandleSync(t *testing.T) {
	ctx := context.Background()
	_, okSrv := newOrigin(t, always(http.StatusOK))
	_, badSrv := newOrigin(t, always(http.StatusBadGateway))

	store := openStore(t)
	enqueue(t, store, "a@x.com")

	assert.NoError(t, newEngine(store, badSrv.URL).HandleSync(ctx, "otherTag"), "unknown tags are ignored")

	err := newEngine(store, badSrv.URL).HandleSync(ctx, "syncUsuarios")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrReplayFailed))

	require.NoError(t, newEngine(store, okSrv.URL).HandleSync(ctx, "syncUsuarios"))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetEventHandler_nil(t *testing.T) {
	e := newEngine(&fakeStore{}, "http://example.invalid")
	e.SetEventHandler(nil)
	e.emitEvent(SyncEvent{Type: SyncEventStarted})
}

func TestDelivery_OK(t *testing.T) {
	assert.True(t, Delivery{StatusCode: 200}.OK())
	assert.True(t, Delivery{StatusCode: 204}.OK())
	assert.False(t, Delivery{StatusCode: 302}.OK())
	assert.False(t, Delivery{StatusCode: 500}.OK())
	assert.False(t, Delivery{Error: "refused"}.OK())
}
