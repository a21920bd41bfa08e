package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinegate/internal/cache"
	"github.com/kimhsiao/offlinegate/internal/config"
	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/pending"
	"github.com/kimhsiao/offlinegate/internal/sync/queue"
)

type switchable struct{ down atomic.Bool }

func (s *switchable) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, errors.New("dial tcp: connect: connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type origin struct {
	srv *httptest.Server

	mu        sync.Mutex
	submitted []map[string]interface{}
	markers   []string
	status    int
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		o.mu.Lock()
		o.submitted = append(o.submitted, body)
		o.markers = append(o.markers, r.Header.Get("x-from-service-worker"))
		status := o.status
		o.mu.Unlock()

		w.WriteHeader(status)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/offline.html", "/app.js":
			fmt.Fprintf(w, "asset %s", r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	})

	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) first() (map[string]interface{}, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submitted[0], o.markers[0]
}

func (o *origin) received() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.submitted)
}

type harness struct {
	w       *Worker
	net     *switchable
	origin  *origin
	gateway *httptest.Server
	store   *pending.Store
}

func newHarness(t *testing.T, shell ...string) *harness {
	t.Helper()
	o := newOrigin(t)

	cfg := config.Default()
	cfg.Origin = o.srv.URL
	cfg.DataDir = t.TempDir()
	cfg.Cache.AppShellFiles = []string{"/", "/offline.html", "/app.js"}
	if len(shell) > 0 {
		cfg.Cache.AppShellFiles = shell
	}
	cfg.Replay.BackoffBase = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())

	store, err := pending.Open(cfg.DataDir, cfg.Store.Database, cfg.Store.Version, pending.Options{Tag: cfg.Replay.Tag})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	net := &switchable{}
	w, err := New(Options{
		Config:       cfg,
		Store:        store,
		CacheStorage: cache.NewSQLiteStorage(store.DB().DB),
		Transport:    net,
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	gw := httptest.NewServer(w.Proxy())
	t.Cleanup(gw.Close)

	return &harness{w: w, net: net, origin: o, gateway: gw, store: store}
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.w.Install(ctx))
	require.NoError(t, h.w.Activate(ctx))
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.Count(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) register(t *testing.T, email string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.gateway.URL+"/auth/register", "application/json",
		strings.NewReader(fmt.Sprintf(`{"email":%q,"nombre":"x","password":"pw"}`, email)))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWorker_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, StateParsed, h.w.State())
	assert.Error(t, h.w.Activate(ctx), "cannot activate before install")

	require.NoError(t, h.w.Install(ctx))
	assert.Equal(t, StateInstalled, h.w.State())
	assert.Error(t, h.w.Install(ctx))

	require.NoError(t, h.w.Activate(ctx))
	assert.Equal(t, StateActivated, h.w.State())
}

func TestWorker_InstallFailureIsRedundant(t *testing.T) {
	h := newHarness(t, "/", "/missing.png")

	err := h.w.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateRedundant, h.w.State())

	names, err := h.w.Cache().Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names, "no partial app shell")
}

func TestWorker_UncontrolledRequestsBypassInterception(t *testing.T) {
	h := newHarness(t)
	h.net.down.Store(true)

	resp, err := http.Post(h.gateway.URL+"/auth/register", "application/json", strings.NewReader(`{"email":"a@x.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Zero(t, h.pendingCount(t))
}

func TestWorker_OfflineSubmissionThenReplay(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	h.net.down.Store(true)
	resp := h.register(t, "a@x.com")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"message":"Datos guardados offline"}`, string(body))
	assert.Equal(t, 1, h.pendingCount(t))
	assert.Zero(t, h.origin.received())

	h.net.down.Store(false)
	result, err := h.w.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Zero(t, h.pendingCount(t))

	require.Equal(t, 1, h.origin.received())
	payload, marker := h.origin.first()
	assert.Equal(t, "a@x.com", payload["email"])
	assert.Equal(t, "true", marker)
}

func TestWorker_OfflineReadsServedFromShell(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.net.down.Store(true)

	resp, err := http.Get(h.gateway.URL + "/app.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "asset /app.js", string(body))

	resp2, err := http.Get(h.gateway.URL + "/never-seen")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, "asset /offline.html", string(body2))
}

func TestWorker_ReconnectionReplaysAutomatically(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	require.NoError(t, h.w.Start(context.Background()))

	h.net.down.Store(true)
	h.register(t, "a@x.com")
	h.register(t, "b@x.com")
	require.Equal(t, 2, h.pendingCount(t))

	status, err := h.w.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Online)

	h.net.down.Store(false)
	h.w.SetOnline(true)

	require.Eventually(t, func() bool { return h.pendingCount(t) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.origin.received())
}

func TestWorker_FailedReplayKeepsRecordsAndRegistration(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	require.NoError(t, h.w.Start(context.Background()))

	h.origin.mu.Lock()
	h.origin.status = http.StatusInternalServerError
	h.origin.mu.Unlock()

	h.net.down.Store(true)
	h.register(t, "a@x.com")
	h.net.down.Store(false)
	h.w.SetOnline(true)

	require.Eventually(t, func() bool { return h.origin.received() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.pendingCount(t), "no partial clear")

	require.Eventually(t, func() bool {
		reg, ok := h.w.queue.Get(h.store.Tag())
		return ok && reg.RetryCount >= 1 && reg.Status != queue.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_HandleReplayTriggerIgnoresUnknownTag(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	h.net.down.Store(true)
	h.register(t, "a@x.com")
	h.net.down.Store(false)

	require.NoError(t, h.w.HandleReplayTrigger(context.Background(), "otherTag"))
	assert.Equal(t, 1, h.pendingCount(t))

	require.NoError(t, h.w.HandleReplayTrigger(context.Background(), "syncUsuarios"))
	assert.Zero(t, h.pendingCount(t))
}

func TestWorker_OnPushAndStatus(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	n, err := h.w.OnPush(context.Background(), []byte("Nuevo partido"))
	require.NoError(t, err)
	assert.Equal(t, "Nuevo partido", n.Body)

	status, err := h.w.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActivated, status.State)
	assert.True(t, status.Online)
	assert.Equal(t, 1, status.Notifications)
	assert.Zero(t, status.Pending)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Origin = "https://api.example.com"
	require.NoError(t, cfg.Validate())
	cfg.Redis.PushChannel = "push"

	store, err := pending.Open(t.TempDir(), "database", 2, pending.Options{})
	require.NoError(t, err)
	defer store.Close()

	_, err = New(Options{Config: cfg, Store: store, CacheStorage: cache.NewSQLiteStorage(store.DB().DB)})
	assert.Error(t, err, "push channel without redis client")
}

func TestWorker_ActivatePreviousAfterFailedInstall(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.w.Close()

	next, err := New(Options{
		Config:       h.w.cfg,
		Store:        h.store,
		CacheStorage: h.w.Cache().Storage(),
		Transport:    h.net,
	})
	require.NoError(t, err)
	t.Cleanup(next.Close)

	h.net.down.Store(true)
	ctx := context.Background()
	require.Error(t, next.Install(ctx))
	require.Equal(t, StateRedundant, next.State())

	require.NoError(t, next.ActivatePrevious(ctx))
	assert.Equal(t, StateActivated, next.State())

	req, err := http.NewRequest(http.MethodGet, h.origin.srv.URL+"/app.js", nil)
	require.NoError(t, err)
	resp, err := next.HandleRequest(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "asset /app.js", string(body))
}

func TestWorker_ActivatePreviousWithoutShell(t *testing.T) {
	h := newHarness(t)
	h.net.down.Store(true)

	require.Error(t, h.w.Install(context.Background()))
	err := h.w.ActivatePrevious(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInstall))
	assert.Equal(t, StateRedundant, h.w.State())
}
