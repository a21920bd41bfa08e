package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
)

// switchableTransport fails every round trip while offline is set.
type switchableTransport struct {
	offline atomic.Bool
	base    http.RoundTripper
}

func (s *switchableTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return s.base.RoundTrip(req)
}

type countingClaimer struct{ calls int }

func (c *countingClaimer) Claim(context.Context) int {
	c.calls++
	return 2
}

// newOrigin serves "<path> v<n>" for every path; missing returns 404 for it.
func newOrigin(t *testing.T, missing string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var version atomic.Int32
	version.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == missing {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s v%d", r.URL.Path, version.Load())
	}))
	t.Cleanup(srv.Close)
	return srv, &version
}

func newTestManager(t *testing.T, s Storage, srv *httptest.Server, files []string) (*Manager, *switchableTransport) {
	t.Helper()
	origin, err := url.Parse(srv.URL)
	require.NoError(t, err)

	tr := &switchableTransport{base: http.DefaultTransport}
	m := NewManager(s, tr, ManagerConfig{
		Origin:        origin,
		AppShellName:  "AppShellv6",
		DynamicName:   "DinamicoV6",
		AppShellFiles: files,
		OfflinePage:   "/offline.html",
	})
	return m, tr
}

func get(t *testing.T, m *Manager, rawURL string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return m.GetOrFetch(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestInstall_CachesAppShell(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		srv, _ := newOrigin(t, "")
		m, _ := newTestManager(t, s, srv, []string{"/", "/index.html", "/offline.html"})

		require.NoError(t, m.Install(ctx))

		shell, err := s.Open(ctx, "AppShellv6")
		require.NoError(t, err)
		keys, err := shell.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 3)
		assert.Contains(t, keys, "GET "+srv.URL+"/offline.html")
	})
}

func TestInstall_AnyFailureLeavesNoShell(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		srv, _ := newOrigin(t, "/icons/carga.png")
		m, _ := newTestManager(t, s, srv, []string{"/", "/index.html", "/icons/carga.png", "/offline.html"})

		err := m.Install(ctx)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrInstall))
		assert.Contains(t, err.Error(), "/icons/carga.png")

		ok, err := s.Has(ctx, "AppShellv6")
		require.NoError(t, err)
		assert.False(t, ok, "no partial app shell")
	})
}

func TestInstall_NetworkDown(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "")
	m, tr := newTestManager(t, s, srv, []string{"/"})
	tr.offline.Store(true)

	require.Error(t, m.Install(context.Background()))
	names, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestActivate_DeletesUnknownNamespacesThenClaims(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		for _, name := range []string{"AppShellv5", "AppShellv6", "DinamicoV5", "DinamicoV6"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}

		srv, _ := newOrigin(t, "")
		m, _ := newTestManager(t, s, srv, nil)
		claimer := &countingClaimer{}
		m.SetClaimer(claimer)

		deleted, err := m.Activate(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"AppShellv5", "DinamicoV5"}, deleted)
		assert.Equal(t, 1, claimer.calls)

		names, err := m.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"AppShellv6", "DinamicoV6"}, names)
	})
}

func TestPrune_DoesNotClaim(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "")
	m, _ := newTestManager(t, s, srv, nil)
	claimer := &countingClaimer{}
	m.SetClaimer(claimer)

	_, err := m.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimer.calls)
}

func TestGetOrFetch_NetworkFirstAndCachesDynamic(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		srv, version := newOrigin(t, "")
		m, tr := newTestManager(t, s, srv, nil)

		resp, err := get(t, m, srv.URL+"/components/Home.jsx")
		require.NoError(t, err)
		assert.Equal(t, "/components/Home.jsx v1", readBody(t, resp))
		m.Flush()

		version.Store(2)
		resp, err = get(t, m, srv.URL+"/components/Home.jsx")
		require.NoError(t, err)
		assert.Equal(t, "/components/Home.jsx v2", readBody(t, resp), "network wins while online")
		m.Flush()

		tr.offline.Store(true)
		resp, err = get(t, m, srv.URL+"/components/Home.jsx")
		require.NoError(t, err)
		assert.Equal(t, "/components/Home.jsx v2", readBody(t, resp), "latest copy served offline")

		dynamic, err := s.Open(ctx, "DinamicoV6")
		require.NoError(t, err)
		keys, err := dynamic.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"GET " + srv.URL + "/components/Home.jsx"}, keys)
	})
}

func TestGetOrFetch_FallbackOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		srv, _ := newOrigin(t, "")
		m, tr := newTestManager(t, s, srv, nil)

		key := "GET " + srv.URL + "/index.css"
		shell, err := s.Open(ctx, "AppShellv6")
		require.NoError(t, err)
		require.NoError(t, shell.PutAll(ctx, []Entry{
			{Key: key, Response: textResponse(200, "from shell")},
			{Key: "GET " + srv.URL + "/offline.html", Response: textResponse(200, "offline page")},
		}))
		tr.offline.Store(true)

		resp, err := get(t, m, srv.URL+"/index.css")
		require.NoError(t, err)
		assert.Equal(t, "from shell", readBody(t, resp))

		dynamic, err := s.Open(ctx, "DinamicoV6")
		require.NoError(t, err)
		require.NoError(t, dynamic.Put(ctx, key, textResponse(200, "from dynamic")))

		resp, err = get(t, m, srv.URL+"/index.css")
		require.NoError(t, err)
		assert.Equal(t, "from dynamic", readBody(t, resp), "dynamic before shell")

		resp, err = get(t, m, srv.URL+"/never-seen")
		require.NoError(t, err)
		assert.Equal(t, "offline page", readBody(t, resp), "offline page only when neither matches")
	})
}

func TestGetOrFetch_NothingCached(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "")
	m, tr := newTestManager(t, s, srv, nil)
	tr.offline.Store(true)

	_, err := get(t, m, srv.URL+"/index.html")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))
}

func TestGetOrFetch_NonGetBypassesCache(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "")
	m, _ := newTestManager(t, s, srv, nil)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/thing", strings.NewReader("x"))
	require.NoError(t, err)
	resp, err := m.GetOrFetch(req)
	require.NoError(t, err)
	readBody(t, resp)
	m.Flush()

	names, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestGetOrFetch_ErrorStatusNotCached(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "/missing")
	m, _ := newTestManager(t, s, srv, nil)

	resp, err := get(t, m, srv.URL+"/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	readBody(t, resp)
	m.Flush()

	ok, err := s.Has(context.Background(), "DinamicoV6")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrFetch_OversizedBodyPassesThroughUncached(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "")
	m, _ := newTestManager(t, s, srv, nil)
	m.cfg.MaxEntryBytes = 4

	resp, err := get(t, m, srv.URL+"/screenshots/cap.png")
	require.NoError(t, err)
	assert.Equal(t, "/screenshots/cap.png v1", readBody(t, resp), "caller still gets the full body")
	m.Flush()

	ok, err := s.Has(context.Background(), "DinamicoV6")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrFetch_CallerCancellationIsNotOffline(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "")
	m, tr := newTestManager(t, s, srv, nil)
	tr.offline.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)

	_, err = m.GetOrFetch(req)
	require.Error(t, err)
	assert.False(t, apperrors.Is(err, apperrors.ErrOffline))
}

func TestFirstFailure(t *testing.T) {
	root := errors.New("404")
	assert.Equal(t, -1, firstFailure([]error{nil, nil}))
	assert.Equal(t, 2, firstFailure([]error{nil, context.Canceled, root}))
	assert.Equal(t, 1, firstFailure([]error{nil, context.Canceled}))
}

func TestGetOrFetch_StreamsBeforeOriginFinishes(t *testing.T) {
	s := newSQLiteStorage(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: first\n")
		w.(http.Flusher).Flush()
		<-release
		fmt.Fprint(w, "data: last\n")
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	m, _ := newTestManager(t, s, srv, nil)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := get(t, m, srv.URL+"/events")
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response held back until the origin finished")
	}
	require.NoError(t, res.err)

	buf := make([]byte, len("data: first\n"))
	_, err := io.ReadFull(res.resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "data: first\n", string(buf))

	close(release)
	assert.Equal(t, "data: last\n", readBody(t, res.resp))
	m.Flush()

	dynamic, err := s.Open(context.Background(), "DinamicoV6")
	require.NoError(t, err)
	cached, ok, err := dynamic.Match(context.Background(), "GET "+srv.URL+"/events")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "data: first\ndata: last\n", string(cached.Body))
}

func TestGetOrFetch_EarlyCloseIsNotCached(t *testing.T) {
	s := newSQLiteStorage(t)
	srv, _ := newOrigin(t, "")
	m, _ := newTestManager(t, s, srv, nil)

	resp, err := get(t, m, srv.URL+"/index.css")
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	m.Flush()

	ok, err := s.Has(context.Background(), "DinamicoV6")
	require.NoError(t, err)
	assert.False(t, ok)
}
