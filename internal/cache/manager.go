package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
)

// Claimer takes control of already-open client pages after activation.
type Claimer interface {
	Claim(ctx context.Context) int
}

// ManagerConfig configures the two namespaces.
type ManagerConfig struct {
	Origin        *url.URL
	AppShellName  string
	DynamicName   string
	AppShellFiles []string
	OfflinePage   string
	MaxEntryBytes int64 // 0 means no limit
}

// Manager is the asset cache manager.
type Manager struct {
	storage Storage
	network http.RoundTripper
	cfg     ManagerConfig

	mu      sync.RWMutex
	claimer Claimer

	writes sync.WaitGroup
}

// NewManager creates a Manager. network must reach the origin directly.
func NewManager(storage Storage, network http.RoundTripper, cfg ManagerConfig) *Manager {
	if network == nil {
		network = http.DefaultTransport
	}
	return &Manager{storage: storage, network: network, cfg: cfg}
}

// SetClaimer installs the client claimer used by Activate.
func (m *Manager) SetClaimer(c Claimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimer = c
}

// Storage returns the underlying storage.
func (m *Manager) Storage() Storage {
	return m.storage
}

// AssetURL resolves an app-shell path against the origin.
func (m *Manager) AssetURL(path string) string {
	ref := &url.URL{Path: path}
	return m.cfg.Origin.ResolveReference(ref).String()
}

// Install fetches every app-shell asset and stores them in one batch.
// If any fetch fails nothing is written.
func (m *Manager) Install(ctx context.Context) error {
	start := time.Now()
	files := m.cfg.AppShellFiles

	entries := make([]Entry, len(files))
	errs := make([]error, len(files))

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, path := range files {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			entry, err := m.fetchAsset(fetchCtx, path)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			entries[i] = entry
		}(i, path)
	}
	wg.Wait()

	if i := firstFailure(errs); i >= 0 {
		return apperrors.Wrap(apperrors.ErrInstall,
			fmt.Sprintf("app shell asset %s could not be cached", files[i]), errs[i])
	}
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrInstall, "install cancelled", err)
	}

	existed, err := m.storage.Has(ctx, m.cfg.AppShellName)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInstall, "failed to inspect cache storage", err)
	}
	shell, err := m.storage.Open(ctx, m.cfg.AppShellName)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInstall, "failed to open app shell cache", err)
	}
	if err := shell.PutAll(ctx, entries); err != nil {
		if !existed {
			if _, derr := m.storage.Delete(ctx, m.cfg.AppShellName); derr != nil {
				logging.Error("Failed to remove partial app shell cache", derr, nil)
			}
		}
		return apperrors.Wrap(apperrors.ErrInstall, "failed to store app shell", err)
	}

	logging.Info("App shell cached", map[string]interface{}{
		"cache":    m.cfg.AppShellName,
		"assets":   len(entries),
		"duration": time.Since(start).String(),
	})
	return nil
}

func (m *Manager) fetchAsset(ctx context.Context, path string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.AssetURL(path), nil)
	if err != nil {
		return Entry{}, err
	}
	resp, err := m.network.RoundTrip(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Entry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: KeyFor(req), Response: NewResponse(resp, body)}, nil
}

// Prune deletes every namespace other than the app shell and dynamic caches
// and returns the deleted names.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrActivate, "failed to list caches", err)
	}

	var deleted []string
	for _, name := range names {
		if name == m.cfg.AppShellName || name == m.cfg.DynamicName {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			return deleted, apperrors.Wrap(apperrors.ErrActivate,
				fmt.Sprintf("failed to delete cache %s", name), err)
		}
		logging.Info("Deleted stale cache", map[string]interface{}{"cache": name})
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Activate prunes stale namespaces and then claims open clients.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	deleted, err := m.Prune(ctx)
	if err != nil {
		return deleted, err
	}

	m.mu.RLock()
	claimer := m.claimer
	m.mu.RUnlock()

	if claimer != nil {
		n := claimer.Claim(ctx)
		logging.Debug("Clients claimed", map[string]interface{}{"clients": n})
	}
	return deleted, nil
}

// GetOrFetch serves req network-first. Successful GET responses are copied
// into the dynamic cache in the background; on a transport failure the
// dynamic cache, the app shell and the offline page are tried in that order.
func (m *Manager) GetOrFetch(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		return m.network.RoundTrip(req)
	}

	resp, err := m.network.RoundTrip(req)
	if err == nil {
		return m.capture(req, resp), nil
	}
	if req.Context().Err() != nil {
		return nil, err
	}

	ctx := req.Context()
	if cached := m.lookup(ctx, KeyFor(req)); cached != nil {
		logging.Debug("Served from cache", map[string]interface{}{"url": req.URL.String()})
		return cached.HTTPResponse(req), nil
	}
	if cached := m.lookup(ctx, RequestKey(http.MethodGet, m.AssetURL(m.cfg.OfflinePage))); cached != nil {
		logging.Debug("Served offline page", map[string]interface{}{"url": req.URL.String()})
		return cached.HTTPResponse(req), nil
	}

	return nil, apperrors.Wrap(apperrors.ErrOffline,
		fmt.Sprintf("no cached response for %s", req.URL), err)
}

// lookup checks the dynamic cache, then the app shell.
func (m *Manager) lookup(ctx context.Context, key string) *Response {
	for _, name := range []string{m.cfg.DynamicName, m.cfg.AppShellName} {
		ok, err := m.storage.Has(ctx, name)
		if err != nil || !ok {
			continue
		}
		c, err := m.storage.Open(ctx, name)
		if err != nil {
			continue
		}
		resp, found, err := c.Match(ctx, key)
		if err != nil {
			logging.Warn("Cache lookup failed", map[string]interface{}{
				"cache": name,
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		if found {
			return resp
		}
	}
	return nil
}

// capture hands the caller the live body and copies it as it is read. The
// copy is stored asynchronously once the caller reaches EOF; it is dropped
// when the body exceeds MaxEntryBytes, fails, or is closed early.
func (m *Manager) capture(req *http.Request, resp *http.Response) *http.Response {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp
	}
	if limit := m.cfg.MaxEntryBytes; limit > 0 && resp.ContentLength > limit {
		return resp
	}

	key := KeyFor(req)
	resp.Body = &teeBody{
		rc:    resp.Body,
		limit: m.cfg.MaxEntryBytes,
		onEOF: func(body []byte) { m.store(key, NewResponse(resp, body)) },
	}
	return resp
}

// store writes one response to the dynamic cache in the background.
func (m *Manager) store(key string, stored *Response) {
	m.writes.Add(1)
	go func() {
		defer m.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dynamic, err := m.storage.Open(ctx, m.cfg.DynamicName)
		if err == nil {
			err = dynamic.Put(ctx, key, stored)
		}
		if err != nil {
			logging.WarnWithCode("Dynamic cache write failed", string(apperrors.ErrCache), err,
				map[string]interface{}{"key": key})
		}
	}()
}

// teeBody passes reads through and keeps a bounded copy for the cache.
type teeBody struct {
	rc    io.ReadCloser
	limit int64 // 0 means no limit
	onEOF func(body []byte)

	buf      bytes.Buffer
	overflow bool
	finished bool
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && !t.finished && !t.overflow {
		if t.limit > 0 && int64(t.buf.Len()+n) > t.limit {
			t.overflow = true
			t.buf = bytes.Buffer{}
		} else {
			t.buf.Write(p[:n])
		}
	}
	switch {
	case err == io.EOF:
		t.finish(true)
	case err != nil:
		t.finish(false)
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.finish(false)
	return t.rc.Close()
}

func (t *teeBody) finish(complete bool) {
	if t.finished {
		return
	}
	t.finished = true
	if complete && !t.overflow {
		t.onEOF(t.buf.Bytes())
	}
	t.buf = bytes.Buffer{}
}

// Flush waits for pending background cache writes.
func (m *Manager) Flush() {
	m.writes.Wait()
}

// Names lists the namespaces currently in storage.
func (m *Manager) Names(ctx context.Context) ([]string, error) {
	return m.storage.Keys(ctx)
}

// firstFailure returns the index of the root-cause error, preferring one
// that is not a cancellation triggered by a sibling failure. -1 if none.
func firstFailure(errs []error) int {
	idx := -1
	for i, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return i
		}
		if idx < 0 {
			idx = i
		}
	}
	return idx
}
