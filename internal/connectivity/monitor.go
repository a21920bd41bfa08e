// Package connectivity tracks whether the origin is reachable.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/offlinegate/internal/logging"
)

// Config configures the origin health check.
type Config struct {
	CheckURL string
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor holds the process-wide connectivity state. Transitions come from
// the environment (Set), from the periodic health check, and from request outcomes.
type Monitor struct {
	checkURL string
	client   *http.Client
	interval time.Duration

	// notifyMu orders transitions: a flip and its fan-out complete before
	// the next flip starts.
	notifyMu sync.Mutex

	mu         sync.RWMutex
	online     bool
	lastChange time.Time
	subs       []func(online bool)

	runMu     sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a Monitor that starts online. transport must reach the
// origin directly.
func NewMonitor(cfg Config, transport http.RoundTripper) *Monitor {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Monitor{
		checkURL:   cfg.CheckURL,
		client:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		interval:   cfg.Interval,
		online:     true,
		lastChange: time.Now(),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastChange returns when the state last flipped.
func (m *Monitor) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// Subscribe registers fn to be called on every transition.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Set records the state reported by the environment. Subscribers run only
// when the state actually changes, in transition order. A subscriber must not
// call Set.
func (m *Monitor) Set(online bool) {
	if m.Online() == online {
		return
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.lastChange = time.Now()
	subs := append([]func(bool){}, m.subs...)
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	for _, fn := range subs {
		fn(online)
	}
}

// ReportFailure records a transport-level failure reaching the origin.
func (m *Monitor) ReportFailure() {
	m.Set(false)
}

// ReportSuccess records a completed round trip to the origin.
func (m *Monitor) ReportSuccess() {
	m.Set(true)
}

// Check issues one GET to the health check URL. Any HTTP response counts as online;
// only a transport error counts as offline.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.checkURL == "" {
		return m.Online()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.checkURL, nil)
	if err != nil {
		logging.Error("Invalid health check URL", err, map[string]interface{}{"url": m.checkURL})
		return m.Online()
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.Online()
		}
		m.Set(false)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	m.Set(true)
	return true
}

// Start checks the origin every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.isRunning {
		return
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.checkLoop(ctx, m.stopCh)
}

// Stop stops the check loop.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.isRunning {
		m.runMu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) checkLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Transport reports the outcome of every round trip through base to m.
// Only transport errors count as failures; any HTTP status is a success.
func (m *Monitor) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &reportingTransport{base: base, monitor: m}
}

type reportingTransport struct {
	base    http.RoundTripper
	monitor *Monitor
}

func (t *reportingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	switch {
	case err == nil:
		t.monitor.ReportSuccess()
	case req.Context().Err() == nil:
		t.monitor.ReportFailure()
	}
	return resp, err
}
