// Package worker ties the gateway components into one long-lived object
// with an install/activate lifecycle. Its methods are the only entry points
// the command layer uses.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/offlinegate/internal/cache"
	"github.com/kimhsiao/offlinegate/internal/config"
	"github.com/kimhsiao/offlinegate/internal/connectivity"
	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/interceptor"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/models"
	"github.com/kimhsiao/offlinegate/internal/notify"
	"github.com/kimhsiao/offlinegate/internal/pending"
	replay "github.com/kimhsiao/offlinegate/internal/sync"
	"github.com/kimhsiao/offlinegate/internal/sync/queue"
	"github.com/kimhsiao/offlinegate/internal/sync/scheduler"
)

// State is the lifecycle position of the worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Options are the external resources a Worker is built on.
type Options struct {
	Config       *config.Config
	Store        *pending.Store
	CacheStorage cache.Storage
	// Redis is required only when Config.Redis.PushChannel is set.
	Redis *redis.Client
	// Transport reaches the origin. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Worker is the gateway process.
type Worker struct {
	cfg *config.Config

	network     http.RoundTripper
	store       *pending.Store
	cache       *cache.Manager
	interceptor *interceptor.Interceptor
	engine      replay.SyncEngineInterface
	queue       *queue.SyncQueue
	scheduler   *scheduler.Scheduler
	monitor     *connectivity.Monitor
	hub         *notify.WSHub
	relay       *notify.Relay
	subscriber  *notify.Subscriber
	proxy       *httputil.ReverseProxy

	mu    sync.RWMutex
	state State
}

// New wires a Worker. Nothing runs until Install, Activate and Start.
func New(opts Options) (*Worker, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "config is required")
	}
	if opts.Store == nil || opts.CacheStorage == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "pending store and cache storage are required")
	}
	if cfg.Redis.PushChannel != "" && opts.Redis == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "redis.push_channel is set but no redis client was provided")
	}
	origin := cfg.OriginURL()
	if origin == nil || origin.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid origin %q", cfg.Origin))
	}

	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	w := &Worker{cfg: cfg, store: opts.Store, state: StateParsed}

	w.monitor = connectivity.NewMonitor(connectivity.Config{
		CheckURL: cfg.Connectivity.CheckURL,
		Interval: cfg.Connectivity.Interval,
		Timeout:  cfg.Connectivity.Timeout,
	}, base)
	w.network = w.monitor.Transport(base)

	w.hub = notify.NewWSHub()
	w.relay = notify.NewRelay(w.hub, notify.RelayConfig{Title: cfg.Push.Title, Icon: cfg.Push.Icon})
	if cfg.Redis.PushChannel != "" {
		w.subscriber = notify.NewSubscriber(opts.Redis, cfg.Redis.PushChannel, w)
	}

	w.cache = cache.NewManager(opts.CacheStorage, w.network, cache.ManagerConfig{
		Origin:        origin,
		AppShellName:  cfg.Cache.AppShellName,
		DynamicName:   cfg.Cache.DynamicName,
		AppShellFiles: cfg.Cache.AppShellFiles,
		OfflinePage:   cfg.Cache.OfflinePage,
		MaxEntryBytes: cfg.Cache.MaxEntryBytes,
	})
	w.cache.SetClaimer(w.hub)

	w.interceptor = interceptor.New(w.cache, w.network, w.store, interceptor.Config{
		OfflineMessage: cfg.Interceptor.OfflineMessage,
		QueuePaths:     cfg.Interceptor.QueuePaths,
	})

	w.engine = replay.NewSyncEngine(w.store, w.network, replay.EngineConfig{
		Endpoint:     cfg.Replay.Endpoint,
		MarkerHeader: cfg.Replay.MarkerHeader,
		Tag:          cfg.Replay.Tag,
		Timeout:      cfg.Replay.Timeout,
	})
	w.engine.SetEventHandler(w.hub)

	w.queue = queue.NewSyncQueue(cfg.Replay.MaxRetries, cfg.Replay.BackoffBase)
	w.scheduler = scheduler.NewScheduler(w, w.queue, w.store, &scheduler.SchedulerConfig{
		QueueInterval: cfg.Replay.QueueInterval,
		Timeout:       cfg.Replay.Timeout,
		Tag:           cfg.Replay.Tag,
	})
	w.store.SetRegistrar(w.scheduler)
	w.monitor.Subscribe(w.scheduler.SetOnlineStatus)

	w.proxy = interceptor.NewProxy(origin, w)

	return w, nil
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("cannot move to %s from %s", to, w.state))
	}
	w.state = to
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install populates the app shell. A failed install makes the worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	if err := w.cache.Install(ctx); err != nil {
		w.setState(StateRedundant)
		logging.ErrorWithCode("Install failed", string(apperrors.CodeOf(err)), err, nil)
		return err
	}

	w.setState(StateInstalled)
	logging.Info("Worker installed", nil)
	return nil
}

// Activate removes stale caches and claims open pages. Called straight
// after Install, which is the skipWaiting behaviour.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	deleted, err := w.cache.Activate(ctx)
	if err != nil {
		w.setState(StateInstalled)
		logging.ErrorWithCode("Activate failed", string(apperrors.CodeOf(err)), err, nil)
		return err
	}

	w.setState(StateActivated)
	logging.Info("Worker activated", map[string]interface{}{"deleted_caches": deleted})
	return nil
}

// ActivatePrevious activates a redundant worker on the app shell a previous
// run left in storage, the way a browser keeps its last active worker when an
// update fails to install.
func (w *Worker) ActivatePrevious(ctx context.Context) error {
	ok, err := w.cache.Storage().Has(ctx, w.cfg.Cache.AppShellName)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInstall, "failed to inspect cache storage", err)
	}
	if !ok {
		return apperrors.New(apperrors.ErrInstall, "no app shell from a previous install")
	}

	if err := w.transition(StateRedundant, StateActivating); err != nil {
		return err
	}
	deleted, err := w.cache.Activate(ctx)
	if err != nil {
		w.setState(StateRedundant)
		logging.ErrorWithCode("Activate failed", string(apperrors.CodeOf(err)), err, nil)
		return err
	}

	w.setState(StateActivated)
	logging.Warn("Worker activated on previous app shell", map[string]interface{}{"deleted_caches": deleted})
	return nil
}

// RoundTrip implements http.RoundTripper so the worker can sit under the proxy.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return w.HandleRequest(req)
}

// HandleRequest routes one outbound request. Until activation the worker
// controls nothing and requests go straight to the origin.
func (w *Worker) HandleRequest(req *http.Request) (*http.Response, error) {
	if w.State() != StateActivated {
		return w.network.RoundTrip(req)
	}
	return w.interceptor.RoundTrip(req)
}

// HandleReplayTrigger runs the replay registered under tag.
func (w *Worker) HandleReplayTrigger(ctx context.Context, tag string) error {
	return w.engine.HandleSync(ctx, tag)
}

// HandleSync lets the scheduler dispatch registrations to the worker.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	return w.HandleReplayTrigger(ctx, tag)
}

// Replay runs one cycle immediately and returns its result.
func (w *Worker) Replay(ctx context.Context) (*replay.SyncResult, error) {
	return w.engine.Sync(ctx)
}

// OnPush shows payload as a notification on every connected page.
func (w *Worker) OnPush(ctx context.Context, payload []byte) (*notify.Notification, error) {
	return w.relay.OnPush(ctx, payload)
}

// SetOnline records connectivity reported by the environment.
func (w *Worker) SetOnline(online bool) {
	w.monitor.Set(online)
}

// Start runs the background loops: scheduler, origin health check, push subscriber.
func (w *Worker) Start(ctx context.Context) error {
	w.scheduler.Start(ctx)
	if w.cfg.Connectivity.CheckURL != "" {
		w.monitor.Start(ctx)
	}
	if w.subscriber != nil {
		if err := w.subscriber.Start(ctx); err != nil {
			return fmt.Errorf("failed to start push subscriber: %w", err)
		}
	}

	// Records left over from a previous run.
	if n, err := w.store.Count(ctx); err == nil && n > 0 {
		if err := w.scheduler.Register(ctx, w.store.Tag()); err != nil {
			logging.WarnWithCode("Failed to register leftover submissions",
				string(apperrors.ErrSyncRegistration), err, nil)
		}
	}
	return nil
}

// Close stops the background loops and waits for pending cache writes.
func (w *Worker) Close() {
	if w.subscriber != nil {
		w.subscriber.Close()
	}
	w.monitor.Stop()
	w.scheduler.Stop()
	w.cache.Flush()
	w.hub.Close()
}

// Proxy returns the reverse proxy whose transport is the worker.
func (w *Worker) Proxy() http.Handler {
	return w.proxy
}

// Hub returns the page hub.
func (w *Worker) Hub() *notify.WSHub {
	return w.hub
}

// Cache returns the asset cache manager.
func (w *Worker) Cache() *cache.Manager {
	return w.cache
}

// Store returns the pending-write store.
func (w *Worker) Store() *pending.Store {
	return w.store
}

// Status is a point-in-time view of the worker.
type Status struct {
	State         State                     `json:"state"`
	Online        bool                      `json:"online"`
	Pending       int                       `json:"pending"`
	Replay        replay.SyncStatus         `json:"replay_status"`
	LastSync      *time.Time                `json:"last_sync,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	Scheduler     scheduler.SchedulerStatus `json:"scheduler"`
	Registrations []models.SyncRegistration `json:"registrations"`
	Clients       int                       `json:"clients"`
	Notifications int                       `json:"notifications"`
}

// Status returns the current worker status.
func (w *Worker) Status(ctx context.Context) (*Status, error) {
	n, err := w.store.Count(ctx)
	if err != nil {
		return nil, err
	}

	s := &Status{
		State:         w.State(),
		Online:        w.monitor.Online(),
		Pending:       n,
		Replay:        w.engine.Status(),
		LastSync:      w.engine.LastSync(),
		Scheduler:     w.scheduler.GetStatus(),
		Registrations: w.queue.List(),
		Clients:       w.hub.ClientCount(),
		Notifications: w.relay.Sent(),
	}
	if lastErr := w.engine.LastError(); lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s, nil
}
