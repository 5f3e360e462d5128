package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"offlinegate/internal/cache"
	"offlinegate/internal/exchange"
	"offlinegate/internal/origin"
)

// Config for creating a new Worker
type Config struct {
	CacheName     string
	StalePatterns []string
	Routes        []string
	FallbackRoute string
	Storage       cache.Storage
	Network       origin.Fetcher
	Events        EventSink
	Recorder      Recorder
	Logger        zerolog.Logger
}

// Worker is the offline cache worker: it installs a versioned cache and
// answers fetches cache-first with network fallback.
type Worker struct {
	cacheName     string
	routes        []string
	fallbackRoute string
	stale         *StaleMatcher
	storage       cache.Storage
	network       origin.Fetcher
	events        EventSink
	recorder      Recorder
	logger        zerolog.Logger
	now           func() time.Time

	current   atomic.Pointer[cache.Cache]
	state     atomic.Value // State
	installMu sync.Mutex
}

// New creates a Worker in the parsed state
func New(cfg Config) (*Worker, error) {
	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if cfg.Network == nil {
		return nil, errors.New("network is required")
	}
	if cfg.CacheName == "" {
		return nil, errors.New("cache name is required")
	}

	stale, err := NewStaleMatcher(cfg.CacheName, cfg.StalePatterns)
	if err != nil {
		return nil, err
	}

	fallback := cfg.FallbackRoute
	if fallback == "" {
		fallback = "/"
	}

	w := &Worker{
		cacheName:     cfg.CacheName,
		routes:        append([]string(nil), cfg.Routes...),
		fallbackRoute: fallback,
		stale:         stale,
		storage:       cfg.Storage,
		network:       cfg.Network,
		events:        cfg.Events,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger.With().Str("component", "worker").Str("cache", cfg.CacheName).Logger(),
		now:           time.Now,
	}
	if w.events == nil {
		w.events = nopSink{}
	}
	if w.recorder == nil {
		w.recorder = nopRecorder{}
	}
	w.state.Store(StateParsed)
	return w, nil
}

// CacheName returns the current version's cache name
func (w *Worker) CacheName() string {
	return w.cacheName
}

// State returns the lifecycle state
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// Active reports whether the worker controls fetches
func (w *Worker) Active() bool {
	return w.current.Load() != nil
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
	w.logger.Debug().Str("state", string(s)).Msg("state changed")
}

func (w *Worker) emit(t EventType, detail string) {
	w.events.Notify(Event{
		Type:   t,
		Cache:  w.cacheName,
		Detail: detail,
		Time:   w.now().UTC(),
	})
}

// Install deletes stale caches, prefetches every route and stores them,
// pinned, in the current cache. Any route failure fails the whole install
// before the cache is opened. On success the current cache switches and the
// worker is activated. Installs are serialised.
func (w *Worker) Install(ctx context.Context) error {
	w.installMu.Lock()
	defer w.installMu.Unlock()

	w.setState(StateInstalling)
	w.emit(EventInstalling, "")
	w.logger.Info().Int("routes", len(w.routes)).Msg("installing")

	if err := w.install(ctx); err != nil {
		// a previously activated version keeps serving
		if w.Active() {
			w.setState(StateActivated)
		} else {
			w.setState(StateRedundant)
		}
		w.recorder.ObserveInstall(false)
		w.emit(EventInstallFailed, err.Error())
		w.logger.Error().Err(err).Msg("install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.recorder.ObserveInstall(true)
	w.logger.Info().Msg("activated")
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	deleted, err := w.deleteStale(ctx)
	if err != nil {
		return err
	}
	if len(deleted) > 0 {
		w.recorder.ObserveStaleDeleted(len(deleted))
		for _, name := range deleted {
			w.emit(EventStaleDeleted, name)
		}
	}

	responses, err := w.prefetch(ctx)
	if err != nil {
		return err
	}

	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	now := w.now().UTC()
	for i, route := range w.routes {
		req := exchange.NewRequest("GET", route)
		entry := responses[i].ToEntry(now)
		entry.Pinned = true
		if err := c.Put(ctx, req.Key(), entry); err != nil {
			return fmt.Errorf("store %s: %w", route, err)
		}
	}
	w.setState(StateInstalled)
	w.emit(EventRoutesCached, fmt.Sprintf("%d routes", len(w.routes)))

	w.setState(StateActivating)
	w.current.Store(&c)
	w.setState(StateActivated)
	w.emit(EventActivated, "")
	return nil
}

// deleteStale removes every cache whose name matches a stale pattern
func (w *Worker) deleteStale(ctx context.Context) ([]string, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if !w.stale.IsStale(name) {
			continue
		}
		ok, err := w.storage.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete stale cache %s: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
			w.logger.Info().Str("stale", name).Msg("deleted stale cache")
		}
	}
	return deleted, nil
}

// prefetch fetches all routes concurrently; any failure cancels the rest
func (w *Worker) prefetch(ctx context.Context) ([]*exchange.Response, error) {
	responses := make([]*exchange.Response, len(w.routes))
	g, gctx := errgroup.WithContext(ctx)
	for i, route := range w.routes {
		g.Go(func() error {
			resp, err := w.network.Fetch(gctx, exchange.NewRequest("GET", route))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", route, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: bad status %d", route, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// Fetch answers an intercepted request
func (w *Worker) Fetch(ctx context.Context, req *exchange.Request) (*exchange.Response, Result, error) {
	cp := w.current.Load()
	if cp == nil {
		w.recorder.ObserveFetch(ResultPassthrough)
		resp, err := w.network.Fetch(ctx, req)
		return resp, ResultPassthrough, err
	}
	c := *cp

	var cached *exchange.Response
	if req.IsGet() {
		cached = w.match(ctx, c, req.Key())
	}

	decision := Plan(req, cached)
	switch decision.Action {
	case ActionBypass:
		w.recorder.ObserveFetch(ResultBypass)
		resp, err := w.network.Fetch(ctx, req)
		return resp, ResultBypass, err

	case ActionServeCached:
		w.recorder.ObserveFetch(ResultHit)
		w.logger.Debug().Str("url", req.URL).Msg("cache hit")
		return decision.Response, ResultHit, nil
	}

	resp, netErr := w.network.Fetch(ctx, req)

	var fallback *exchange.Response
	if netErr != nil {
		w.logger.Debug().Err(netErr).Str("url", req.URL).Msg("network failed, trying fallback")
		fallback = w.fallback(ctx, c, req)
	}

	out := Settle(req, resp, netErr, fallback)
	if out.Store != nil {
		w.store(ctx, c, out.Store)
	}
	w.recorder.ObserveFetch(out.Result)
	return out.Response, out.Result, out.Err
}

// fallback finds what to serve when the network failed for req. A scoped
// request first gets the shared copy of the same page, then its own root,
// then the shared root.
func (w *Worker) fallback(ctx context.Context, c cache.Cache, req *exchange.Request) *exchange.Response {
	root := &exchange.Request{Method: http.MethodGet, URL: w.fallbackRoute, Header: req.Header}

	keys := []string{root.SharedKey()}
	if req.Scope() != "" {
		keys = []string{req.SharedKey(), root.Key(), root.SharedKey()}
	}
	for _, key := range keys {
		if resp := w.match(ctx, c, key); resp != nil {
			return resp
		}
	}
	return nil
}

// match looks up key; lookup errors count as a miss
func (w *Worker) match(ctx context.Context, c cache.Cache, key string) *exchange.Response {
	e, ok, err := c.Match(ctx, key)
	if err != nil {
		w.logger.Warn().Err(err).Str("key", key).Msg("cache lookup failed")
		return nil
	}
	if !ok {
		return nil
	}
	return exchange.FromEntry(e)
}

// store applies a mutation; failures are logged and swallowed
func (w *Worker) store(ctx context.Context, c cache.Cache, m *Mutation) {
	err := c.Put(ctx, m.Key, m.Response.ToEntry(w.now().UTC()))
	w.recorder.ObserveCacheWrite(err == nil)
	if err != nil {
		w.logger.Warn().Err(err).Str("key", m.Key).Msg("cache write failed")
		return
	}
	w.logger.Debug().Str("key", m.Key).Msg("cached response")
}
