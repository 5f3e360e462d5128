package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"offlinegate/internal/cache"
	"offlinegate/internal/cache/sqlitestore"
	"offlinegate/internal/config"
	"offlinegate/internal/metrics"
	"offlinegate/internal/origin"
	"offlinegate/internal/proxy"
	"offlinegate/internal/worker"
	"offlinegate/internal/ws"
)

// Server represents the main server
type Server struct {
	cfg         *config.Config
	storage     cache.Storage
	origin      *origin.Client
	monitor     *origin.Monitor
	worker      *worker.Worker
	hub         *ws.Hub
	metrics     *metrics.Metrics
	proxyServer *http.Server
	adminServer *http.Server
	logger      zerolog.Logger
}

// OpenStorage creates the cache storage selected by config
func OpenStorage(cfg *config.Config, logger zerolog.Logger) (cache.Storage, error) {
	switch cfg.Cache.Store {
	case config.StoreSQLite:
		s, err := sqlitestore.Open(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info().Str("path", cfg.Cache.Path).Msg("using sqlite cache storage")
		return s, nil
	default:
		s, err := cache.NewMemoryStorage(cfg.Cache.Size)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory store: %w", err)
		}
		logger.Info().Int("size", cfg.Cache.Size).Msg("using memory cache storage")
		return s, nil
	}
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	storage, err := OpenStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := origin.NewClientFromConfig(cfg.Origin, logger)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to create origin client: %w", err)
	}
	if cfg.Origin.IsCircuitBreakerEnabled() {
		logger.Info().
			Int("failureThreshold", cfg.Origin.CircuitBreaker.FailureThreshold).
			Int("recoveryTimeout", cfg.Origin.CircuitBreaker.RecoveryTimeout).
			Msg("origin circuit breaker enabled")
	}

	hub := ws.NewHub(logger)
	m := metrics.New()

	w, err := worker.New(worker.Config{
		CacheName:     cfg.Cache.Name,
		StalePatterns: cfg.Cache.StalePatterns,
		Routes:        cfg.Cache.Routes,
		FallbackRoute: cfg.Cache.FallbackRoute,
		Storage:       storage,
		Network:       client,
		Events:        hub,
		Recorder:      m,
		Logger:        logger,
	})
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		storage: storage,
		origin:  client,
		worker:  w,
		hub:     hub,
		metrics: m,
		logger:  logger,
	}

	if hc := cfg.Origin.HealthCheck; cfg.Origin.IsHealthCheckEnabled() {
		s.monitor = origin.NewMonitor(client, origin.MonitorConfig{
			Path:      hc.Path,
			Interval:  hc.GetIntervalDuration(),
			Timeout:   cfg.Origin.GetRequestTimeoutDuration(),
			OnRecover: s.installIfInactive,
			Logger:    logger,
		})
		logger.Info().
			Str("path", hc.Path).
			Int("interval", hc.Interval).
			Msg("origin health check enabled")
	}

	return s, nil
}

// installIfInactive retries the install once the origin comes back
// and no version is serving yet
func (s *Server) installIfInactive(ctx context.Context) {
	if s.worker.Active() {
		return
	}
	if err := s.worker.Install(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("install retry failed")
	}
}

// Worker returns the offline cache worker
func (s *Server) Worker() *worker.Worker {
	return s.worker
}

// ProxyHandler returns the browser-facing handler
func (s *Server) ProxyHandler() http.Handler {
	return proxy.NewHandler(s.worker, s.cfg, s.logger)
}

// AdminHandler returns the operator endpoints
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /caches", s.handleListCaches)
	mux.HandleFunc("GET /caches/{name}", s.handleListEntries)
	mux.HandleFunc("DELETE /caches/{name}", s.handleDeleteCache)
	mux.HandleFunc("POST /install", s.handleInstall)
	mux.Handle("GET /events", ws.NewHandler(s.hub, s.logger))
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Start installs the worker and starts both listeners.
// A failed install is logged; requests then pass through to the origin.
func (s *Server) Start(ctx context.Context) error {
	if err := s.worker.Install(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("serving without offline cache until a successful install")
		if s.monitor != nil {
			s.monitor.MarkUnreachable()
		}
	}
	if s.monitor != nil {
		s.monitor.Start()
	}

	s.proxyServer = &http.Server{
		Addr:         s.cfg.ProxyAddr(),
		Handler:      s.ProxyHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.adminServer = &http.Server{
		Addr:        s.cfg.AdminAddr(),
		Handler:     s.AdminHandler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", s.proxyServer.Addr).
			Str("origin", s.origin.URL()).
			Msg("starting proxy server")
		if err := s.proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("proxy server error")
		}
	}()

	go func() {
		s.logger.Info().
			Str("addr", s.adminServer.Addr).
			Msg("starting admin server")
		if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.hub.CloseAll()

	var proxyErr, adminErr error
	if s.proxyServer != nil {
		proxyErr = s.proxyServer.Shutdown(ctx)
	}
	if s.adminServer != nil {
		adminErr = s.adminServer.Shutdown(ctx)
	}

	if err := s.storage.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close cache storage")
	}

	if proxyErr != nil {
		return fmt.Errorf("proxy server shutdown error: %w", proxyErr)
	}
	if adminErr != nil {
		return fmt.Errorf("admin server shutdown error: %w", adminErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

type statusResponse struct {
	Cache       string   `json:"cache"`
	State       string   `json:"state"`
	Active      bool     `json:"active"`
	Origin      string   `json:"origin"`
	Breaker     string   `json:"breaker"`
	Reachable   *bool    `json:"reachable,omitempty"`
	Routes      []string `json:"routes"`
	Subscribers int      `json:"subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var reachable *bool
	if s.monitor != nil {
		ok := s.monitor.Reachable()
		reachable = &ok
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Reachable:   reachable,
		Cache:       s.worker.CacheName(),
		State:       string(s.worker.State()),
		Active:      s.worker.Active(),
		Origin:      s.origin.URL(),
		Breaker:     s.origin.BreakerState(),
		Routes:      s.cfg.Cache.Routes,
		Subscribers: s.hub.Len(),
	})
}

type cacheInfo struct {
	cache.Stats
	Current bool `json:"current"`
}

func (s *Server) handleListCaches(w http.ResponseWriter, r *http.Request) {
	stats, err := cache.Describe(r.Context(), s.storage)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to describe caches")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]cacheInfo, 0, len(stats))
	for _, st := range stats {
		out = append(out, cacheInfo{Stats: st, Current: st.Name == s.worker.CacheName()})
	}
	writeJSON(w, http.StatusOK, out)
}

type entryInfo struct {
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Scope    string    `json:"scope,omitempty"`
	Pinned   bool      `json:"pinned"`
	Status   int       `json:"status"`
	Bytes    int       `json:"bytes"`
	StoredAt time.Time `json:"storedAt"`
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := r.Context()

	exists, err := s.storage.Has(ctx, name)
	if err == nil && !exists {
		http.Error(w, "cache not found", http.StatusNotFound)
		return
	}
	var c cache.Cache
	if err == nil {
		c, err = s.storage.Open(ctx, name)
	}
	var keys []string
	if err == nil {
		keys, err = c.Keys(ctx)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("cache", name).Msg("failed to list entries")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]entryInfo, 0, len(keys))
	for _, key := range keys {
		e, ok, err := c.Match(ctx, key)
		if err != nil || !ok {
			continue
		}
		method, url, scope := cache.SplitKey(key)
		out = append(out, entryInfo{
			Method:   method,
			URL:      url,
			Scope:    scope,
			Pinned:   e.Pinned,
			Status:   e.Status,
			Bytes:    e.Size(),
			StoredAt: e.StoredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteCache(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == s.worker.CacheName() && s.worker.Active() {
		http.Error(w, "cannot delete the active cache", http.StatusConflict)
		return
	}
	deleted, err := s.storage.Delete(r.Context(), name)
	if err != nil {
		s.logger.Error().Err(err).Str("cache", name).Msg("failed to delete cache")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "cache not found", http.StatusNotFound)
		return
	}
	s.logger.Info().Str("cache", name).Msg("cache deleted by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if err := s.worker.Install(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.handleStatus(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
