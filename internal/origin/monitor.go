package origin

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Prober checks origin reachability
type Prober interface {
	Probe(ctx context.Context, path string) error
}

// MonitorConfig for creating a new Monitor
type MonitorConfig struct {
	Path     string
	Interval time.Duration
	Timeout  time.Duration
	// OnRecover runs when a probe succeeds after the origin was unreachable
	OnRecover func(ctx context.Context)
	Logger    zerolog.Logger
}

// Monitor periodically probes the origin and reports reachability changes
type Monitor struct {
	prober    Prober
	path      string
	interval  time.Duration
	timeout   time.Duration
	onRecover func(ctx context.Context)
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	reachable bool
	lastCheck time.Time
}

// NewMonitor creates a new Monitor. The origin is assumed reachable until
// the first probe says otherwise.
func NewMonitor(prober Prober, cfg MonitorConfig) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Interval {
		cfg.Timeout = cfg.Interval
	}
	return &Monitor{
		prober:    prober,
		path:      cfg.Path,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		onRecover: cfg.OnRecover,
		logger:    cfg.Logger.With().Str("component", "monitor").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		reachable: true,
	}
}

// Start begins periodic probing
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop stops probing and waits for the loop to exit
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Reachable reports the result of the last probe
func (m *Monitor) Reachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable
}

// MarkUnreachable records the origin as down without probing,
// so the next successful probe counts as a recovery
func (m *Monitor) MarkUnreachable() {
	m.mu.Lock()
	m.reachable = false
	m.mu.Unlock()
}

// LastCheck returns when the last probe finished
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs a single probe and updates reachability
func (m *Monitor) Check() {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	err := m.prober.Probe(ctx, m.path)
	cancel()
	if m.ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	was := m.reachable
	m.reachable = err == nil
	m.lastCheck = time.Now()
	m.mu.Unlock()

	switch {
	case err != nil && was:
		m.logger.Warn().Err(err).Str("path", m.path).Msg("origin unreachable")
	case err == nil && !was:
		m.logger.Info().Str("path", m.path).Msg("origin reachable again")
		if m.onRecover != nil {
			m.onRecover(m.ctx)
		}
	case err != nil:
		m.logger.Debug().Err(err).Msg("origin still unreachable")
	}
}
