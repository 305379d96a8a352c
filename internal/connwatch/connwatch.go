// Package connwatch tracks the health of the bridge's external
// dependencies: the downstream brain API, the WhatsApp transport
// sidecar and, when configured, the MQTT broker.
//
// This sits above httpkit's dial retry, which only covers sub-second
// transient errors. A Watcher covers outages measured in seconds to
// minutes: the brain restarting, the sidecar being redeployed, the
// browser behind whatsapp-web.js crashing.
//
// A Watcher probes one service for as long as it runs. While the
// service is down it retries with exponential backoff (2s doubling up
// to 60s); while it is up it polls every PollInterval. Nothing blocks
// on a Watcher: the bridge keeps running with any dependency down, and
// the health report says which.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// warnAfter is how many consecutive failures of a never-seen service
// are tolerated before a warning is logged.
const warnAfter = 5

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failure (default: 2s).
	InitialDelay time.Duration
	// MaxDelay caps retry delay growth (default: 60s).
	MaxDelay time.Duration
	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64
	// PollInterval is the check interval while healthy (default: 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig retries after 2s, 4s, 8s, ... 60s and polls a
// healthy service every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// next grows delay by the multiplier, capped at MaxDelay.
func (c BackoffConfig) next(delay time.Duration) time.Duration {
	return min(time.Duration(float64(delay)*c.Multiplier), c.MaxDelay)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and the health report
	// (e.g. "brain", "whatsapp").
	Name string
	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc
	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig
	// OnChange is called in its own goroutine whenever readiness flips.
	// err is the probe error when ready is false. Optional.
	OnChange func(ready bool, err error)
	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// ServiceStatus is the health of one watched service as reported by
// the control plane's /health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	// Since is when Ready last changed value.
	Since    time.Time `json:"since"`
	Failures int       `json:"consecutive_failures,omitempty"`
	// LastError is the most recent probe error while not ready.
	LastError string `json:"last_error,omitempty"`
}

// Watcher probes one service.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns a copy of the current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	delay := cfg.InitialDelay
	for {
		wait := cfg.PollInterval
		if err := w.check(ctx); err != nil {
			wait = delay
			delay = cfg.next(delay)
		} else {
			delay = cfg.InitialDelay
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// check runs one probe bounded by ProbeTimeout and records the result.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the service.
		return nil
	}

	now := time.Now()
	ready := err == nil

	w.mu.Lock()
	changed := ready != w.status.Ready
	w.status.LastCheck = now
	if changed {
		w.status.Ready = ready
		w.status.Since = now
	}
	if ready {
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	failures := w.status.Failures
	w.mu.Unlock()

	w.report(ready, changed, failures, err)
	return err
}

func (w *Watcher) report(ready, changed bool, failures int, err error) {
	logger := w.config.Logger
	name := w.config.Name

	switch {
	case ready && changed:
		logger.Info("service reachable", "service", name)
	case changed:
		logger.Warn("service became unreachable", "service", name, "error", err)
	case !ready && failures == warnAfter:
		logger.Warn("service still unreachable, retrying in background",
			"service", name,
			"attempts", failures,
			"error", err,
		)
	case !ready:
		logger.Debug("probe failed", "service", name, "attempts", failures, "error", err)
	}

	if changed && w.config.OnChange != nil {
		go w.config.OnChange(ready, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers behind the health report.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. A service starts out not ready until its first probe passes.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: ServiceStatus{Name: cfg.Name, Since: time.Now()},
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched service by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Down returns the sorted names of services that are not ready.
func (m *Manager) Down() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var down []string
	for name, w := range m.watchers {
		if !w.IsReady() {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
