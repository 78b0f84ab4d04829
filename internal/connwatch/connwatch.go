// Package connwatch tracks the reachability of mailroom's long-lived
// dependencies (the MQTT broker, a local Ollama server, a shared IMAP
// mailbox) for the health endpoint.
//
// Provider calls made on behalf of a request already retry through
// [backoff]; connwatch only answers "is it up right now" for operators.
// Each watcher probes on the startup schedule of its [backoff.Config]
// until the first success, then polls at a fixed interval and logs
// transitions.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nugget/mailroom/internal/backoff"
)

// Probe reports nil when the service is reachable.
type Probe func(ctx context.Context) error

// Config describes one watched service.
type Config struct {
	Name  string
	Probe Probe

	// Startup is the probe schedule until the first success. The zero
	// value uses 2s doubling to 60s, ten attempts.
	Startup backoff.Config

	// PollInterval is the steady-state probe interval (default 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe (default 10s).
	ProbeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Startup == (backoff.Config{}) {
		c.Startup = backoff.Config{
			InitialDelay: 2 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2,
			MaxRetries:   10,
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
}

// Status is the JSON view of one service.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since,omitzero"`
}

type watcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	status Status
}

func (w *watcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// check runs one probe and records it, returning whether readiness
// changed.
func (w *watcher) check(ctx context.Context) (ready, changed bool, err error) {
	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err = w.cfg.Probe(pctx)
	cancel()

	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	ready = err == nil
	changed = ready != w.status.Ready || w.status.LastCheck.IsZero()
	w.status.Ready = ready
	w.status.LastCheck = now
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	if changed {
		w.status.Since = now
	}
	return ready, changed, err
}

func (w *watcher) run(ctx context.Context) {
	delays := w.cfg.Startup.Delays()
	for attempt := 0; ; attempt++ {
		ready, _, err := w.check(ctx)
		if ready {
			w.logger.Info("service reachable", "service", w.cfg.Name, "attempts", attempt+1)
			break
		}
		if attempt >= len(delays) {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.cfg.Name, "attempts", attempt+1, "error", err)
			break
		}
		w.logger.Debug("startup probe failed",
			"service", w.cfg.Name, "attempt", attempt+1, "next_delay", delays[attempt], "error", err)
		if !sleepCtx(ctx, delays[attempt]) {
			return
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready, changed, err := w.check(ctx)
			switch {
			case changed && ready:
				w.logger.Info("service recovered", "service", w.cfg.Name)
			case changed:
				w.logger.Warn("service became unreachable", "service", w.cfg.Name, "error", err)
			}
		}
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

// Manager owns the watchers. A nil *Manager reports no services.
type Manager struct {
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	watchers map[string]*watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*watcher)}
}

// Watch starts probing cfg.Name until ctx is cancelled. Watching a
// name twice replaces the status entry but not the first goroutine.
func (m *Manager) Watch(ctx context.Context, cfg Config) {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: Config needs Name and Probe")
	}
	cfg.applyDefaults()
	w := &watcher{cfg: cfg, logger: m.logger}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(ctx)
	}()
}

// Status returns a snapshot of every watched service.
func (m *Manager) Status() map[string]Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.snapshot()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	for s := range maps.Values(m.Status()) {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Wait blocks until all watchers have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}
