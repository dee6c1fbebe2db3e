package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/config"
	"github.com/bilsimaging/Radio-Imaging-Audio-Generator/internal/providers"
)

// Status is the last observed state of one upstream.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor periodically probes upstream services and records their health.
type Monitor struct {
	checks   map[string]providers.HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	statuses  map[string]Status
	startOnce sync.Once
}

// NewMonitor constructs a monitor using the health configuration.
func NewMonitor(checks map[string]providers.HealthChecker, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > interval {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	filtered := make(map[string]providers.HealthChecker, len(checks))
	for name, check := range checks {
		if check != nil {
			filtered[name] = check
		}
	}
	return &Monitor{
		checks:   filtered,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		statuses: make(map[string]Status, len(filtered)),
	}
}

// Start begins the monitoring loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || len(m.checks) == 0 {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes every upstream concurrently and waits for the results.
func (m *Monitor) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup
	for name, check := range m.checks {
		wg.Add(1)
		go func(name string, check providers.HealthChecker) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			status := Status{Name: name, Healthy: true, CheckedAt: time.Now().UTC()}
			if err := check.HealthCheck(timeoutCtx); err != nil {
				status.Healthy = false
				status.Error = err.Error()
			}
			m.record(status)
		}(name, check)
	}
	wg.Wait()
}

func (m *Monitor) record(status Status) {
	m.mu.Lock()
	prev, seen := m.statuses[status.Name]
	m.statuses[status.Name] = status
	m.mu.Unlock()

	if seen && prev.Healthy == status.Healthy {
		return
	}
	if status.Healthy {
		m.logger.Info("upstream healthy", slog.String("upstream", status.Name))
	} else {
		m.logger.Warn("upstream unhealthy", slog.String("upstream", status.Name), slog.String("error", status.Error))
	}
}

// Snapshot returns the latest status of each probed upstream, sorted by name.
func (m *Monitor) Snapshot() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
