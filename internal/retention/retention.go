// Package retention removes collected-log artifacts and history ticks that
// are past their retention limits.
package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
)

// artifactMarker separates a node's artifact prefix from the timestamp
const artifactMarker = "_temp_"

// Config defines the retention policy. A zero limit disables that rule.
type Config struct {
	Interval       time.Duration
	ArtifactMaxAge time.Duration
	KeepPerNode    int
	HistoryMaxAge  time.Duration
}

// DefaultConfig returns a policy that only sets the sweep interval
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Minute}
}

// Enabled reports whether any rule would remove something
func (c Config) Enabled() bool {
	return c.ArtifactMaxAge > 0 || c.KeepPerNode > 0 || c.HistoryMaxAge > 0
}

// HistoryPruner deletes history older than a cutoff
type HistoryPruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Result describes one sweep
type Result struct {
	ArtifactsRemoved int
	BytesRemoved     int64
	TicksRemoved     int64
	Duration         time.Duration
}

// Stats accumulates sweeps since the manager was created
type Stats struct {
	Runs             int64         `json:"runs"`
	LastRun          time.Time     `json:"last_run"`
	LastDuration     time.Duration `json:"last_duration"`
	ArtifactsRemoved int64         `json:"artifacts_removed"`
	BytesRemoved     int64         `json:"bytes_removed"`
	TicksRemoved     int64         `json:"ticks_removed"`
}

// Manager periodically applies the retention policy to the monitor output
// directory and, when configured, the tick history.
type Manager struct {
	cfg     Config
	dir     string
	history HistoryPruner
	logger  *logging.Logger
	now     func() time.Time

	removed *prometheus.CounterVec

	mu    sync.Mutex
	stats Stats
}

// Option configures a Manager
type Option func(*Manager)

// WithHistory prunes ticks older than Config.HistoryMaxAge from h
func WithHistory(h HistoryPruner) Option {
	return func(m *Manager) { m.history = h }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegisterer exports removal counters to reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.removed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_retention_removed_total",
			Help: "Items removed by the retention sweeper",
		}, []string{"kind"})
		reg.MustRegister(m.removed)
	}
}

// New creates a manager for the artifacts in dir
func New(dir string, cfg Config, opts ...Option) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	m := &Manager{
		cfg:    cfg,
		dir:    dir,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps once immediately and then every interval until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enabled() {
		m.logger.Debug("Retention disabled")
		return nil
	}

	m.logger.Info("Starting retention sweeper", map[string]interface{}{
		"interval":         m.cfg.Interval.String(),
		"artifact_max_age": m.cfg.ArtifactMaxAge.String(),
		"keep_per_node":    m.cfg.KeepPerNode,
		"history_max_age":  m.cfg.HistoryMaxAge.String(),
	})

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("Retention sweep incomplete", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep applies the policy once. Errors on individual files do not stop
// the sweep; they are joined into the returned error.
func (m *Manager) Sweep(ctx context.Context) (Result, error) {
	start := m.now()
	var res Result
	var errs []error

	if m.cfg.ArtifactMaxAge > 0 || m.cfg.KeepPerNode > 0 {
		n, bytes, err := m.pruneArtifacts(start)
		res.ArtifactsRemoved, res.BytesRemoved = n, bytes
		if err != nil {
			errs = append(errs, err)
		}
	}

	if m.history != nil && m.cfg.HistoryMaxAge > 0 {
		n, err := m.history.Prune(ctx, start.Add(-m.cfg.HistoryMaxAge))
		if err != nil {
			errs = append(errs, err)
		}
		res.TicksRemoved = n
	}

	res.Duration = m.now().Sub(start)

	m.mu.Lock()
	m.stats.Runs++
	m.stats.LastRun = start
	m.stats.LastDuration = res.Duration
	m.stats.ArtifactsRemoved += int64(res.ArtifactsRemoved)
	m.stats.BytesRemoved += res.BytesRemoved
	m.stats.TicksRemoved += res.TicksRemoved
	m.mu.Unlock()

	if m.removed != nil {
		m.removed.WithLabelValues("artifact").Add(float64(res.ArtifactsRemoved))
		m.removed.WithLabelValues("tick").Add(float64(res.TicksRemoved))
	}

	if res.ArtifactsRemoved > 0 || res.TicksRemoved > 0 {
		m.logger.Info("Retention sweep removed old data", map[string]interface{}{
			"artifacts": res.ArtifactsRemoved,
			"bytes":     res.BytesRemoved,
			"ticks":     res.TicksRemoved,
			"duration":  res.Duration.String(),
		})
	}
	return res, errors.Join(errs...)
}

// Stats returns a copy of the accumulated statistics
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

type artifact struct {
	name string
	mod  time.Time
	size int64
}

// pruneArtifacts never removes a node's newest artifact, which is the one
// diagnostics and `jobwatch nodes` read.
func (m *Manager) pruneArtifacts(now time.Time) (int, int64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	groups := make(map[string][]artifact)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := artifactKey(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		groups[key] = append(groups[key], artifact{name: entry.Name(), mod: info.ModTime(), size: info.Size()})
	}

	var (
		removed int
		bytes   int64
		errs    []error
	)
	for _, files := range groups {
		sortNewestFirst(files)
		for i, f := range files {
			if i == 0 {
				continue
			}
			expired := m.cfg.ArtifactMaxAge > 0 && now.Sub(f.mod) > m.cfg.ArtifactMaxAge
			surplus := m.cfg.KeepPerNode > 0 && i >= m.cfg.KeepPerNode
			if !expired && !surplus {
				continue
			}
			if err := os.Remove(filepath.Join(m.dir, f.name)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
				continue
			}
			removed++
			bytes += f.size
		}
	}
	return removed, bytes, errors.Join(errs...)
}

// artifactKey returns the per-node prefix of an artifact file name
func artifactKey(name string) (string, bool) {
	if !strings.HasPrefix(name, "host_") || !strings.HasSuffix(name, monitor.ArtifactSuffix) {
		return "", false
	}
	i := strings.Index(name, artifactMarker)
	if i < 0 {
		return "", false
	}
	return name[:i+len(artifactMarker)], true
}

// sortNewestFirst orders like monitor.LatestArtifact: newest mtime first,
// ties broken by the greatest name.
func sortNewestFirst(files []artifact) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.After(files[j].mod)
		}
		return files[i].name > files[j].name
	})
}
