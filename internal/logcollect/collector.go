// Package logcollect copies the new part of each node's training log into
// the monitor directory, reading local files directly and remote ones over SSH.
package logcollect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
)

const artifactTimeLayout = "20060102_150405.000000"

// SourceName is the launcher's log file name for a node
func SourceName(node monitor.Node) string {
	return fmt.Sprintf("host_%d_%s.output", node.Rank, node.Host)
}

// Source reads a log file on some host
type Source interface {
	// Size returns the current file size; a missing file reports os.ErrNotExist
	Size(ctx context.Context, path string) (int64, error)
	// CopyRange copies n bytes starting at offset into w
	CopyRange(ctx context.Context, path string, offset, n int64, w io.Writer) (int64, error)
}

// Dialer returns a Source for a remote host
type Dialer interface {
	Dial(ctx context.Context, host string) (Source, error)
	Close() error
}

// Config configures a Collector
type Config struct {
	// LogDir is where the launcher writes host_<rank>_<host>.output, on every host
	LogDir string
	// TailBytes caps the first collection of each node, 0 copies the whole log
	TailBytes int64
	// LocalHosts are read from disk without SSH, in addition to localhost and this host's name
	LocalHosts []string
}

// Collector implements monitor.LogCollector. Each call copies only the bytes
// appended since the previous collection of the same node.
type Collector struct {
	cfg        Config
	localHosts map[string]bool
	local      Source
	remote     Dialer
	logger     *logging.Logger
	now        func() time.Time

	mu      sync.Mutex
	offsets map[monitor.Node]int64
}

// Option customizes a Collector
type Option func(*Collector)

// WithDialer enables collection from remote hosts
func WithDialer(d Dialer) Option {
	return func(c *Collector) { c.remote = d }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New creates a collector
func New(cfg Config, opts ...Option) *Collector {
	c := &Collector{
		cfg:        cfg,
		localHosts: localHostSet(cfg.LocalHosts),
		local:      localSource{},
		logger:     logging.Discard(),
		now:        time.Now,
		offsets:    make(map[monitor.Node]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func localHostSet(extra []string) map[string]bool {
	set := map[string]bool{
		monitor.LocalHost: true,
		"127.0.0.1":       true,
		"::1":             true,
	}
	if name, err := os.Hostname(); err == nil {
		set[name] = true
		for i := 0; i < len(name); i++ {
			if name[i] == '.' {
				set[name[:i]] = true
				break
			}
		}
	}
	for _, h := range extra {
		set[h] = true
	}
	return set
}

// IsLocal reports whether host is read from the local filesystem
func (c *Collector) IsLocal(host string) bool {
	return c.localHosts[host]
}

// CollectLogs implements monitor.LogCollector
func (c *Collector) CollectLogs(ctx context.Context, node monitor.Node, destDir string) (string, error) {
	src, err := c.source(ctx, node.Host)
	if err != nil {
		return "", err
	}

	path := filepath.Join(c.cfg.LogDir, SourceName(node))
	size, err := src.Size(ctx, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Debug("Log not created yet", map[string]interface{}{"host": node.Host, "path": path})
			return "", nil
		}
		return "", fmt.Errorf("failed to stat %s on %s: %w", path, node.Host, err)
	}

	c.mu.Lock()
	offset, seen := c.offsets[node]
	c.mu.Unlock()

	switch {
	case size < offset:
		c.logger.Info("Log truncated, collecting from the start", map[string]interface{}{
			"host": node.Host, "rank": node.Rank,
		})
		offset = 0
	case !seen && c.cfg.TailBytes > 0 && size > c.cfg.TailBytes:
		offset = size - c.cfg.TailBytes
	}
	if size == offset {
		return "", nil
	}

	artifact := filepath.Join(destDir, fmt.Sprintf("%s%s%s",
		monitor.ArtifactPrefix(node), c.now().Format(artifactTimeLayout), monitor.ArtifactSuffix))

	n, err := c.writeArtifact(ctx, src, path, offset, size-offset, artifact)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}

	c.mu.Lock()
	c.offsets[node] = offset + n
	c.mu.Unlock()

	return artifact, nil
}

// Reset forgets collection offsets so the next collection starts over
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = make(map[monitor.Node]int64)
}

// Close releases remote connections
func (c *Collector) Close() error {
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

func (c *Collector) source(ctx context.Context, host string) (Source, error) {
	if c.IsLocal(host) {
		return c.local, nil
	}
	if c.remote == nil {
		return nil, fmt.Errorf("host %s is remote and ssh collection is not configured", host)
	}
	return c.remote.Dial(ctx, host)
}

// writeArtifact copies the range into a hidden temp file and renames it
// into place, so the artifact never appears half written.
func (c *Collector) writeArtifact(ctx context.Context, src Source, path string, offset, n int64, artifact string) (int64, error) {
	dir := filepath.Dir(artifact)
	tmp, err := os.CreateTemp(dir, ".collect-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := src.CopyRange(ctx, path, offset, n, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to copy %s: %w", path, err)
	}
	if written == 0 {
		return 0, nil
	}

	if err := os.Rename(tmpPath, artifact); err != nil {
		return 0, fmt.Errorf("failed to rename artifact: %w", err)
	}
	return written, nil
}

// localSource reads files on this host
type localSource struct{}

func (localSource) Size(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (localSource) CopyRange(_ context.Context, path string, offset, n int64, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	written, err := io.CopyN(w, f, n)
	if errors.Is(err, io.EOF) {
		// Truncated under us; keep what was there
		err = nil
	}
	return written, err
}
