package logcollect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/jobwatch/internal/monitor"
)

type collectEnv struct {
	logDir  string
	destDir string
	node    monitor.Node
	clock   time.Time
}

func newCollectEnv(t *testing.T) *collectEnv {
	t.Helper()
	return &collectEnv{
		logDir:  t.TempDir(),
		destDir: t.TempDir(),
		node:    monitor.Node{Host: "localhost", Rank: 0},
		clock:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *collectEnv) appendLog(t *testing.T, text string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(e.logDir, SourceName(e.node)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func (e *collectEnv) collector(cfg Config, opts ...Option) *Collector {
	cfg.LogDir = e.logDir
	c := New(cfg, opts...)
	c.now = func() time.Time {
		e.clock = e.clock.Add(time.Second)
		return e.clock
	}
	return c
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestSourceName(t *testing.T) {
	assert.Equal(t, "host_3_10.0.0.4.output", SourceName(monitor.Node{Host: "10.0.0.4", Rank: 3}))
}

func TestCollectIsIncremental(t *testing.T) {
	env := newCollectEnv(t)
	c := env.collector(Config{})
	ctx := context.Background()

	// No log yet
	path, err := c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	assert.Empty(t, path)

	env.appendLog(t, "step 1\nstep 2\n")
	path, err = c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.True(t, monitor.IsArtifactOf(filepath.Base(path), env.node), "artifact %s must be discoverable", path)
	assert.Equal(t, "step 1\nstep 2\n", readFile(t, path))

	// Nothing new
	again, err := c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	assert.Empty(t, again)

	env.appendLog(t, "step 3\n")
	next, err := c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	assert.Equal(t, "step 3\n", readFile(t, next))
	assert.Greater(t, filepath.Base(next), filepath.Base(path), "artifact names sort by collection time")

	entries, err := os.ReadDir(env.destDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".collect-"), "temp file %s left behind", e.Name())
	}
}

func TestCollectAfterTruncation(t *testing.T) {
	env := newCollectEnv(t)
	c := env.collector(Config{})
	ctx := context.Background()

	env.appendLog(t, "a long first attempt\n")
	_, err := c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(env.logDir, SourceName(env.node)), []byte("restart\n"), 0644))
	path, err := c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	assert.Equal(t, "restart\n", readFile(t, path))
}

func TestCollectTailBytesCapsFirstCollection(t *testing.T) {
	env := newCollectEnv(t)
	c := env.collector(Config{TailBytes: 6})
	ctx := context.Background()

	env.appendLog(t, "0123456789")
	path, err := c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	assert.Equal(t, "456789", readFile(t, path))

	env.appendLog(t, "abcdefghij")
	path, err = c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", readFile(t, path), "only the first collection is capped")

	c.Reset()
	path, err = c.CollectLogs(ctx, env.node, env.destDir)
	require.NoError(t, err)
	assert.Equal(t, "efghij", readFile(t, path))
}

func TestCollectRemoteWithoutDialer(t *testing.T) {
	env := newCollectEnv(t)
	c := env.collector(Config{})

	_, err := c.CollectLogs(context.Background(), monitor.Node{Host: "gpu-17.cluster", Rank: 1}, env.destDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh collection is not configured")
}

func TestLocalHosts(t *testing.T) {
	c := New(Config{LocalHosts: []string{"10.1.2.3"}})
	for _, h := range []string{"localhost", "127.0.0.1", "10.1.2.3"} {
		assert.True(t, c.IsLocal(h), h)
	}
	if name, err := os.Hostname(); err == nil {
		assert.True(t, c.IsLocal(name))
	}
	assert.False(t, c.IsLocal("gpu-17.cluster"))
}

// memSource serves files from memory, standing in for a remote host
type memSource struct {
	files map[string]string
	fail  error
}

func (m *memSource) Size(_ context.Context, path string) (int64, error) {
	if m.fail != nil {
		return 0, m.fail
	}
	content, ok := m.files[path]
	if !ok {
		return 0, os.ErrNotExist
	}
	return int64(len(content)), nil
}

func (m *memSource) CopyRange(_ context.Context, path string, offset, n int64, w io.Writer) (int64, error) {
	content := m.files[path]
	written, err := io.WriteString(w, content[offset:offset+n])
	return int64(written), err
}

type memDialer struct {
	sources map[string]*memSource
	dials   int
	closed  bool
}

func (d *memDialer) Dial(_ context.Context, host string) (Source, error) {
	d.dials++
	src, ok := d.sources[host]
	if !ok {
		return nil, fmt.Errorf("dial tcp %s:22: connection refused", host)
	}
	return src, nil
}

func (d *memDialer) Close() error {
	d.closed = true
	return nil
}

func TestCollectRemoteUsesDialer(t *testing.T) {
	env := newCollectEnv(t)
	node := monitor.Node{Host: "gpu-2", Rank: 1}
	remote := &memSource{files: map[string]string{
		filepath.Join(env.logDir, SourceName(node)): "remote line\n",
	}}
	dialer := &memDialer{sources: map[string]*memSource{"gpu-2": remote}}
	c := env.collector(Config{}, WithDialer(dialer))
	ctx := context.Background()

	path, err := c.CollectLogs(ctx, node, env.destDir)
	require.NoError(t, err)
	assert.Equal(t, "remote line\n", readFile(t, path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "host_1_gpu-2_temp_"))

	_, err = c.CollectLogs(ctx, monitor.Node{Host: "gpu-9", Rank: 2}, env.destDir)
	assert.ErrorContains(t, err, "connection refused")

	remote.fail = errors.New("wc: permission denied")
	_, err = c.CollectLogs(ctx, node, env.destDir)
	assert.ErrorContains(t, err, "permission denied")

	require.NoError(t, c.Close())
	assert.True(t, dialer.closed)
}

func TestShellCommands(t *testing.T) {
	assert.Equal(t, `'/logs/it'\''s.output'`, shellQuote("/logs/it's.output"))
	assert.Equal(t, "tail -c +11 '/l/x' | head -c 5", rangeCommand("/l/x", 10, 5))
	assert.Equal(t, "if [ -e '/l/x' ]; then wc -c < '/l/x'; fi", sizeCommand("/l/x"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh/id_ed25519"), expandHome("~/.ssh/id_ed25519"))
	assert.Equal(t, "/etc/ssh/key", expandHome("/etc/ssh/key"))
}
