package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/jobwatch/internal/monitor"
)

type fakeTable struct {
	states  map[int32]ProcState
	procs   []ProcessInfo
	listErr error
}

func (f *fakeTable) Lookup(_ context.Context, pid int32) (ProcState, error) {
	return f.states[pid], nil
}

func (f *fakeTable) List(context.Context) ([]ProcessInfo, error) {
	return f.procs, f.listErr
}

func writePids(t *testing.T, pids map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for host, content := range pids {
		require.NoError(t, os.WriteFile(filepath.Join(dir, host+PidFileSuffix), []byte(content), 0644))
	}
	return dir
}

func TestQueryStatusFromPidFiles(t *testing.T) {
	table := &fakeTable{states: map[int32]ProcState{
		100: ProcLive,
		200: ProcLive,
		300: ProcZombie,
	}}

	tests := []struct {
		name string
		pids map[string]string
		want monitor.JobStatus
	}{
		{"all live", map[string]string{"node-a": "100\n", "node-b": "200"}, monitor.StatusRunning},
		{"one zombie", map[string]string{"node-a": "100", "node-b": "300"}, monitor.StatusTransitional},
		{"one exited", map[string]string{"node-a": "100", "node-b": "999"}, monitor.StatusTransitional},
		{"all exited", map[string]string{"node-a": "998", "node-b": "999"}, monitor.StatusCompletedOrIdle},
		{"no pid files", map[string]string{}, monitor.StatusCompletedOrIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(writePids(t, tt.pids), WithProcessTable(table))
			got, err := q.QueryStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryStatusMissingDirectory(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "absent"), WithProcessTable(&fakeTable{}))
	got, err := q.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusCompletedOrIdle, got)
}

func TestQueryStatusInvalidPidFile(t *testing.T) {
	for _, content := range []string{"", "abc", "-4", "0"} {
		t.Run(fmt.Sprintf("%q", content), func(t *testing.T) {
			dir := writePids(t, map[string]string{"node-a": content})
			q := New(dir, WithProcessTable(&fakeTable{}))
			if _, err := q.QueryStatus(context.Background()); err == nil {
				t.Errorf("Expected error for pid file content %q", content)
			}
		})
	}
}

func TestQueryStatusIgnoresOtherFiles(t *testing.T) {
	dir := writePids(t, map[string]string{"node-a": "100"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a pid"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "old.pid"), 0755))

	q := New(dir, WithProcessTable(&fakeTable{states: map[int32]ProcState{100: ProcLive}}))
	records, err := q.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, PidRecord{File: "node-a.pid", PID: 100, State: ProcLive}, records[0])
}

func TestQueryStatusByProcessName(t *testing.T) {
	table := &fakeTable{procs: []ProcessInfo{
		{PID: 1, Name: "systemd"},
		{PID: 42, Name: "python3", Cmdline: []string{"/usr/bin/python3", "/opt/venv/bin/torchrun", "train.py"}},
	}}

	q := New(t.TempDir(), WithProcessTable(table), WithProcessNames("torchrun"))
	got, err := q.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusRunning, got)

	q = New(t.TempDir(), WithProcessTable(table), WithProcessNames("deepspeed"))
	got, err = q.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusCompletedOrIdle, got)

	q = New(t.TempDir(), WithProcessTable(&fakeTable{listErr: errors.New("proc unavailable")}), WithProcessNames("torchrun"))
	_, err = q.QueryStatus(context.Background())
	assert.Error(t, err)
}

func TestProcessNameScanSkipsSelf(t *testing.T) {
	self := int32(os.Getpid())
	table := &fakeTable{procs: []ProcessInfo{{PID: self, Name: "jobwatch"}}}

	q := New(t.TempDir(), WithProcessTable(table), WithProcessNames("jobwatch"))
	got, err := q.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusCompletedOrIdle, got)
}

func TestGopsutilTableSeesOwnProcess(t *testing.T) {
	state, err := gopsutilTable{}.Lookup(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, ProcLive, state)

	dir := writePids(t, map[string]string{"localhost": fmt.Sprint(os.Getpid())})
	got, err := New(dir).QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitor.StatusRunning, got)
}
