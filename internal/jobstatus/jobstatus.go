// Package jobstatus reports the lifecycle state of a locally launched job
// from the pid files its launcher leaves behind.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
)

// PidFileSuffix is the extension of launcher pid files
const PidFileSuffix = ".pid"

// ProcState is the liveness of one process
type ProcState int

const (
	ProcMissing ProcState = iota
	ProcLive
	ProcZombie
)

func (s ProcState) String() string {
	switch s {
	case ProcLive:
		return "live"
	case ProcZombie:
		return "zombie"
	default:
		return "missing"
	}
}

// ProcessInfo is a running process as seen by a name scan
type ProcessInfo struct {
	PID     int32
	Name    string
	Cmdline []string
}

// ProcessTable looks up processes on the local host
type ProcessTable interface {
	Lookup(ctx context.Context, pid int32) (ProcState, error)
	List(ctx context.Context) ([]ProcessInfo, error)
}

// PidRecord is one pid file and the state of its process
type PidRecord struct {
	File  string
	PID   int32
	State ProcState
}

// Querier implements monitor.StatusQuerier on top of pid files
type Querier struct {
	pidsDir      string
	processNames []string
	table        ProcessTable
	selfPID      int32
	logger       *logging.Logger
}

// Option customizes a Querier
type Option func(*Querier)

// WithProcessNames enables the process-name fallback
func WithProcessNames(names ...string) Option {
	return func(q *Querier) { q.processNames = append(q.processNames, names...) }
}

// WithProcessTable replaces the gopsutil process table
func WithProcessTable(t ProcessTable) Option {
	return func(q *Querier) { q.table = t }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(q *Querier) { q.logger = l }
}

// New creates a querier reading pid files from pidsDir
func New(pidsDir string, opts ...Option) *Querier {
	q := &Querier{
		pidsDir: pidsDir,
		table:   gopsutilTable{},
		selfPID: int32(os.Getpid()),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueryStatus implements monitor.StatusQuerier
func (q *Querier) QueryStatus(ctx context.Context) (monitor.JobStatus, error) {
	records, err := q.Inspect(ctx)
	if err != nil {
		return 0, err
	}

	if len(records) == 0 {
		return q.statusByName(ctx)
	}

	live := 0
	for _, r := range records {
		if r.State == ProcLive {
			live++
		}
	}

	switch {
	case live == len(records):
		return monitor.StatusRunning, nil
	case live > 0:
		q.logger.Debug("Job partially running", map[string]interface{}{
			"live":  live,
			"total": len(records),
		})
		return monitor.StatusTransitional, nil
	default:
		return monitor.StatusCompletedOrIdle, nil
	}
}

// Inspect reads every pid file and checks its process. A missing pids
// directory means no pid files.
func (q *Querier) Inspect(ctx context.Context) ([]PidRecord, error) {
	entries, err := os.ReadDir(q.pidsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pids directory: %w", err)
	}

	var records []PidRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), PidFileSuffix) {
			continue
		}

		path := filepath.Join(q.pidsDir, entry.Name())
		pid, err := ReadPidFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Removed by the launcher since the listing
				continue
			}
			return nil, err
		}

		state, err := q.table.Lookup(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect pid %d from %s: %w", pid, entry.Name(), err)
		}
		records = append(records, PidRecord{File: entry.Name(), PID: pid, State: state})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].File < records[j].File })
	return records, nil
}

func (q *Querier) statusByName(ctx context.Context) (monitor.JobStatus, error) {
	if len(q.processNames) == 0 {
		return monitor.StatusCompletedOrIdle, nil
	}

	procs, err := q.table.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}
	for _, p := range procs {
		if p.PID == q.selfPID {
			continue
		}
		if q.matches(p) {
			return monitor.StatusRunning, nil
		}
	}
	return monitor.StatusCompletedOrIdle, nil
}

func (q *Querier) matches(p ProcessInfo) bool {
	for _, target := range q.processNames {
		if p.Name == target {
			return true
		}
		for _, arg := range p.Cmdline {
			if filepath.Base(arg) == target {
				return true
			}
		}
	}
	return false
}

// ReadPidFile parses a pid file containing a single positive integer
func ReadPidFile(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.ParseInt(text, 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", filepath.Base(path), text)
	}
	return int32(pid), nil
}

// gopsutilTable is the ProcessTable of the running host
type gopsutilTable struct{}

func (gopsutilTable) Lookup(ctx context.Context, pid int32) (ProcState, error) {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return ProcMissing, err
	}
	if !exists {
		return ProcMissing, nil
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ProcMissing, nil
		}
		return ProcMissing, err
	}

	statuses, err := p.StatusWithContext(ctx)
	if err != nil {
		// Exists but status is unreadable (e.g. another user's process)
		return ProcLive, nil
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return ProcZombie, nil
		}
	}
	return ProcLive, nil
}

func (gopsutilTable) List(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited during the scan
			continue
		}
		cmdline, _ := p.CmdlineSliceWithContext(ctx)
		infos = append(infos, ProcessInfo{PID: p.Pid, Name: name, Cmdline: cmdline})
	}
	return infos, nil
}
