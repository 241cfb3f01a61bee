package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/jobwatch/internal/logging"
)

// DefaultStopTimeout bounds how long Stop waits for the loop to exit
const DefaultStopTimeout = 5 * time.Second

const tracerName = "github.com/psantana5/jobwatch/internal/monitor"

var errStopRequested = errors.New("stop requested")

// Config configures a monitor service
type Config struct {
	// Interval is the time between status samples
	Interval time.Duration

	// OutputDir receives status.log and collected-log artifacts
	OutputDir string

	EnableLogCollection bool
	EnableDiagnostics   bool

	// StopTimeout bounds Stop (defaults to DefaultStopTimeout)
	StopTimeout time.Duration
}

// StopReason records why the last monitor loop ended
type StopReason string

const (
	StopReasonJobCompleted StopReason = "job_completed"
	StopReasonStopped      StopReason = "stopped"
	StopReasonInterrupted  StopReason = "interrupted"
	StopReasonCrashed      StopReason = "crashed"
)

// TickReport summarizes one loop iteration
type TickReport struct {
	RunID       string
	Seq         int
	StartedAt   time.Time
	Duration    time.Duration
	Status      JobStatus
	StatusKnown bool
	// Err is the tick-level error, if any. Per-node failures only count in Failures.
	Err       error
	Nodes     int
	Collected int
	Diagnosed int
	Failures  int
	Terminal  bool
}

// TickObserver is called on the loop goroutine after every tick.
// Observers must not block; a panic in an observer ends the loop.
type TickObserver func(TickReport)

// Option customizes a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer overrides the tracer used for tick and dispatch spans
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithTickObserver registers a callback invoked after each tick
func WithTickObserver(o TickObserver) Option {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

// WithFailureLogSize sets how many recent failures are kept
func WithFailureLogSize(n int) Option {
	return func(s *Service) { s.failures = NewFailureLog(n) }
}

// Summary is a point-in-time snapshot of the service
type Summary struct {
	Running              bool          `json:"is_running"`
	Interval             time.Duration `json:"-"`
	IntervalSeconds      float64       `json:"interval_seconds"`
	LogCollectionEnabled bool          `json:"log_collection_enabled"`
	DiagnosticsEnabled   bool          `json:"diagnostic_enabled"`
	OutputDir            string        `json:"monitor_log_dir"`
	LoopAlive            bool          `json:"loop_alive"`

	RunID      string     `json:"run_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	Ticks      int64      `json:"ticks"`
	LastStatus string     `json:"last_status,omitempty"`
	LastTickAt time.Time  `json:"last_tick_at"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Health     string     `json:"health"`
}

// Service runs the monitor loop on a background goroutine
type Service struct {
	cfg       Config
	collab    Collaborators
	logger    *logging.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	observers []TickObserver
	statusLog *StatusLog
	health    *HealthCheck
	failures  *FailureLog

	// Lifecycle
	mu         sync.Mutex
	running    bool
	cancel     context.CancelCauseFunc
	done       chan struct{}
	runID      string
	startedAt  time.Time
	stopReason StopReason

	// Statistics
	stats struct {
		Ticks           int64
		LastStatus      JobStatus
		LastStatusKnown bool
		LastTickAt      time.Time
	}
	statsMu sync.RWMutex
}

// New validates cfg, creates the output directory and returns a stopped service
func New(cfg Config, collab Collaborators, opts ...Option) (*Service, error) {
	if cfg.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("monitor output directory is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if collab.Status == nil {
		return nil, errors.New("a status querier is required")
	}
	if cfg.EnableLogCollection && collab.Logs == nil {
		return nil, errors.New("log collection is enabled but no log collector is configured")
	}
	if cfg.EnableDiagnostics && collab.Reports == nil {
		return nil, errors.New("diagnostics are enabled but no diagnostic reporter is configured")
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create monitor output directory %s: %w", cfg.OutputDir, err)
	}

	s := &Service{
		cfg:       cfg,
		collab:    collab,
		statusLog: NewStatusLog(cfg.OutputDir),
		health:    NewHealthCheck(cfg.Interval),
		failures:  NewFailureLog(50),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger(logging.INFO, false)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}

	return s, nil
}

// Start launches the monitor loop. The loop ends when the job reaches a
// terminal state, Stop is called, or ctx is canceled. Calling Start while
// the service is running is a no-op. Start returns ErrLoopStillAlive if a
// stopped loop has not exited yet.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("Monitor is already running", map[string]interface{}{"run_id": s.runID})
		return nil
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrLoopStillAlive
		}
	}

	loopCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	s.running = true
	s.cancel = cancel
	s.done = done
	s.runID = uuid.NewString()
	s.startedAt = time.Now()
	s.stopReason = ""

	s.statsMu.Lock()
	s.stats.Ticks = 0
	s.stats.LastStatusKnown = false
	s.stats.LastTickAt = time.Time{}
	s.statsMu.Unlock()

	s.health.Reset()
	s.metrics.setRunning(true)

	s.logger.Info("Starting job monitor", map[string]interface{}{
		"run_id":         s.runID,
		"interval":       s.cfg.Interval.String(),
		"output_dir":     s.cfg.OutputDir,
		"log_collection": s.cfg.EnableLogCollection,
		"diagnostics":    s.cfg.EnableDiagnostics,
	})

	go s.run(loopCtx, cancel, done, s.runID)
	return nil
}

// Stop asks the loop to exit at its next check point and waits up to
// StopTimeout for it. In-flight collaborator calls are not interrupted.
// Stop on a stopped service does nothing.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	if done == nil {
		return
	}
	cancel(errStopRequested)

	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("Monitor loop did not exit within stop timeout", map[string]interface{}{
			"timeout": s.cfg.StopTimeout.String(),
		})
	}
}

// Done returns a channel closed when the current loop has exited.
// It is closed already if the service was never started.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// StopReason returns why the last loop ended, or "" while running
func (s *Service) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// StatusSummary returns a snapshot of the service state
func (s *Service) StatusSummary() Summary {
	s.mu.Lock()
	sum := Summary{
		Running:              s.running,
		Interval:             s.cfg.Interval,
		IntervalSeconds:      s.cfg.Interval.Seconds(),
		LogCollectionEnabled: s.cfg.EnableLogCollection,
		DiagnosticsEnabled:   s.cfg.EnableDiagnostics,
		OutputDir:            s.cfg.OutputDir,
		RunID:                s.runID,
		StartedAt:            s.startedAt,
		StopReason:           s.stopReason,
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			sum.LoopAlive = true
		}
	}
	s.mu.Unlock()

	s.statsMu.RLock()
	sum.Ticks = s.stats.Ticks
	sum.LastTickAt = s.stats.LastTickAt
	if s.stats.LastStatusKnown {
		sum.LastStatus = s.stats.LastStatus.String()
	}
	s.statsMu.RUnlock()

	sum.Health = s.health.GetStatus().String()
	return sum
}

// Health returns the service health tracker
func (s *Service) Health() *HealthCheck {
	return s.health
}

// Failures returns the recent failure log
func (s *Service) Failures() *FailureLog {
	return s.failures
}

// StatusLogPath returns the location of status.log
func (s *Service) StatusLogPath() string {
	return s.statusLog.Path()
}

// run owns ctx and releases it on exit, whatever the stop reason
func (s *Service) run(ctx context.Context, cancel context.CancelCauseFunc, done chan struct{}, runID string) {
	reason := StopReasonInterrupted

	defer close(done)
	defer cancel(nil)
	defer func() { s.finish(runID, reason) }()
	defer func() {
		if r := recover(); r != nil {
			reason = StopReasonCrashed
			s.logger.Error("Monitor loop crashed", map[string]interface{}{
				"run_id": runID,
				"panic":  fmt.Sprint(r),
			})
		}
	}()

	// Give the job one interval to come up before the first sample
	if !sleepCtx(ctx, s.cfg.Interval) {
		reason = cancelReason(ctx)
		return
	}

	for seq := 1; ; seq++ {
		report := s.tick(ctx, runID, seq)
		if report.Terminal {
			reason = StopReasonJobCompleted
			return
		}

		wait := s.cfg.Interval - time.Since(report.StartedAt)
		if wait < 0 {
			wait = 0
		}
		if !sleepCtx(ctx, wait) {
			reason = cancelReason(ctx)
			return
		}
	}
}

func (s *Service) finish(runID string, reason StopReason) {
	if err := s.statusLog.Close(); err != nil {
		s.logger.Warn("Failed to close status log", map[string]interface{}{"error": err.Error()})
	}

	s.mu.Lock()
	s.running = false
	s.stopReason = reason
	s.mu.Unlock()

	s.metrics.setRunning(false)

	s.statsMu.RLock()
	ticks := s.stats.Ticks
	s.statsMu.RUnlock()

	s.logger.Info("Monitor loop ended", map[string]interface{}{
		"run_id": runID,
		"reason": string(reason),
		"ticks":  ticks,
	})
}

func cancelReason(ctx context.Context) StopReason {
	if errors.Is(context.Cause(ctx), errStopRequested) {
		return StopReasonStopped
	}
	return StopReasonInterrupted
}

// sleepCtx waits for d unless ctx ends first. It reports whether the loop
// should keep going.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) tick(ctx context.Context, runID string, seq int) TickReport {
	report := TickReport{RunID: runID, Seq: seq, StartedAt: time.Now()}

	ctx, span := s.tracer.Start(ctx, "monitor.tick", trace.WithAttributes(
		attribute.String("monitor.run_id", runID),
		attribute.Int("monitor.tick", seq),
	))
	defer span.End()

	// Collaborators keep the span but never see loop cancellation
	callCtx := context.WithoutCancel(ctx)

	status, err := s.sampleStatus(callCtx)
	if err != nil {
		s.tickFailed(&report, NewDispatchError(StageStatus, Node{}, err))
		return s.finishTick(span, report)
	}
	report.Status = status
	report.StatusKnown = true
	span.SetAttributes(attribute.String("job.status", status.String()))

	if err := s.statusLog.Append(time.Now(), status); err != nil {
		s.tickFailed(&report, NewDispatchError(StageStatus, Node{}, err))
	}

	if status.IsTerminal() {
		s.logger.Info("Job reached terminal state, stopping monitor", map[string]interface{}{
			"status": status.String(),
		})
		report.Terminal = true
		return s.finishTick(span, report)
	}

	if !s.cfg.EnableLogCollection && !s.cfg.EnableDiagnostics {
		return s.finishTick(span, report)
	}

	nodes, err := s.enumerateNodes(callCtx)
	if err != nil {
		s.tickFailed(&report, NewDispatchError(StageTopology, Node{}, err))
		return s.finishTick(span, report)
	}
	report.Nodes = len(nodes)

	var artifacts map[Node]string
	if s.cfg.EnableLogCollection {
		err := protect(func() error {
			artifacts = s.dispatchLogCollection(callCtx, nodes, &report)
			return nil
		})
		if err != nil {
			s.tickFailed(&report, NewDispatchError(StageCollect, Node{}, err))
		}
	}

	if s.cfg.EnableDiagnostics {
		err := protect(func() error {
			return s.dispatchDiagnostics(callCtx, nodes, artifacts, &report)
		})
		if err != nil {
			s.tickFailed(&report, NewDispatchError(StageDiagnose, Node{}, err))
		}
	}

	return s.finishTick(span, report)
}

func (s *Service) sampleStatus(ctx context.Context) (JobStatus, error) {
	var status JobStatus
	err := protect(func() error {
		var err error
		status, err = s.collab.Status.QueryStatus(ctx)
		return err
	})
	return status, err
}

func (s *Service) enumerateNodes(ctx context.Context) ([]Node, error) {
	if s.collab.Topology == nil {
		return EnumerateNodes(nil), nil
	}

	var topo Topology
	err := protect(func() error {
		var err error
		topo, err = s.collab.Topology.Topology(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return EnumerateNodes(topo), nil
}

// dispatchLogCollection collects every node's log in enumeration order and
// returns the artifact paths obtained this tick.
func (s *Service) dispatchLogCollection(ctx context.Context, nodes []Node, report *TickReport) map[Node]string {
	artifacts := make(map[Node]string, len(nodes))

	for _, node := range nodes {
		nodeCtx, span := s.tracer.Start(ctx, "monitor.collect", nodeAttributes(node))

		var path string
		err := protect(func() error {
			var err error
			path, err = s.collab.Logs.CollectLogs(nodeCtx, node, s.cfg.OutputDir)
			return err
		})

		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.nodeFailed(report, NewDispatchError(StageCollect, node, err))
		case path == "":
			s.logger.Debug("No new log output", nodeFields(node))
			s.metrics.observeDispatch(StageCollect, "skipped")
		default:
			if !filepath.IsAbs(path) {
				path = filepath.Join(s.cfg.OutputDir, path)
			}
			artifacts[node] = path
			report.Collected++
			s.health.RecordDispatchSuccess()
			s.metrics.observeDispatch(StageCollect, "ok")
			s.logger.Info("Collected logs", withField(nodeFields(node), "artifact", path))
		}
		span.End()
	}

	return artifacts
}

// dispatchDiagnostics reports on each node's newest artifact. Artifacts
// handed over by collection this tick are used directly; otherwise the
// output directory is scanned once for the whole tick.
func (s *Service) dispatchDiagnostics(ctx context.Context, nodes []Node, artifacts map[Node]string, report *TickReport) error {
	var entries []os.DirEntry
	scanned := false

	for _, node := range nodes {
		path := artifacts[node]
		if path == "" {
			if !scanned {
				var err error
				entries, err = os.ReadDir(s.cfg.OutputDir)
				if err != nil {
					return fmt.Errorf("failed to list monitor directory: %w", err)
				}
				scanned = true
			}
			path = latestArtifact(s.cfg.OutputDir, entries, node)
		}

		if path == "" {
			s.logger.Debug("No collected log found, skipping diagnostics", nodeFields(node))
			s.metrics.observeDispatch(StageDiagnose, "skipped")
			continue
		}

		nodeCtx, span := s.tracer.Start(ctx, "monitor.diagnose", nodeAttributes(node))
		var reportPath string
		err := protect(func() error {
			var err error
			reportPath, err = s.collab.Reports.GenerateReport(nodeCtx, node, path, ReportToFile)
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.nodeFailed(report, NewDispatchError(StageDiagnose, node, err))
		} else {
			report.Diagnosed++
			s.health.RecordDispatchSuccess()
			s.metrics.observeDispatch(StageDiagnose, "ok")
			s.logger.Info("Generated diagnostic report", withField(nodeFields(node), "report", reportPath))
		}
		span.End()
	}

	return nil
}

// LatestArtifact returns the newest collected-log artifact for node in dir,
// or "" when there is none.
func LatestArtifact(dir string, node Node) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	return latestArtifact(dir, entries, node), nil
}

// latestArtifact picks the newest matching file. Equal modification times
// are broken by the lexicographically greatest name.
func latestArtifact(dir string, entries []os.DirEntry, node Node) string {
	var (
		bestName string
		bestTime time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() || !IsArtifactOf(entry.Name(), node) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat
			continue
		}
		mod := info.ModTime()
		if bestName == "" || mod.After(bestTime) || (mod.Equal(bestTime) && entry.Name() > bestName) {
			bestName = entry.Name()
			bestTime = mod
		}
	}
	if bestName == "" {
		return ""
	}
	return filepath.Join(dir, bestName)
}

func (s *Service) tickFailed(report *TickReport, derr *DispatchError) {
	report.Err = derr
	report.Failures++
	s.health.RecordTickFailure(derr)
	s.failures.Record(derr)
	s.logger.Error("Monitor tick failed", map[string]interface{}{
		"stage":      string(derr.Stage),
		"error":      derr.Err.Error(),
		"error_type": derr.Type.String(),
	})
}

func (s *Service) nodeFailed(report *TickReport, derr *DispatchError) {
	report.Failures++
	s.health.RecordDispatchFailure(derr)
	s.failures.Record(derr)
	s.metrics.observeDispatch(derr.Stage, "error")

	fields := nodeFields(derr.Node)
	fields["stage"] = string(derr.Stage)
	fields["error"] = derr.Err.Error()
	fields["error_type"] = derr.Type.String()
	s.logger.Error("Node dispatch failed", fields)
}

func (s *Service) finishTick(span trace.Span, report TickReport) TickReport {
	report.Duration = time.Since(report.StartedAt)

	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, report.Err.Error())
	} else {
		s.health.RecordTickSuccess()
	}
	span.SetAttributes(
		attribute.Int("monitor.nodes", report.Nodes),
		attribute.Int("monitor.failures", report.Failures),
	)

	s.statsMu.Lock()
	s.stats.Ticks++
	s.stats.LastTickAt = report.StartedAt
	if report.StatusKnown {
		s.stats.LastStatus = report.Status
		s.stats.LastStatusKnown = true
	}
	s.statsMu.Unlock()

	s.metrics.observeTick(report)

	for _, observe := range s.observers {
		observe(report)
	}
	return report
}

func nodeAttributes(n Node) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("node.host", n.Host),
		attribute.Int("node.rank", n.Rank),
	)
}

func nodeFields(n Node) map[string]interface{} {
	return map[string]interface{}{"host": n.Host, "rank": n.Rank}
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	fields[key] = value
	return fields
}
