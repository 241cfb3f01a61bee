package monitor

import (
	"context"
	"fmt"
)

// ReportMode selects how a diagnostic report is delivered
type ReportMode int

const (
	// ReportToFile writes the report to disk and returns its path
	ReportToFile ReportMode = iota
	// ReportInline returns the report text
	ReportInline
)

// StatusQuerier reports the lifecycle state of the monitored job
type StatusQuerier interface {
	QueryStatus(ctx context.Context) (JobStatus, error)
}

// LogCollector retrieves a node's output log into destDir.
// It returns the artifact path, or "" when nothing was collected.
type LogCollector interface {
	CollectLogs(ctx context.Context, node Node, destDir string) (string, error)
}

// DiagnosticReporter scans a collected log for known failure signatures.
// In ReportToFile mode the result is the written report's path, in
// ReportInline mode it is the report text.
type DiagnosticReporter interface {
	GenerateReport(ctx context.Context, node Node, logPath string, mode ReportMode) (string, error)
}

// StatusFunc adapts a function to StatusQuerier
type StatusFunc func(ctx context.Context) (JobStatus, error)

func (f StatusFunc) QueryStatus(ctx context.Context) (JobStatus, error) {
	return f(ctx)
}

// CollectFunc adapts a function to LogCollector
type CollectFunc func(ctx context.Context, node Node, destDir string) (string, error)

func (f CollectFunc) CollectLogs(ctx context.Context, node Node, destDir string) (string, error) {
	return f(ctx, node, destDir)
}

// ReportFunc adapts a function to DiagnosticReporter
type ReportFunc func(ctx context.Context, node Node, logPath string, mode ReportMode) (string, error)

func (f ReportFunc) GenerateReport(ctx context.Context, node Node, logPath string, mode ReportMode) (string, error) {
	return f(ctx, node, logPath, mode)
}

// Collaborators bundles the external operations the service orchestrates.
// Topology may be nil, in which case only the local node is monitored.
type Collaborators struct {
	Status   StatusQuerier
	Logs     LogCollector
	Reports  DiagnosticReporter
	Topology TopologySource
}

// protect runs fn and turns a panic into an error so that nothing raised by
// a collaborator escapes the loop goroutine.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
