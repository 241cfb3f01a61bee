package diagnostic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
)

const defaultTailLines = 20

// ReportName is the file name of a node's diagnostic report
func ReportName(node monitor.Node) string {
	return fmt.Sprintf("host_%d_%s_diagnostic.txt", node.Rank, node.Host)
}

// Uploader stores a written report somewhere durable
type Uploader interface {
	Upload(ctx context.Context, node monitor.Node, localPath string) (string, error)
}

// Reporter implements monitor.DiagnosticReporter. In file mode it keeps
// a cumulative view per node so that incremental log artifacts add up to
// one report instead of the last fragment only.
type Reporter struct {
	signatures []Signature
	tailLines  int
	uploader   Uploader
	logger     *logging.Logger
	now        func() time.Time

	mu    sync.Mutex
	nodes map[monitor.Node]*nodeHistory
}

// nodeHistory folds every artifact of a node into base, except the most
// recent scan. The latest artifact is rescanned whenever nothing new was
// collected, so it stays separate and is replaced rather than added.
type nodeHistory struct {
	base *Result
	last *Result
}

// Option configures a Reporter
type Option func(*Reporter)

// WithSignatures replaces the default signature set
func WithSignatures(sigs []Signature) Option {
	return func(r *Reporter) { r.signatures = sigs }
}

// WithUploader archives every written report
func WithUploader(u Uploader) Option {
	return func(r *Reporter) { r.uploader = u }
}

// WithLogger sets the reporter's logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// WithTailLines sets how many trailing log lines a report quotes. Zero disables the excerpt.
func WithTailLines(n int) Option {
	return func(r *Reporter) { r.tailLines = n }
}

// NewReporter creates a reporter using the default signatures
func NewReporter(opts ...Option) *Reporter {
	r := &Reporter{
		signatures: DefaultSignatures,
		tailLines:  defaultTailLines,
		logger:     logging.Discard(),
		now:        time.Now,
		nodes:      make(map[monitor.Node]*nodeHistory),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateReport scans logPath. In inline mode the report covers that
// log alone and its text is returned. In file mode the node's cumulative
// report is written next to the log and its path is returned.
func (r *Reporter) GenerateReport(ctx context.Context, node monitor.Node, logPath string, mode monitor.ReportMode) (string, error) {
	res, err := r.scanFile(node, logPath)
	if err != nil {
		return "", err
	}

	if mode == monitor.ReportInline {
		return Render(res, r.now()), nil
	}

	cumulative := r.record(node, logPath, res)
	reportPath := filepath.Join(filepath.Dir(logPath), ReportName(node))
	if err := writeAtomic(reportPath, Render(cumulative, r.now())); err != nil {
		return "", err
	}

	if res.HasFailures() {
		r.logger.Warn("Failure signatures detected", map[string]interface{}{
			"host":       node.Host,
			"rank":       node.Rank,
			"categories": strings.Join(res.Categories(), ","),
			"report":     reportPath,
		})
	}

	if r.uploader != nil {
		location, err := r.uploader.Upload(ctx, node, reportPath)
		if err != nil {
			// The local report is the deliverable; archival is best effort
			r.logger.Warn("Failed to archive diagnostic report", map[string]interface{}{
				"host":  node.Host,
				"rank":  node.Rank,
				"error": err.Error(),
			})
		} else {
			r.logger.Debug("Diagnostic report archived", map[string]interface{}{"location": location})
		}
	}

	return reportPath, nil
}

// Snapshot returns the node's cumulative result, or nil if none was recorded
func (r *Reporter) Snapshot(node monitor.Node) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.nodes[node]
	if !ok {
		return nil
	}
	return h.merged(node)
}

func (r *Reporter) scanFile(node monitor.Node, logPath string) (*Result, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	res, err := Scan(f, r.signatures, r.tailLines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", logPath, err)
	}
	res.Host = node.Host
	res.Rank = node.Rank
	res.LogPath = logPath
	res.Updated = r.now()
	for i := range res.Matches {
		res.Matches[i].SourceFile = filepath.Base(logPath)
		res.Matches[i].FirstSeen = res.Updated
		res.Matches[i].LastSeen = res.Updated
	}
	return res, nil
}

func (r *Reporter) record(node monitor.Node, logPath string, res *Result) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.nodes[node]
	if !ok {
		h = &nodeHistory{base: &Result{Host: node.Host, Rank: node.Rank}}
		r.nodes[node] = h
	}
	if h.last != nil && h.last.LogPath != logPath {
		h.base.Merge(h.last)
	}
	h.last = res
	return h.merged(node)
}

func (h *nodeHistory) merged(node monitor.Node) *Result {
	out := h.base.clone()
	out.Host, out.Rank = node.Host, node.Rank
	if h.last != nil {
		out.Merge(h.last.clone())
	}
	return out
}

// Render formats a result as a human-readable report
func Render(res *Result, generated time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Diagnostic report for %s (node %d)\n", res.Host, res.Rank)
	fmt.Fprintf(&b, "Generated: %s\n", generated.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Log: %s\n", res.LogPath)
	fmt.Fprintf(&b, "Scanned: %d lines, %d bytes", res.Lines, res.Bytes)
	if res.Scans > 1 {
		fmt.Fprintf(&b, " across %d artifacts", res.Scans)
	}
	b.WriteString("\n\n")

	if !res.HasFailures() {
		b.WriteString("No known failure signatures detected.\n")
	} else {
		fmt.Fprintf(&b, "Detected issues (%s):\n", strings.Join(res.Categories(), ", "))
		for _, m := range res.Matches {
			category := m.Category
			if category == "" {
				category = "other"
			}
			fmt.Fprintf(&b, "  [%s] %s: %d occurrence(s)", category, m.Description, m.Count)
			if m.SourceFile != "" {
				fmt.Fprintf(&b, ", first in %s line %d", m.SourceFile, m.FirstLine)
			} else {
				fmt.Fprintf(&b, ", first at line %d", m.FirstLine)
			}
			b.WriteString("\n")
			if m.Sample != "" {
				fmt.Fprintf(&b, "      > %s\n", m.Sample)
			}
		}
	}

	if len(res.LastTail) > 0 {
		b.WriteString("\nLast lines:\n")
		for _, line := range res.LastTail {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}

func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
