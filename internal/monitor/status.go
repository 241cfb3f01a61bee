package monitor

import (
	"fmt"
	"strings"
)

// JobStatus is the lifecycle state reported by the status collaborator.
type JobStatus int

const (
	StatusRunning JobStatus = iota
	StatusTransitional
	StatusFailed
	StatusCompletedOrIdle
)

func (s JobStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusTransitional:
		return "TRANSITIONAL"
	case StatusFailed:
		return "FAILED"
	case StatusCompletedOrIdle:
		return "COMPLETED_OR_IDLE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether observing this state ends monitoring.
// A failed job keeps being monitored so its logs and diagnostics stay fresh
// until the launcher tears it down.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompletedOrIdle
}

// ParseJobStatus converts a state name as written to status.log back into a JobStatus
func ParseJobStatus(name string) (JobStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "RUNNING":
		return StatusRunning, nil
	case "TRANSITIONAL":
		return StatusTransitional, nil
	case "FAILED":
		return StatusFailed, nil
	case "COMPLETED_OR_IDLE":
		return StatusCompletedOrIdle, nil
	default:
		return 0, fmt.Errorf("unknown job status %q", name)
	}
}
