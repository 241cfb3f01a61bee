package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrInvalidInterval is returned by New for a non-positive polling interval
	ErrInvalidInterval = errors.New("monitor interval must be positive")
	// ErrLoopStillAlive is returned by Start when a previous loop did not exit within the stop timeout
	ErrLoopStillAlive = errors.New("previous monitor loop is still running")
)

// Stage names the part of a tick an error came from
type Stage string

const (
	StageStatus   Stage = "status"
	StageTopology Stage = "topology"
	StageCollect  Stage = "collect"
	StageDiagnose Stage = "diagnose"
)

// ErrorType categorizes errors for handling strategy
type ErrorType int

const (
	ErrorTypeUnknown   ErrorType = iota
	ErrorTypeTransient           // Temporary, the next tick may succeed
	ErrorTypePermanent           // Needs operator attention
	ErrorTypeResource            // Resource exhaustion on the monitor host
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeResource:
		return "resource"
	default:
		return "unknown"
	}
}

// DispatchError wraps a contained failure with the stage and node it belongs to.
// Node is the zero value for tick-level failures.
type DispatchError struct {
	Type      ErrorType
	Stage     Stage
	Node      Node
	Err       error
	Timestamp time.Time
}

// Error implements error interface
func (e *DispatchError) Error() string {
	if e.Node.Host == "" {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.Node, e.Err)
}

// Unwrap implements error unwrapping
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a classified dispatch error
func NewDispatchError(stage Stage, node Node, err error) *DispatchError {
	var classifier ErrorClassifier
	return &DispatchError{
		Type:      classifier.Classify(err),
		Stage:     stage,
		Node:      node,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// ErrorClassifier determines error type from error content
type ErrorClassifier struct{}

// Classify determines error type from error
func (ec ErrorClassifier) Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return ErrorTypeTransient
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EMFILE):
		return ErrorTypeResource
	case errors.Is(err, os.ErrPermission), errors.Is(err, os.ErrNotExist):
		return ErrorTypePermanent
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"temporary failure",
		"resource temporarily unavailable",
		"no route to host",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeTransient
		}
	}

	resourcePatterns := []string{
		"out of memory",
		"too many open files",
		"no space left",
		"disk quota exceeded",
	}
	for _, pattern := range resourcePatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTypeResource
		}
	}

	return ErrorTypePermanent
}
