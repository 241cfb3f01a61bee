package monitor

import (
	"sync"
	"time"
)

// FailureSample is one contained failure, kept for instant root cause
// without log diving.
type FailureSample struct {
	Time    time.Time `json:"time"`
	Stage   Stage     `json:"stage"`
	Host    string    `json:"host,omitempty"`
	Rank    int       `json:"rank"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
}

// FailureLog maintains a ring buffer of recent failures (last N)
type FailureLog struct {
	samples []FailureSample
	maxSize int
	total   int64
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log with fixed size
func NewFailureLog(maxSize int) *FailureLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &FailureLog{
		samples: make([]FailureSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a failure sample, dropping the oldest when full
func (f *FailureLog) Record(err *DispatchError) {
	sample := FailureSample{
		Time:    err.Timestamp,
		Stage:   err.Stage,
		Host:    err.Node.Host,
		Rank:    err.Node.Rank,
		Type:    err.Type.String(),
		Message: err.Err.Error(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.total++
	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, sample)
}

// GetRecent returns recent failures (newest first)
func (f *FailureLog) GetRecent(n int) []FailureSample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}

	result := make([]FailureSample, n)
	for i := 0; i < n; i++ {
		result[i] = f.samples[len(f.samples)-1-i]
	}
	return result
}

// Count returns the number of failures currently buffered
func (f *FailureLog) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}

// Total returns the number of failures ever recorded
func (f *FailureLog) Total() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.total
}
