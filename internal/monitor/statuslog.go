package monitor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StatusLogName is the file the service appends one record per tick to
const StatusLogName = "status.log"

const statusTimeLayout = "2006-01-02 15:04:05"

// StatusRecord is one parsed line of status.log
type StatusRecord struct {
	Time   time.Time `json:"time"`
	Status string    `json:"status"`
}

// StatusLog is the append-only status record file. The service is its only
// writer; the file is opened on first append and closed when the loop ends.
type StatusLog struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewStatusLog creates a status log in dir
func NewStatusLog(dir string) *StatusLog {
	return &StatusLog{path: filepath.Join(dir, StatusLogName)}
}

// Path returns the status log location
func (l *StatusLog) Path() string {
	return l.path
}

// FormatStatusLine renders a status record line, including the trailing newline
func FormatStatusLine(t time.Time, status JobStatus) string {
	return fmt.Sprintf("[%s] Status: %s\n", t.Format(statusTimeLayout), status)
}

// Append writes one record. Each record goes out in a single write on an
// O_APPEND descriptor so concurrent readers never see a partial line.
func (l *StatusLog) Append(t time.Time, status JobStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open status log: %w", err)
		}
		l.file = f
	}

	if _, err := l.file.WriteString(FormatStatusLine(t, status)); err != nil {
		return fmt.Errorf("failed to write status log: %w", err)
	}
	return nil
}

// Close releases the file handle. A later Append reopens it.
func (l *StatusLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ParseStatusLine parses "[YYYY-MM-DD HH:MM:SS] Status: NAME"
func ParseStatusLine(line string) (StatusRecord, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "[") {
		return StatusRecord{}, fmt.Errorf("malformed status line %q", line)
	}
	end := strings.Index(line, "]")
	if end < 0 {
		return StatusRecord{}, fmt.Errorf("malformed status line %q", line)
	}

	ts, err := time.ParseInLocation(statusTimeLayout, line[1:end], time.Local)
	if err != nil {
		return StatusRecord{}, fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}

	rest := strings.TrimSpace(line[end+1:])
	name, ok := strings.CutPrefix(rest, "Status:")
	if !ok {
		return StatusRecord{}, fmt.Errorf("malformed status line %q", line)
	}

	return StatusRecord{Time: ts, Status: strings.TrimSpace(name)}, nil
}

// ReadStatusLog parses every complete line of a status log. A trailing
// partial line (a write in progress) is ignored.
func ReadStatusLog(path string) ([]StatusRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	content := string(data)
	if i := strings.LastIndex(content, "\n"); i >= 0 {
		content = content[:i+1]
	} else {
		content = ""
	}

	var records []StatusRecord
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		rec, err := ParseStatusLine(scanner.Text())
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
