package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("Messages below WARN should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "WARN: warn message") {
		t.Errorf("Expected warn message, got: %s", out)
	}
	if !strings.Contains(out, "ERROR: error message") {
		t.Errorf("Expected error message, got: %s", out)
	}
}

func TestWithFieldSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, false)
	logger.SetOutput(&buf)

	child := logger.WithField("host", "node-a").WithField("rank", 3)
	child.Info("collected")

	out := buf.String()
	if !strings.Contains(out, "host=node-a rank=3") {
		t.Errorf("Expected sorted fields in output, got: %s", out)
	}

	// Parent must not inherit the child's fields
	buf.Reset()
	logger.Info("plain")
	if strings.Contains(buf.String(), "host=") {
		t.Errorf("Parent logger leaked child fields: %s", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, true)
	logger.SetOutput(&buf)

	logger.Error("tick failed", map[string]interface{}{"tick": 4})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%s)", err, buf.String())
	}
	if entry.Level != "ERROR" || entry.Message != "tick failed" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Fields["tick"] != float64(4) {
		t.Errorf("Expected tick field 4, got %v", entry.Fields["tick"])
	}
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, false)
	logger.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.WithField("worker", i).Info("line")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("Expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[") || !strings.Contains(line, "INFO: line worker=") {
			t.Errorf("Malformed line: %q", line)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}
