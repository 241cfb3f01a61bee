package diagnostic

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxLineLength = 1 << 20
	maxSampleLen  = 240
)

// Match counts the lines that hit one signature
type Match struct {
	Signature
	Count      int       `json:"count"`
	FirstLine  int       `json:"first_line"`
	Sample     string    `json:"sample"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	SourceFile string    `json:"source_file,omitempty"`
}

// Result is the outcome of scanning one or more logs of a node
type Result struct {
	Host     string    `json:"host"`
	Rank     int       `json:"rank"`
	LogPath  string    `json:"log_path"`
	Lines    int       `json:"lines"`
	Bytes    int64     `json:"bytes"`
	Scans    int       `json:"scans"`
	Matches  []Match   `json:"matches"`
	Updated  time.Time `json:"updated"`
	LastTail []string  `json:"-"`
}

// HasFailures reports whether any signature matched
func (r *Result) HasFailures() bool {
	return len(r.Matches) > 0
}

// Scan streams r line by line and records signature hits. Memory use is
// bounded by the longest line, not the log size. Overlong lines are
// truncated rather than failing the scan.
func Scan(r io.Reader, sigs []Signature, tailLines int) (*Result, error) {
	now := time.Now()
	res := &Result{Scans: 1, Updated: now}
	byKeyword := make(map[string]*Match)

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, n, err := readLine(br)
		if n > 0 || err == nil {
			res.Lines++
			res.Bytes += int64(n)

			lower := strings.ToLower(line)
			for _, sig := range sigs {
				if !strings.Contains(lower, sig.Keyword) {
					continue
				}
				m, ok := byKeyword[sig.Keyword]
				if !ok {
					m = &Match{
						Signature: sig,
						FirstLine: res.Lines,
						Sample:    truncate(strings.TrimSpace(line), maxSampleLen),
						FirstSeen: now,
					}
					byKeyword[sig.Keyword] = m
				}
				m.Count++
				m.LastSeen = now
			}

			if tailLines > 0 {
				res.LastTail = append(res.LastTail, truncate(line, maxSampleLen))
				if len(res.LastTail) > tailLines {
					res.LastTail = res.LastTail[1:]
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}
	}

	for _, sig := range sigs {
		if m, ok := byKeyword[sig.Keyword]; ok {
			res.Matches = append(res.Matches, *m)
		}
	}
	return res, nil
}

// readLine returns the next line without its newline. Bytes beyond
// maxLineLength are consumed and dropped.
func readLine(br *bufio.Reader) (string, int, error) {
	var sb strings.Builder
	total := 0
	for {
		chunk, err := br.ReadSlice('\n')
		total += len(chunk)
		if sb.Len() < maxLineLength {
			room := maxLineLength - sb.Len()
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			sb.Write(chunk)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		line := strings.TrimRight(sb.String(), "\r\n")
		return line, total, err
	}
}

// Merge folds a newer scan of the same node into r
func (r *Result) Merge(next *Result) {
	r.Lines += next.Lines
	r.Bytes += next.Bytes
	r.Scans += next.Scans
	r.Updated = next.Updated
	r.LogPath = next.LogPath
	if len(next.LastTail) > 0 {
		r.LastTail = next.LastTail
	}

	index := make(map[string]int, len(r.Matches))
	for i, m := range r.Matches {
		index[m.Keyword] = i
	}
	for _, m := range next.Matches {
		if i, ok := index[m.Keyword]; ok {
			r.Matches[i].Count += m.Count
			r.Matches[i].LastSeen = m.LastSeen
			continue
		}
		index[m.Keyword] = len(r.Matches)
		r.Matches = append(r.Matches, m)
	}
}

func (r *Result) clone() *Result {
	cp := *r
	cp.Matches = append([]Match(nil), r.Matches...)
	cp.LastTail = append([]string(nil), r.LastTail...)
	return &cp
}

// Categories returns the distinct categories that matched, sorted
func (r *Result) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.Matches {
		c := m.Category
		if c == "" {
			c = "other"
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
