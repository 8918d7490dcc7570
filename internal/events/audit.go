package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditFileName is the per-task audit trail under RUNS/<task_id>/.
const AuditFileName = "audit.jsonl"

// AuditEntry is one line of the audit trail. Checksum chains each entry to
// the previous one, so deleting or editing a line breaks verification of
// every later line.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Step      string         `json:"step,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum"`
}

// AuditLogger appends checksummed entries to a JSONL file, fsyncing each one.
type AuditLogger struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	last  string
	now   func() time.Time
	count int
}

// OpenAuditLog opens path for appending, continuing the checksum chain of any
// entries already present.
func OpenAuditLog(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	last, err := lastChecksum(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{
		file: f,
		path: path,
		last: last,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record appends an entry. A nil logger is a no-op so callers that run
// without an audit trail (plan mode) need no branches.
func (l *AuditLogger) Record(eventType, taskID, runID, step string, details map[string]any) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := AuditEntry{
		Timestamp: l.now(),
		EventType: eventType,
		TaskID:    taskID,
		RunID:     runID,
		Step:      step,
		Details:   details,
	}
	sum, err := entryChecksum(l.last, entry)
	if err != nil {
		return err
	}
	entry.Checksum = sum

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.last = sum
	l.count++
	return nil
}

func (l *AuditLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func entryChecksum(prev string, entry AuditEntry) (string, error) {
	entry.Checksum = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func lastChecksum(path string) (string, error) {
	entries, err := ReadAuditLog(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Checksum, nil
}

// ReadAuditLog decodes every entry of an audit file.
func ReadAuditLog(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

// VerifyAuditLog returns the number of entries and the 1-based index of the
// first entry whose chained checksum does not verify (0 when all do).
func VerifyAuditLog(path string) (total, firstBad int, err error) {
	entries, err := ReadAuditLog(path)
	if err != nil {
		return 0, 0, err
	}
	prev := ""
	for i, e := range entries {
		want, err := entryChecksum(prev, e)
		if err != nil {
			return len(entries), i + 1, err
		}
		if want != e.Checksum {
			return len(entries), i + 1, nil
		}
		prev = e.Checksum
	}
	return len(entries), 0, nil
}
