package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/store"
)

// TaskRecord is the on-disk form of one task attempt.
type TaskRecord struct {
	model.ExecutionResult
	ContentHash string    `json:"content_hash"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// ContentHash is hex SHA-256 over taskID, output and error concatenated.
func ContentHash(taskID, output, errText string) string {
	sum := sha256.Sum256([]byte(taskID + output + errText))
	return hex.EncodeToString(sum[:])
}

// TaskRecorder writes RUNS/evidence/<task_id>_<timestamp>.json.
type TaskRecorder struct {
	dir string
	now func() time.Time
}

func NewTaskRecorder(dir string) *TaskRecorder {
	return &TaskRecorder{dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

func (r *TaskRecorder) Dir() string { return r.dir }

// Record persists res atomically and returns the file path.
func (r *TaskRecorder) Record(res model.ExecutionResult) (string, error) {
	name := res.TaskID
	if err := model.ValidateName("task_id", name); err != nil {
		name = model.TaskIDFromDescription(res.TaskID)
	}
	now := r.now()
	rec := TaskRecord{
		ExecutionResult: res,
		ContentHash:     ContentHash(res.TaskID, res.Output, res.Error),
		RecordedAt:      now,
	}
	path := filepath.Join(r.dir, fmt.Sprintf("%s_%s.json", name, now.Format("20060102T150405.000000000Z")))
	rec.EvidencePath = path
	if err := store.AtomicWriteJSON(path, rec); err != nil {
		return "", fmt.Errorf("write evidence for %s: %w", res.TaskID, err)
	}
	return path, nil
}

// Load reads a TaskRecord back and reports whether its content hash still matches.
func Load(path string) (TaskRecord, bool, error) {
	var rec TaskRecord
	if err := store.ReadJSON(path, &rec); err != nil {
		return TaskRecord{}, false, err
	}
	return rec, rec.ContentHash == ContentHash(rec.TaskID, rec.Output, rec.Error), nil
}
