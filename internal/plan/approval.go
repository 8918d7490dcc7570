package plan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/taskexec/internal/logging"
	"github.com/msageha/taskexec/internal/model"
)

// ApprovalFileName is written by the reviewer into RUNS/<task_id>/.
const ApprovalFileName = ".human_approved"

// CheckApproval compares the trimmed content of the approval file with hash.
func CheckApproval(path, hash string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.NewSecurityError(model.ErrApprovalMissing,
				"human review required: write %s into %s", hash, path)
		}
		return model.NewSecurityError(model.ErrApprovalMissing, "read %s: %v", path, err)
	}
	got := string(bytes.TrimSpace(data))
	if got != hash {
		return model.NewSecurityError(model.ErrPlanHashMismatch,
			"approved %q, current plan is %q", got, hash)
	}
	return nil
}

// WaitForApproval blocks until CheckApproval succeeds or ctx is done, in which
// case the last CheckApproval error is returned. The approval directory is
// created if needed so it can be watched.
func WaitForApproval(ctx context.Context, path, hash string, logger *logging.Logger) error {
	if err := CheckApproval(path, hash); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create approval dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Re-check after the watch is in place so a write in between is not missed.
	last := CheckApproval(path, hash)
	if last == nil {
		return nil
	}
	logger.Infof("waiting for approval file=%s plan_hash=%s", path, hash)

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return last
		case event, ok := <-watcher.Events:
			if !ok {
				return last
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			if last = CheckApproval(path, hash); last == nil {
				logger.Infof("approval received plan_hash=%s", hash)
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return last
			}
			logger.Errorf("fsnotify error=%v", err)
		}
	}
}
