package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/taskexec/internal/logging"
)

// QuarantineDirName is the directory under RUNS that holds corrupt files.
const QuarantineDirName = "quarantine"

// Quarantine moves a corrupt file to <runsDir>/quarantine/<base>.<ts>.corrupt.
func Quarantine(runsDir, path string, logger *logging.Logger) (string, error) {
	dir := filepath.Join(runsDir, QuarantineDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	logger.Warnf("quarantined corrupt file %s -> %s", path, dst)
	return dst, nil
}

// RestoreFromBackup copies <path>.bak over path if the backup decodes.
func RestoreFromBackup(path string, logger *logging.Logger) error {
	bak := path + ".bak"
	content, err := os.ReadFile(bak)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no backup file: %s", bak)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateJSON(content); err != nil {
		return fmt.Errorf("backup is also corrupt: %w", err)
	}
	if err := AtomicWriteRaw(path, content, validateJSON); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	logger.Infof("restored %s from backup", path)
	return nil
}

// RecoverCorrupted quarantines path and then tries the .bak copy. It returns
// true when path holds valid content again.
func RecoverCorrupted(runsDir, path string, logger *logging.Logger) (bool, error) {
	if _, err := Quarantine(runsDir, path, logger); err != nil {
		return false, err
	}
	if err := RestoreFromBackup(path, logger); err != nil {
		logger.Warnf("backup restore failed for %s: %v", path, err)
		return false, nil
	}
	return true, nil
}
