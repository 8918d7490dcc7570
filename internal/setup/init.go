// Package setup creates the RUNS/LOCKS layout and example files for a project.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/taskexec/internal/store"
	"github.com/msageha/taskexec/templates"
)

// Layout names the state directories, relative to the project directory
// unless absolute.
type Layout struct {
	RunsDir  string
	LocksDir string
}

// exampleFiles maps embedded templates to the files written next to RUNS.
var exampleFiles = map[string]string{
	"contract.yaml": "contract.example.yaml",
	"tasks.md":      "tasks.example.md",
	"policy.yaml":   "policy.example.yaml",
}

// Run creates the directory layout and writes the example files. It is
// idempotent: existing directories are kept and existing files are never
// overwritten. The created paths are returned.
func Run(projectDir string, layout Layout) ([]string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	if layout.RunsDir == "" || layout.LocksDir == "" {
		return nil, errors.New("runs and locks dirs are required")
	}
	runs := resolve(absDir, layout.RunsDir)
	locks := resolve(absDir, layout.LocksDir)

	var created []string
	dirs := []string{
		absDir,
		runs,
		filepath.Join(runs, "evidence"),
		filepath.Join(runs, store.QuarantineDirName),
		locks,
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err == nil {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return created, fmt.Errorf("create directory %s: %w", d, err)
		}
		created = append(created, d)
	}

	for _, name := range []string{"contract.yaml", "tasks.md", "policy.yaml"} {
		dst := filepath.Join(absDir, exampleFiles[name])
		ok, err := copyTemplateFile(name, dst)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, dst)
		}
	}
	return created, nil
}

func resolve(base, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// copyTemplateFile writes an embedded template unless dst already exists.
func copyTemplateFile(name, dst string) (bool, error) {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return false, fmt.Errorf("read template %s: %w", name, err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", dst, err)
	}
	return true, nil
}
