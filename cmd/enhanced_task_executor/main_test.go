package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TASK_EXECUTOR_RUNS_DIR", filepath.Join(dir, "RUNS"))
	t.Setenv("TASK_EXECUTOR_LOCKS_DIR", filepath.Join(dir, "LOCKS"))
	t.Setenv("TASK_EXECUTOR_WORKDIR", dir)
	t.Setenv("TASK_EXECUTOR_LOG_FILE", filepath.Join(dir, "executor.log"))
	t.Setenv("TASK_EXECUTOR_OTEL_ENDPOINT", "")
	t.Setenv("TASK_EXECUTOR_ARCHIVE_ENDPOINT", "")
	t.Setenv("TASK_EXECUTOR_POLICY_FILE", "")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunTasks_Success(t *testing.T) {
	dir := setupEnv(t)
	tasks := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(tasks, []byte("## Phase 1: Setup\n"+
		"- [ ] T001 [P] Say a `echo a`\n"+
		"- [ ] T002 [P] Say b `echo b`\n"+
		"- [x] T003 Done `echo c`\n"), 0o644))

	out, err := execute(t, tasks, "--max-parallel", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed: 3  Failed: 0  Skipped: 1")

	header := strings.Index(out, "== Setup")
	first := strings.Index(out, "T001 (")
	require.GreaterOrEqual(t, header, 0, out)
	require.GreaterOrEqual(t, first, 0, out)
	assert.Less(t, header, first, "phase header must precede its tasks")

	evidence, err := filepath.Glob(filepath.Join(dir, "RUNS", "evidence", "*.json"))
	require.NoError(t, err)
	assert.Len(t, evidence, 2)
}

func TestRunTasks_BlockingFailureExitsNonZero(t *testing.T) {
	dir := setupEnv(t)
	tasks := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(tasks, []byte("## Phase 1: Release (BLOCKING)\n"+
		"- [ ] T001 Fail `false`\n"+
		"## Phase 2: Polish\n"+
		"- [ ] T002 Never `echo never`\n"), 0o644))

	out, err := execute(t, tasks)
	require.ErrorIs(t, err, errTasksFailed)
	assert.Contains(t, out, "blocked_failed")
	assert.Contains(t, out, "not_run")
}

func TestRunTasks_Errors(t *testing.T) {
	dir := setupEnv(t)

	_, err := execute(t, filepath.Join(dir, "missing.md"))
	assert.Error(t, err)

	_, err = execute(t, filepath.Join(dir, "missing.md"), "--max-parallel", "-1")
	assert.ErrorContains(t, err, "max-parallel")

	_, err = execute(t)
	assert.Error(t, err)
}
