package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/status"
)

const contractYAML = `task_id: T-200
title: Echo evidence
commands:
  - id: greet
    program: echo
    args: ["hello"]
gates:
  - id: review
    kind: human-review
  - id: check
    exec:
      program: "true"
evidence: ["*.txt"]
`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TASK_EXECUTOR_RUNS_DIR", filepath.Join(dir, "RUNS"))
	t.Setenv("TASK_EXECUTOR_LOCKS_DIR", filepath.Join(dir, "LOCKS"))
	t.Setenv("TASK_EXECUTOR_WORKDIR", dir)
	t.Setenv("TASK_EXECUTOR_LOG_FILE", filepath.Join(dir, "executor.log"))
	t.Setenv("TASK_EXECUTOR_APPROVAL_WAIT", "0s")
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

var planHashLine = regexp.MustCompile(`Plan hash: ([0-9a-f]{16})`)

func TestPlanApproveRunStatus(t *testing.T) {
	dir := setupEnv(t)
	contract := filepath.Join(dir, "contract.yaml")
	require.NoError(t, os.WriteFile(contract, []byte(contractYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("evidence"), 0o644))

	out, err := execute(t, contract, "--plan")
	require.NoError(t, err)
	m := planHashLine.FindStringSubmatch(out)
	require.NotNil(t, m, out)
	hash := m[1]
	_, statErr := os.Stat(filepath.Join(dir, "RUNS"))
	assert.True(t, os.IsNotExist(statErr), "plan mode must not create RUNS")

	_, err = execute(t, contract)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrApprovalMissing)

	approval := filepath.Join(dir, "RUNS", "T-200", ".human_approved")
	require.NoError(t, os.MkdirAll(filepath.Dir(approval), 0o755))
	require.NoError(t, os.WriteFile(approval, []byte(hash+"\n"), 0o644))

	out, err = execute(t, contract)
	require.NoError(t, err)
	assert.Contains(t, out, "T-200 succeeded")
	assert.Contains(t, out, "evidence files: 1")

	out, err = execute(t, "status", "T-200", "--json")
	require.NoError(t, err)
	var s status.RunStatus
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, model.RunStatusSuccess, s.State.Status)
	require.NotNil(t, s.Provenance)
	assert.Len(t, s.Provenance.EvidenceSHA256, 1)
	assert.True(t, s.Approved)
	assert.True(t, s.Audit.Intact)
}

func TestInit(t *testing.T) {
	dir := setupEnv(t)
	target := filepath.Join(dir, "project")

	out, err := execute(t, "init", target)
	require.NoError(t, err)
	assert.Contains(t, out, "contract.example.yaml")

	_, err = os.Stat(filepath.Join(target, "contract.example.yaml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "RUNS", "evidence"))
	assert.NoError(t, err)

	out, err = execute(t, "init", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Already initialized")
}

func TestStatus_UnknownTask(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "status", "T-404")
	assert.ErrorIs(t, err, status.ErrNoRun)
}

func TestRun_InvalidContract(t *testing.T) {
	dir := setupEnv(t)
	contract := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(contract, []byte("title: no id\n"), 0o644))

	_, err := execute(t, contract)
	assert.Error(t, err)
}

const passingYAML = `task_id: T-300
title: Always passes
commands:
  - id: ok
    program: "true"
gates:
  - id: check
    exec:
      program: "true"
evidence: ["*.txt"]
`

const failingYAML = `task_id: T-301
title: Always fails
commands:
  - id: broken
    program: "false"
gates:
  - id: check
    exec:
      program: "true"
`

func TestRun_SeveralContracts(t *testing.T) {
	dir := setupEnv(t)
	passing := filepath.Join(dir, "passing.yaml")
	failing := filepath.Join(dir, "failing.yaml")
	require.NoError(t, os.WriteFile(passing, []byte(passingYAML), 0o644))
	require.NoError(t, os.WriteFile(failing, []byte(failingYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("evidence"), 0o644))

	out, err := execute(t, failing, passing, "--parallel", "2")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCommandFailed)
	assert.Contains(t, out, "T-301 failed")
	assert.Contains(t, out, "T-300 succeeded")
	assert.Contains(t, out, "evidence files: 1")
}

func TestRun_ParallelMustBePositive(t *testing.T) {
	dir := setupEnv(t)
	passing := filepath.Join(dir, "passing.yaml")
	require.NoError(t, os.WriteFile(passing, []byte(passingYAML), 0o644))

	_, err := execute(t, passing, "--parallel", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--parallel")
}
