package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_RecordAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "T-1", AuditFileName)

	l, err := OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, l.Record("run_started", "T-1", "run_1", "", map[string]any{"plan_hash": "abc"}))
	require.NoError(t, l.Record("step_completed", "T-1", "run_1", "locks", nil))
	require.NoError(t, l.Close())

	entries, err := ReadAuditLog(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run_started", entries[0].EventType)
	assert.Equal(t, "abc", entries[0].Details["plan_hash"])
	assert.Equal(t, "locks", entries[1].Step)
	assert.Len(t, entries[0].Checksum, 64)

	total, bad, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Zero(t, bad)
}

func TestAuditLogger_ChainContinuesAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), AuditFileName)

	for i := 0; i < 2; i++ {
		l, err := OpenAuditLog(path)
		require.NoError(t, err)
		require.NoError(t, l.Record("run_started", "T-1", "run", "", nil))
		require.NoError(t, l.Close())
	}

	total, bad, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Zero(t, bad)
}

func TestVerifyAuditLog_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), AuditFileName)
	l, err := OpenAuditLog(path)
	require.NoError(t, err)
	for _, step := range []string{"secrets", "locks", "commands"} {
		require.NoError(t, l.Record("step_completed", "T-1", "run", step, nil))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"step":"locks"`, `"step":"ports"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	total, bad, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, bad)
}

func TestVerifyAuditLog_DetectsDeletedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), AuditFileName)
	l, err := OpenAuditLog(path)
	require.NoError(t, err)
	for _, step := range []string{"secrets", "locks", "commands"} {
		require.NoError(t, l.Record("step_completed", "T-1", "run", step, nil))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[2]), 0644))

	_, bad, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bad)
}

func TestAuditLogger_NilIsNoop(t *testing.T) {
	var l *AuditLogger
	assert.NoError(t, l.Record("x", "", "", "", nil))
	assert.NoError(t, l.Close())
	assert.Empty(t, l.Path())
}
