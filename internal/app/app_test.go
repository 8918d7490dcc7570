package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskexec/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		RunsDir:        filepath.Join(dir, "RUNS"),
		LocksDir:       filepath.Join(dir, "LOCKS"),
		WorkDir:        dir,
		CommandTimeout: time.Minute,
		LogLevel:       "debug",
		LogFile:        filepath.Join(dir, "logs", "executor.log"),
	}
}

func TestFromConfig_DefaultPolicy(t *testing.T) {
	cfg := testConfig(t)
	a, err := FromConfig(context.Background(), cfg, "test")
	require.NoError(t, err)

	assert.True(t, a.Policy.Allows("pytest"))
	assert.False(t, a.Policy.Allows("rm"))
	a.Logger.Infof("hello from test")

	arch, err := a.Archiver()
	require.NoError(t, err)
	assert.Nil(t, arch)

	require.NoError(t, a.Close(context.Background()))
	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}

func TestFromConfig_PolicyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyFile = filepath.Join(cfg.WorkDir, "policy.yaml")
	require.NoError(t, os.WriteFile(cfg.PolicyFile, []byte("allowed_programs: [echo]\n"), 0o644))

	a, err := FromConfig(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Equal(t, []string{"echo"}, a.Policy.Programs())
	assert.ErrorContains(t, a.Sandbox.Check("pytest", nil), "not in the allow-list")
}

func TestFromConfig_BadPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PolicyFile = filepath.Join(cfg.WorkDir, "missing.yaml")

	_, err := FromConfig(context.Background(), cfg, "test")
	assert.Error(t, err)
}

func TestArchiver_Configured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive = config.ArchiveConfig{
		Endpoint:  "localhost:9000",
		Region:    "us-east-1",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "evidence",
	}
	a, err := FromConfig(context.Background(), cfg, "test")
	require.NoError(t, err)
	defer a.Close(context.Background())

	arch, err := a.Archiver()
	require.NoError(t, err)
	assert.NotNil(t, arch)
}
