package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskexec/internal/config"
	"github.com/msageha/taskexec/internal/events"
	"github.com/msageha/taskexec/internal/lock"
	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/plan"
	"github.com/msageha/taskexec/internal/sandbox"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

type testEnv struct {
	cfg    config.Config
	runner *Runner
	vars   map[string]string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	root := t.TempDir()
	work := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	cfg := config.Config{
		RunsDir:        filepath.Join(root, "RUNS"),
		LocksDir:       filepath.Join(root, "LOCKS"),
		WorkDir:        work,
		CommandTimeout: 10 * time.Second,
		HashWorkers:    2,
	}
	policy, err := sandbox.NewPolicy(
		[]string{"touch", "true", "false", "echo", "printenv"},
		sandbox.DefaultDangerousPatterns(),
		[]string{"PATH"},
	)
	require.NoError(t, err)

	env := &testEnv{cfg: cfg, vars: map[string]string{"PATH": os.Getenv("PATH")}}
	lookup := func(key string) (string, bool) {
		v, ok := env.vars[key]
		return v, ok
	}
	opts = append([]Option{WithLookup(lookup)}, opts...)
	r, err := New(cfg, sandbox.New(policy), opts...)
	require.NoError(t, err)
	env.runner = r
	return env
}

func (e *testEnv) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (e *testEnv) work(name string) string {
	return filepath.Join(e.cfg.WorkDir, name)
}

func (e *testEnv) heldLocks(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(e.cfg.LocksDir, "*.lock"))
	require.NoError(t, err)
	return matches
}

func touch(id, file string) model.Command {
	return model.Command{ID: id, Program: "touch", Args: []string{file}}
}

func baseContract() *model.Contract {
	return &model.Contract{
		TaskID: "T-100",
		Title:  "Produce logs",
		Commands: []model.Command{
			touch("first", "build.log"),
			touch("second", "test.log"),
		},
		Gates: []model.Gate{
			{ID: "sanity", Kind: model.CommandCheck{Exec: model.Command{ID: "sanity", Program: "true"}}},
		},
		Locks:      []string{"workspace"},
		Evidence:   []string{"*.log"},
		Provenance: map[string]any{"ticket": "OPS-1"},
	}
}

func TestRun_Success(t *testing.T) {
	env := newTestEnv(t)
	c := baseContract()

	res, err := env.runner.Run(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, model.ValidateRunID(res.RunID))
	require.Len(t, res.Commands, 2)
	require.Len(t, res.Gates, 1)
	assert.True(t, res.Gates[0].Passed)

	require.Len(t, res.Evidence, 2)
	for name, digest := range res.Evidence {
		assert.True(t, strings.HasSuffix(name, ".log"), name)
		assert.Regexp(t, hexDigest, digest)
	}

	state, ok, err := env.runner.State().Load(c.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RunStatusSuccess, state.Status)
	assert.Equal(t, model.StepComplete, state.Step)
	assert.Equal(t, res.RunID, state.RunID)
	assert.Equal(t, res.PlanHash, state.PlanHash)
	assert.NotNil(t, state.FinishedAt)

	prov, err := env.runner.State().LoadProvenance(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, res.Evidence, prov.EvidenceSHA256)
	assert.Equal(t, Version, prov.ExecutorVersion)
	assert.Equal(t, "OPS-1", prov.Metadata["ticket"])
	assert.Equal(t, res.ProvenancePath, env.runner.State().ProvenancePath(c.TaskID))

	assert.Empty(t, env.heldLocks(t))

	auditPath := filepath.Join(env.runner.State().RunDir(c.TaskID), events.AuditFileName)
	total, firstBad, err := events.VerifyAuditLog(auditPath)
	require.NoError(t, err)
	assert.Zero(t, firstBad)
	assert.Greater(t, total, 5)

	entries, err := events.ReadAuditLog(auditPath)
	require.NoError(t, err)
	assert.Equal(t, "run_started", entries[0].EventType)
	assert.Equal(t, "run_succeeded", entries[len(entries)-1].EventType)
}

func TestRun_EvidenceGlobHashesExactlyMatchingFiles(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.work("notes.txt"), []byte("ignored"), 0o644))
	c := baseContract()
	c.Evidence = []string{"*.log", "missing/**/*.json"}

	res, err := env.runner.Run(context.Background(), c)
	require.NoError(t, err)

	prov, err := env.runner.State().LoadProvenance(c.TaskID)
	require.NoError(t, err)
	require.Len(t, prov.EvidenceSHA256, 2)
	assert.Contains(t, prov.EvidenceSHA256, "build.log")
	assert.Contains(t, prov.EvidenceSHA256, "test.log")
	for _, digest := range prov.EvidenceSHA256 {
		assert.Regexp(t, hexDigest, digest)
	}
	assert.Equal(t, res.Evidence, prov.EvidenceSHA256)
}

func TestRun_BudgetExceededHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	c := baseContract()
	c.Commands[0].CostEstimate = 7.5
	c.Commands[1].CostEstimate = 7.5
	c.Telemetry = model.Telemetry{CostBudgetUSD: 10, CostHardLimit: true}

	res, err := env.runner.Run(context.Background(), c)
	require.Error(t, err)
	assert.Nil(t, res)

	var budgetErr *model.BudgetExceededError
	require.True(t, errors.As(err, &budgetErr))
	assert.InDelta(t, 15.0, budgetErr.Estimate, 1e-9)
	assert.InDelta(t, 10.0, budgetErr.Budget, 1e-9)

	assert.False(t, env.exists(env.work("build.log")), "no command may run")
	assert.False(t, env.exists(env.cfg.RunsDir), "no state may be written")
	assert.False(t, env.exists(env.cfg.LocksDir))
}

func TestRun_SoftBudgetOverrunOnlyWarns(t *testing.T) {
	env := newTestEnv(t)
	c := baseContract()
	c.Commands[0].CostEstimate = 12
	c.Telemetry = model.Telemetry{CostBudgetUSD: 10}

	res, err := env.runner.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Contains(t, res.Budget.Warning, "120% of budget")
	assert.True(t, res.Succeeded)
}

func reviewContract() *model.Contract {
	c := baseContract()
	c.Gates = append([]model.Gate{{ID: "review", Kind: model.HumanReview{}}}, c.Gates...)
	return c
}

func TestRun_MissingApprovalFailsBeforeLocks(t *testing.T) {
	env := newTestEnv(t)
	c := reviewContract()

	_, err := env.runner.Run(context.Background(), c)
	require.Error(t, err)
	assert.True(t, model.IsSecurityError(err))
	assert.ErrorIs(t, err, model.ErrApprovalMissing)

	assert.False(t, env.exists(env.cfg.LocksDir), "no lock may be taken")
	assert.False(t, env.exists(env.runner.State().StatePath(c.TaskID)), "no running state may be written")
	assert.False(t, env.exists(env.work("build.log")))
	assert.False(t, env.exists(env.runner.State().RunDir(c.TaskID)), "no audit log may be opened")
}

func TestRun_ApprovalMustMatchPlanHash(t *testing.T) {
	env := newTestEnv(t)
	c := reviewContract()
	hash, err := plan.Hash(*c)
	require.NoError(t, err)

	approval := env.runner.ApprovalPath(c.TaskID)
	require.NoError(t, os.MkdirAll(filepath.Dir(approval), 0o755))
	require.NoError(t, os.WriteFile(approval, []byte("0000000000000000\n"), 0o644))

	_, err = env.runner.Run(context.Background(), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPlanHashMismatch)

	require.NoError(t, os.WriteFile(approval, []byte(hash+"\n"), 0o644))
	res, err := env.runner.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, hash, res.PlanHash)
	require.Len(t, res.Gates, 2)
	assert.Equal(t, model.GateKindHumanReview, res.Gates[0].Kind)
	assert.True(t, res.Gates[0].Passed)
}

func TestRun_WaitsForApproval(t *testing.T) {
	env := newTestEnv(t)
	env.runner.cfg.ApprovalWait = 5 * time.Second
	c := reviewContract()
	hash, err := plan.Hash(*c)
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		path := env.runner.ApprovalPath(c.TaskID)
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
		_ = os.WriteFile(path, []byte(hash), 0o644)
	}()

	_, err = env.runner.Run(context.Background(), c)
	require.NoError(t, err)
}

func TestPlan_HasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	c := reviewContract()

	var buf bytes.Buffer
	hash, err := env.runner.Plan(context.Background(), &buf, c)
	require.NoError(t, err)
	assert.Len(t, hash, plan.HashLength)

	out := buf.String()
	assert.Contains(t, out, "Plan hash: "+hash)
	assert.Contains(t, out, env.runner.ApprovalPath(c.TaskID))
	assert.Contains(t, out, "touch build.log")

	assert.False(t, env.exists(env.cfg.RunsDir))
	assert.False(t, env.exists(env.cfg.LocksDir))
	assert.False(t, env.exists(env.work("build.log")))
}

func TestRun_CommandFailureMarksStateFailed(t *testing.T) {
	env := newTestEnv(t)
	c := baseContract()
	c.Commands = []model.Command{
		{ID: "broken", Program: "false"},
		touch("never", "never.log"),
	}

	res, err := env.runner.Run(context.Background(), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCommandFailed)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, 1, res.Commands[0].ExitCode)
	assert.False(t, env.exists(env.work("never.log")))

	state, ok, err := env.runner.State().Load(c.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RunStatusFailed, state.Status)
	assert.Equal(t, model.StepCommands, state.Step)
	assert.Contains(t, state.Error, "broken")
	assert.Empty(t, env.heldLocks(t))
}

func TestRun_DisallowedCommandNeverRuns(t *testing.T) {
	env := newTestEnv(t)
	c := baseContract()
	c.Commands = []model.Command{{ID: "wipe", Program: "rm", Args: []string{"-rf", "/"}}}

	_, err := env.runner.Run(context.Background(), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCommandNotAllowed)

	state, _, err := env.runner.State().Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, state.Status)
}

func TestRun_Secrets(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		env := newTestEnv(t)
		c := baseContract()
		c.SecretsRequired = []string{"DEPLOY_TOKEN", "EMPTY_TOKEN"}
		env.vars["EMPTY_TOKEN"] = "  "

		_, err := env.runner.Run(context.Background(), c)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrMissingSecret)
		assert.Contains(t, err.Error(), "DEPLOY_TOKEN, EMPTY_TOKEN")

		state, _, err := env.runner.State().Load(c.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, state.Status)
		assert.Equal(t, model.StepSecrets, state.Step)
		assert.False(t, env.exists(env.cfg.LocksDir))
	})

	t.Run("forwarded to commands", func(t *testing.T) {
		env := newTestEnv(t)
		env.vars["DEPLOY_TOKEN"] = "s3cr3t"
		env.vars["UNLISTED"] = "hidden"
		c := baseContract()
		c.SecretsRequired = []string{"DEPLOY_TOKEN"}
		c.Commands = []model.Command{
			{ID: "show", Program: "printenv", Args: []string{"DEPLOY_TOKEN"}},
		}

		res, err := env.runner.Run(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t\n", res.Commands[0].Stdout)
	})
}

func TestRun_HeldLockFailsFast(t *testing.T) {
	env := newTestEnv(t)
	held, err := lock.Acquire(env.cfg.LocksDir, "workspace", "someone-else")
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	c := baseContract()
	_, err = env.runner.Run(context.Background(), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrLockHeld)
	assert.False(t, env.exists(env.work("build.log")))

	state, _, err := env.runner.State().Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, state.Status)
	assert.Equal(t, model.StepLocks, state.Step)

	// The other holder's marker is untouched.
	assert.Len(t, env.heldLocks(t), 1)
}

func TestRun_GateFailure(t *testing.T) {
	env := newTestEnv(t)
	c := baseContract()
	c.Gates = []model.Gate{
		{ID: "lint", Kind: model.CommandCheck{Exec: model.Command{ID: "lint", Program: "false"}}},
	}

	res, err := env.runner.Run(context.Background(), c)
	require.Error(t, err)

	var gateErr *model.GateFailedError
	require.True(t, errors.As(err, &gateErr))
	assert.Equal(t, "lint", gateErr.GateID)
	require.Len(t, res.Gates, 1)
	assert.False(t, res.Gates[0].Passed)

	state, _, err := env.runner.State().Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, state.Status)
	assert.False(t, env.exists(env.runner.State().ProvenancePath(c.TaskID)))
	assert.Empty(t, env.heldLocks(t))
}

type optimizerFunc func(*model.Contract) *model.Contract

func (f optimizerFunc) Optimize(_ context.Context, c *model.Contract) (*model.Contract, error) {
	return f(c), nil
}

func TestRun_Optimizer(t *testing.T) {
	t.Run("hash preserved", func(t *testing.T) {
		env := newTestEnv(t, WithOptimizer(optimizerFunc(func(c *model.Contract) *model.Contract {
			out := *c
			out.Title = "Shorter"
			return &out
		})))
		_, err := env.runner.Run(context.Background(), baseContract())
		require.NoError(t, err)
	})

	t.Run("hash changed", func(t *testing.T) {
		env := newTestEnv(t, WithOptimizer(optimizerFunc(func(c *model.Contract) *model.Contract {
			out := *c
			out.Commands = append([]model.Command(nil), c.Commands[0])
			return &out
		})))
		_, err := env.runner.Run(context.Background(), baseContract())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "plan hash")
		assert.False(t, env.exists(env.cfg.RunsDir))
	})
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls []model.Provenance
}

func (s *recordingSyncer) Sync(_ context.Context, p model.Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	return nil
}

type recordingArchiver struct {
	runID string
	files map[string]string
	err   error
}

func (a *recordingArchiver) Archive(_ context.Context, runID string, files map[string]string) error {
	a.runID, a.files = runID, files
	return a.err
}

func TestRun_SyncerAndArchiver(t *testing.T) {
	syncer := &recordingSyncer{}
	archiver := &recordingArchiver{err: errors.New("bucket unreachable")}
	env := newTestEnv(t, WithSyncer(syncer), WithArchiver(archiver))
	env.runner.cfg.ObsidianEnabled = true

	res, err := env.runner.Run(context.Background(), baseContract())
	require.NoError(t, err, "archive failures do not fail the run")

	require.Len(t, syncer.calls, 1)
	assert.Equal(t, res.RunID, syncer.calls[0].RunID)

	assert.Equal(t, res.RunID, archiver.runID)
	assert.Equal(t, res.ProvenancePath, archiver.files["provenance.json"])
	assert.Equal(t, env.work("build.log"), archiver.files["evidence/build.log"])
	assert.Len(t, archiver.files, 3)
}

func TestRun_SyncerSkippedWhenDisabled(t *testing.T) {
	syncer := &recordingSyncer{}
	env := newTestEnv(t, WithSyncer(syncer))

	_, err := env.runner.Run(context.Background(), baseContract())
	require.NoError(t, err)
	assert.Empty(t, syncer.calls)
}
