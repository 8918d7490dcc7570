package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/taskexec/internal/lock"
	"github.com/msageha/taskexec/internal/logging"
	"github.com/msageha/taskexec/internal/model"
)

const (
	stateFileName      = ".state.json"
	provenanceFileName = "provenance.json"
)

// StateStore owns RUNS/<task_id>/.state.json. Every write is an atomic
// replace and every status change is checked against the run state machine.
type StateStore struct {
	runsDir string
	logger  *logging.Logger
	locks   *lock.MutexMap
	now     func() time.Time
}

func NewStateStore(runsDir string, logger *logging.Logger) *StateStore {
	return &StateStore{
		runsDir: runsDir,
		logger:  logger.With("store"),
		locks:   lock.NewMutexMap(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *StateStore) RunsDir() string { return s.runsDir }

func (s *StateStore) RunDir(taskID string) string {
	return filepath.Join(s.runsDir, taskID)
}

func (s *StateStore) StatePath(taskID string) string {
	return filepath.Join(s.RunDir(taskID), stateFileName)
}

func (s *StateStore) ProvenancePath(taskID string) string {
	return filepath.Join(s.RunDir(taskID), provenanceFileName)
}

// Load returns the persisted state. ok is false when no state exists. A corrupt
// file is quarantined and replaced from its backup when possible.
func (s *StateStore) Load(taskID string) (state model.RunState, ok bool, err error) {
	if err := model.ValidateName("task_id", taskID); err != nil {
		return model.RunState{}, false, err
	}
	s.locks.Lock(taskID)
	defer s.locks.Unlock(taskID)
	return s.load(taskID)
}

func (s *StateStore) load(taskID string) (model.RunState, bool, error) {
	path := s.StatePath(taskID)
	var state model.RunState
	err := ReadJSON(path, &state)
	switch {
	case err == nil:
		return state, true, nil
	case errors.Is(err, os.ErrNotExist):
		return model.RunState{}, false, nil
	case IsCorrupt(err):
		restored, rerr := RecoverCorrupted(s.runsDir, path, s.logger)
		if rerr != nil {
			return model.RunState{}, false, rerr
		}
		if !restored {
			return model.RunState{}, false, nil
		}
		if err := ReadJSON(path, &state); err != nil {
			return model.RunState{}, false, err
		}
		return state, true, nil
	default:
		return model.RunState{}, false, fmt.Errorf("read state %s: %w", path, err)
	}
}

// Begin records a new run in status running, replacing any previous run's state.
func (s *StateStore) Begin(taskID, runID, planHash, step string) (model.RunState, error) {
	if err := model.ValidateName("task_id", taskID); err != nil {
		return model.RunState{}, err
	}
	if err := model.ValidateRunTransition("", model.RunStatusRunning); err != nil {
		return model.RunState{}, err
	}
	s.locks.Lock(taskID)
	defer s.locks.Unlock(taskID)

	now := s.now()
	state := model.RunState{
		TaskID:    taskID,
		RunID:     runID,
		Status:    model.RunStatusRunning,
		Step:      step,
		PlanHash:  planHash,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := AtomicWriteJSON(s.StatePath(taskID), state); err != nil {
		return model.RunState{}, fmt.Errorf("write state: %w", err)
	}
	s.logger.Debugf("state task=%s run=%s status=running step=%s", taskID, runID, step)
	return state, nil
}

// Step records progress of a running run without changing its status.
func (s *StateStore) Step(taskID, runID, step string) error {
	return s.update(taskID, runID, func(state *model.RunState) error {
		if state.Status != model.RunStatusRunning {
			return fmt.Errorf("cannot record step %q on %s run", step, state.Status)
		}
		state.Step = step
		return nil
	})
}

// Finish moves a running run to success or failed.
func (s *StateStore) Finish(taskID, runID string, status model.RunStatus, errMsg string) error {
	return s.update(taskID, runID, func(state *model.RunState) error {
		if err := model.ValidateRunTransition(state.Status, status); err != nil {
			return err
		}
		state.Status = status
		state.Error = errMsg
		if status == model.RunStatusSuccess {
			state.Step = model.StepComplete
		}
		finished := s.now()
		state.FinishedAt = &finished
		return nil
	})
}

func (s *StateStore) update(taskID, runID string, fn func(*model.RunState) error) error {
	s.locks.Lock(taskID)
	defer s.locks.Unlock(taskID)

	state, ok, err := s.load(taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no state for task %s", taskID)
	}
	if state.RunID != runID {
		return fmt.Errorf("state for task %s belongs to run %s, not %s", taskID, state.RunID, runID)
	}
	if err := fn(&state); err != nil {
		return err
	}
	state.UpdatedAt = s.now()
	if err := AtomicWriteJSON(s.StatePath(taskID), state); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	s.logger.Debugf("state task=%s run=%s status=%s step=%s", taskID, runID, state.Status, state.Step)
	return nil
}

// WriteProvenance writes RUNS/<task_id>/provenance.json.
func (s *StateStore) WriteProvenance(p model.Provenance) (string, error) {
	if err := model.ValidateName("task_id", p.TaskID); err != nil {
		return "", err
	}
	path := s.ProvenancePath(p.TaskID)
	if err := AtomicWriteJSON(path, p); err != nil {
		return "", fmt.Errorf("write provenance: %w", err)
	}
	return path, nil
}

// LoadProvenance reads the provenance of the last successful run.
func (s *StateStore) LoadProvenance(taskID string) (model.Provenance, error) {
	var p model.Provenance
	if err := ReadJSON(s.ProvenancePath(taskID), &p); err != nil {
		return model.Provenance{}, err
	}
	return p, nil
}
