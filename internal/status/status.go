// Package status reports the persisted state of a contract run.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/taskexec/internal/events"
	"github.com/msageha/taskexec/internal/lock"
	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/plan"
	"github.com/msageha/taskexec/internal/store"
)

// ErrNoRun is returned when a task has never been run.
var ErrNoRun = errors.New("no run recorded")

type RunStatus struct {
	TaskID     string            `json:"task_id"`
	State      model.RunState    `json:"state"`
	Provenance *model.Provenance `json:"provenance,omitempty"`
	Approved   bool              `json:"approved"`
	Audit      AuditStatus       `json:"audit"`
	Locks      []LockStatus      `json:"locks,omitempty"`
}

type AuditStatus struct {
	Entries  int  `json:"entries"`
	Intact   bool `json:"intact"`
	FirstBad int  `json:"first_bad,omitempty"`
}

// LockStatus is a lock marker still owned by the task's last run.
type LockStatus struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Collect gathers state, provenance, approval, audit integrity and
// leftover locks for taskID.
func Collect(st *store.StateStore, locksDir, taskID string) (RunStatus, error) {
	state, ok, err := st.Load(taskID)
	if err != nil {
		return RunStatus{}, fmt.Errorf("load state: %w", err)
	}
	if !ok {
		return RunStatus{}, fmt.Errorf("%w for %s", ErrNoRun, taskID)
	}
	s := RunStatus{TaskID: taskID, State: state}

	// Provenance belongs to the last successful run, which may be older
	// than the current state.
	if prov, err := st.LoadProvenance(taskID); err == nil {
		s.Provenance = &prov
	} else if !errors.Is(err, os.ErrNotExist) {
		return RunStatus{}, fmt.Errorf("load provenance: %w", err)
	}

	if state.PlanHash != "" {
		s.Approved = plan.CheckApproval(filepath.Join(st.RunDir(taskID), plan.ApprovalFileName), state.PlanHash) == nil
	}

	total, firstBad, err := events.VerifyAuditLog(filepath.Join(st.RunDir(taskID), events.AuditFileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.Audit = AuditStatus{Intact: true}
	case err != nil:
		return RunStatus{}, fmt.Errorf("verify audit log: %w", err)
	default:
		s.Audit = AuditStatus{Entries: total, Intact: firstBad == 0, FirstBad: firstBad}
	}

	s.Locks = heldLocks(locksDir, state.RunID)
	return s, nil
}

func heldLocks(locksDir, runID string) []LockStatus {
	matches, err := filepath.Glob(filepath.Join(locksDir, "*.lock"))
	if err != nil {
		return nil
	}
	var locks []LockStatus
	for _, path := range matches {
		h, err := lock.ReadHolder(path)
		if err != nil || h.Owner != runID {
			continue
		}
		locks = append(locks, LockStatus{Name: h.Name, PID: h.PID, AcquiredAt: h.AcquiredAt})
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Name < locks[j].Name })
	return locks
}

// Run collects the status of taskID and prints it to w.
func Run(w io.Writer, st *store.StateStore, locksDir, taskID string, jsonOutput bool) error {
	s, err := Collect(st, locksDir, taskID)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printStatus(w, s)
	return nil
}

func printStatus(w io.Writer, s RunStatus) {
	st := s.State
	fmt.Fprintf(w, "Task: %s\n", s.TaskID)
	fmt.Fprintf(w, "Run:  %s\n", st.RunID)
	fmt.Fprintf(w, "Status: %s (step %s)\n", st.Status, st.Step)
	if st.PlanHash != "" {
		approved := "no"
		if s.Approved {
			approved = "yes"
		}
		fmt.Fprintf(w, "Plan hash: %s (approved: %s)\n", st.PlanHash, approved)
	}
	fmt.Fprintf(w, "Started: %s\n", st.StartedAt.Format(time.RFC3339))
	if st.FinishedAt != nil {
		fmt.Fprintf(w, "Finished: %s (%s)\n", st.FinishedAt.Format(time.RFC3339), st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond))
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", st.Error)
	}

	if p := s.Provenance; p != nil {
		fmt.Fprintf(w, "\nProvenance (run %s, %s):\n", p.RunID, p.ExecutedAt.Format(time.RFC3339))
		names := make([]string, 0, len(p.EvidenceSHA256))
		for name := range p.EvidenceSHA256 {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s  %s\n", p.EvidenceSHA256[name], name)
		}
		if len(names) == 0 {
			fmt.Fprintln(w, "  (no evidence files)")
		}
	}

	integrity := "intact"
	if !s.Audit.Intact {
		integrity = fmt.Sprintf("BROKEN at entry %d", s.Audit.FirstBad)
	}
	fmt.Fprintf(w, "\nAudit: %d entries, %s\n", s.Audit.Entries, integrity)

	if len(s.Locks) > 0 {
		names := make([]string, len(s.Locks))
		for i, l := range s.Locks {
			names[i] = fmt.Sprintf("%s (pid %d)", l.Name, l.PID)
		}
		fmt.Fprintf(w, "Locks still held: %s\n", strings.Join(names, ", "))
	}
}
