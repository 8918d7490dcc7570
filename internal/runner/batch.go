package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskexec/internal/model"
)

// RunAll runs every contract on r, at most parallel at a time (one when
// parallel <= 0). A failing contract does not stop the others. Results keep
// the input order; a failed contract leaves its partial result (or nil) in
// place and contributes to the joined error. Contracts sharing a lock name
// contend for it like separate processes would.
func (r *Runner) RunAll(ctx context.Context, contracts []*model.Contract, parallel int) ([]*Result, error) {
	seen := make(map[string]bool, len(contracts))
	for _, c := range contracts {
		if seen[c.TaskID] {
			return nil, &model.TaskExecutorError{Op: "run all", Err: fmt.Errorf("task %s is listed more than once", c.TaskID)}
		}
		seen[c.TaskID] = true
	}
	if parallel <= 0 {
		parallel = 1
	}

	results := make([]*Result, len(contracts))
	errs := make([]error, len(contracts))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, c := range contracts {
		i, c := i, c
		g.Go(func() error {
			res, err := r.Run(ctx, c)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.TaskID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}
