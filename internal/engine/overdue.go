package engine

import (
	"context"
	"errors"
	"time"

	"github.com/stasm/todo/internal/actionlog"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

// OverdueChecker answers overdue questions within one request. Results are
// memoized per step and never outlive the checker.
type OverdueChecker struct {
	tx   store.Tx
	now  time.Time
	unit time.Duration
	memo map[int64]bool
}

func (e Engine) newOverdueChecker(tx store.Tx) *OverdueChecker {
	return &OverdueChecker{
		tx:   tx,
		now:  e.now().UTC(),
		unit: e.Config.AllowedTimeUnit(),
		memo: map[int64]bool{},
	}
}

// IsOverdue reports whether a NEXT step has been waiting longer than its
// allowed time since it was last nexted.
func (c *OverdueChecker) IsOverdue(ctx context.Context, step domain.Item) (bool, error) {
	if step.Kind != domain.KindStep || step.Status != domain.StatusNext {
		return false, nil
	}
	if v, ok := c.memo[step.ID]; ok {
		return v, nil
	}
	a, err := actionlog.Latest(ctx, c.tx, step.Ref(), domain.FlagNexted)
	if errors.Is(err, store.ErrNotFound) {
		c.memo[step.ID] = false
		return false, nil
	}
	if err != nil {
		return false, err
	}
	deadline := a.Timestamp.Add(time.Duration(step.AllowedTime) * c.unit)
	overdue := c.now.After(deadline)
	c.memo[step.ID] = overdue
	return overdue, nil
}

// IsOverdue checks a single step.
func (e Engine) IsOverdue(ctx context.Context, id int64) (bool, error) {
	var overdue bool
	err := e.inTx(ctx, func(tx store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		overdue, err = e.newOverdueChecker(tx).IsOverdue(ctx, it)
		return err
	})
	return overdue, err
}

// OverdueSteps lists the NEXT steps past their allowed time, optionally
// limited to one project.
func (e Engine) OverdueSteps(ctx context.Context, projectID string) ([]domain.Item, error) {
	var res []domain.Item
	err := e.inTx(ctx, func(tx store.Tx) error {
		steps, err := tx.ListItems(ctx, store.ItemFilter{Kind: domain.KindStep, Status: domain.StatusNext})
		if err != nil {
			return err
		}
		c := e.newOverdueChecker(tx)
		for _, s := range steps {
			if projectID != "" && !stepInProject(ctx, tx, s, projectID) {
				continue
			}
			overdue, err := c.IsOverdue(ctx, s)
			if err != nil {
				return err
			}
			if overdue {
				res = append(res, s)
			}
		}
		return nil
	})
	return res, err
}

// stepInProject matches the step's own project or, failing that, its task's.
func stepInProject(ctx context.Context, tx store.Tx, s domain.Item, projectID string) bool {
	if s.ProjectID != "" {
		return s.ProjectID == projectID
	}
	if s.TaskID == nil {
		return false
	}
	records, err := tx.ListItemProjects(ctx, store.ItemProjectFilter{ItemID: *s.TaskID, ProjectID: projectID})
	return err == nil && len(records) > 0
}
