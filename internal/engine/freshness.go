package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

// LastModifiedSource reports when an external reference last changed.
type LastModifiedSource interface {
	LastModified(ctx context.Context, ref string) (time.Time, error)
}

type Freshness struct {
	TaskID       int64      `json:"task_id"`
	Ref          string     `json:"ref"`
	SnapshotTS   *time.Time `json:"snapshot_ts,omitempty" format:"date-time"`
	LastModified time.Time  `json:"last_modified" format:"date-time"`
	Uptodate     bool       `json:"uptodate"`
}

const freshnessConcurrency = 8

// CheckFreshness compares a task's snapshot with its external reference.
func (e Engine) CheckFreshness(ctx context.Context, taskID int64, src LastModifiedSource) (Freshness, error) {
	task, err := e.GetItem(ctx, taskID)
	if err != nil {
		return Freshness{}, err
	}
	return checkFreshness(ctx, task, src)
}

func checkFreshness(ctx context.Context, task domain.Item, src LastModifiedSource) (Freshness, error) {
	if task.Kind != domain.KindTask {
		return Freshness{}, validationf("%s is not a task", task.Ref())
	}
	ref := task.Bug()
	if ref == "" {
		return Freshness{}, validationf("%s has no external reference", task.Ref())
	}
	ts, err := src.LastModified(ctx, ref)
	if err != nil {
		return Freshness{}, fmt.Errorf("last modified of %s: %w", ref, err)
	}
	return Freshness{
		TaskID:       task.ID,
		Ref:          ref,
		SnapshotTS:   task.SnapshotTS,
		LastModified: ts,
		Uptodate:     task.IsUptodate(ts),
	}, nil
}

// CheckFreshnessAll checks every open task with an external reference,
// optionally limited to one project, querying the source concurrently.
func (e Engine) CheckFreshnessAll(ctx context.Context, projectID string, src LastModifiedSource) ([]Freshness, error) {
	var tasks []domain.Item
	err := e.inTx(ctx, func(tx store.Tx) error {
		items, err := tx.ListItems(ctx, store.ItemFilter{Kind: domain.KindTask, ProjectID: projectID})
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.IsOpen() && it.Bug() != "" {
				tasks = append(tasks, it)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := make([]Freshness, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(freshnessConcurrency)
	for i, task := range tasks {
		g.Go(func() error {
			f, err := checkFreshness(gctx, task, src)
			if err != nil {
				return err
			}
			res[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}
