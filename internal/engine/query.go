package engine

import (
	"context"

	"github.com/stasm/todo/internal/actionlog"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

func (e Engine) GetItem(ctx context.Context, id int64) (domain.Item, error) {
	var it domain.Item
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		it, err = tx.GetItem(ctx, id)
		return err
	})
	return it, err
}

func (e Engine) ListItems(ctx context.Context, f store.ItemFilter) ([]domain.Item, error) {
	var res []domain.Item
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ListItems(ctx, f)
		return err
	})
	return res, err
}

func (e Engine) ItemProjects(ctx context.Context, id int64) ([]domain.ItemProject, error) {
	var res []domain.ItemProject
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ListItemProjects(ctx, store.ItemProjectFilter{ItemID: id})
		return err
	})
	return res, err
}

// Actions returns the audit trail of an item, newest first.
func (e Engine) Actions(ctx context.Context, id int64, flag domain.Flag) ([]domain.Action, error) {
	var res []domain.Action
	err := e.inTx(ctx, func(tx store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		res, err = actionlog.Actions(ctx, tx, it.Ref(), flag)
		return err
	})
	return res, err
}

// LatestAction returns the newest action of an item, or store.ErrNotFound.
func (e Engine) LatestAction(ctx context.Context, id int64, flag domain.Flag) (domain.Action, error) {
	var res domain.Action
	err := e.inTx(ctx, func(tx store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		res, err = actionlog.Latest(ctx, tx, it.Ref(), flag)
		return err
	})
	return res, err
}

// ActionsAfter pages through the whole action log by id, oldest first.
func (e Engine) ActionsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Action, error) {
	var res []domain.Action
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = actionlog.Feed(ctx, tx, afterID, limit)
		return err
	})
	return res, err
}

// LatestActionID returns the id of the newest action, 0 when the log is empty.
func (e Engine) LatestActionID(ctx context.Context) (int64, error) {
	var id int64
	err := e.inTx(ctx, func(tx store.Tx) error {
		actions, err := tx.ListActions(ctx, store.ActionFilter{Limit: 1})
		if err != nil || len(actions) == 0 {
			return err
		}
		id = actions[0].ID
		return nil
	})
	return id, err
}

// Node is an item with its project records and children, for presentation.
type Node struct {
	Item     domain.Item          `json:"item"`
	Projects []domain.ItemProject `json:"projects,omitempty"`
	Overdue  bool                 `json:"overdue,omitempty"`
	Children []*Node              `json:"children,omitempty"`
}

// Tree loads the subtree rooted at id.
func (e Engine) Tree(ctx context.Context, id int64) (*Node, error) {
	var root *Node
	err := e.inTx(ctx, func(tx store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		root, err = buildTree(ctx, tx, e.newOverdueChecker(tx), it, map[int64]bool{})
		return err
	})
	return root, err
}

func buildTree(ctx context.Context, tx store.Tx, c *OverdueChecker, it domain.Item, seen map[int64]bool) (*Node, error) {
	if seen[it.ID] {
		return nil, consistencyf("item hierarchy cycle at %s", it.Ref())
	}
	seen[it.ID] = true
	n := &Node{Item: it}
	if variantOf(it.Kind).perProject() {
		records, err := tx.ListItemProjects(ctx, store.ItemProjectFilter{ItemID: it.ID})
		if err != nil {
			return nil, err
		}
		n.Projects = records
	}
	overdue, err := c.IsOverdue(ctx, it)
	if err != nil {
		return nil, err
	}
	n.Overdue = overdue
	children, err := tx.ListChildren(ctx, it)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		cn, err := buildTree(ctx, tx, c, child, seen)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, cn)
	}
	return n, nil
}

// ProjectStats counts the tasks of a project. Open tasks are those not yet
// on hold or resolved; completion is the resolved share in percent.
func (e Engine) ProjectStats(ctx context.Context, projectID string) (domain.ProjectStats, error) {
	stats := domain.ProjectStats{ProjectID: projectID}
	err := e.inTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProject(ctx, projectID); err != nil {
			return err
		}
		records, err := tx.ListItemProjects(ctx, store.ItemProjectFilter{ProjectID: projectID, Kind: domain.KindTask})
		if err != nil {
			return err
		}
		resolved := 0
		for _, r := range records {
			stats.All++
			if r.Status.Rank() < domain.StatusOnHold.Rank() {
				stats.Open++
			}
			if r.Status == domain.StatusResolved {
				resolved++
			}
		}
		if stats.All > 0 {
			stats.Completion = resolved * 100 / stats.All
		}
		return nil
	})
	return stats, err
}
