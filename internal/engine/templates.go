package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

// CreateProject registers a project. Its id is used as the alias prefix of
// root items spawned for it.
func (e Engine) CreateProject(ctx context.Context, id, label string) (domain.Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Project{}, validationf("project id is required")
	}
	if strings.ContainsAny(id, " \t\n") {
		return domain.Project{}, validationf("project id %q must not contain whitespace", id)
	}
	p := domain.Project{ID: id, Label: label, CreatedAt: e.now().UTC()}
	err := e.inTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProject(ctx, id); err == nil {
			return validationf("project %s already exists", id)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.InsertProject(ctx, p)
	})
	return p, err
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var res []domain.Project
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ListProjects(ctx)
		return err
	})
	return res, err
}

// CreateProto stores a template after normalising its kind-specific policy.
func (e Engine) CreateProto(ctx context.Context, p domain.Proto) (domain.Proto, error) {
	var err error
	err = e.inTx(ctx, func(tx store.Tx) error {
		p, err = e.createProto(ctx, tx, p)
		return err
	})
	return p, err
}

func (e Engine) createProto(ctx context.Context, tx store.Tx, p domain.Proto) (domain.Proto, error) {
	if _, err := domain.ParseKind(string(p.Kind)); err != nil {
		return p, validationf("%v", err)
	}
	p.Summary = strings.TrimSpace(p.Summary)
	if p.Summary == "" {
		return p, validationf("template summary is required")
	}
	switch p.Kind {
	case domain.KindTracker:
		p.ClonePerProject = false
		p.OwnerID, p.IsReview, p.AllowedTime = "", false, 0
	case domain.KindTask:
		p.ClonePerLocale = true
		p.ClonePerProject = false
		p.OwnerID, p.IsReview, p.AllowedTime = "", false, 0
	case domain.KindStep:
		p.ClonePerLocale = false
		p.Suffix = ""
		if p.AllowedTime < 0 {
			return p, validationf("allowed_time must not be negative")
		}
		if p.AllowedTime == 0 {
			p.AllowedTime = e.Config.Steps.AllowedTime
		}
	}
	if err := tx.InsertProto(ctx, &p); err != nil {
		return p, err
	}
	return p, nil
}

func (e Engine) GetProto(ctx context.Context, id int64) (domain.Proto, error) {
	var p domain.Proto
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetProto(ctx, id)
		return err
	})
	return p, err
}

func (e Engine) ListProtos(ctx context.Context) ([]domain.Proto, error) {
	var res []domain.Proto
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ListProtos(ctx)
		return err
	})
	return res, err
}

func (e Engine) ListNestings(ctx context.Context, parentID int64) ([]domain.Nesting, error) {
	var res []domain.Nesting
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.ListNestings(ctx, parentID)
		return err
	})
	return res, err
}

// CreateNesting adds an edge to the template graph. Step children need a
// unique order among their step siblings and the graph must stay acyclic.
func (e Engine) CreateNesting(ctx context.Context, n domain.Nesting) (domain.Nesting, error) {
	var err error
	err = e.inTx(ctx, func(tx store.Tx) error {
		n, err = e.createNesting(ctx, tx, n)
		return err
	})
	return n, err
}

func (e Engine) createNesting(ctx context.Context, tx store.Tx, n domain.Nesting) (domain.Nesting, error) {
	parent, err := tx.GetProto(ctx, n.ParentID)
	if err != nil {
		return n, err
	}
	child, err := tx.GetProto(ctx, n.ChildID)
	if err != nil {
		return n, err
	}
	if !domain.CanNest(parent.Kind, child.Kind) {
		return n, validationf("a %s template cannot nest a %s template", parent.Kind, child.Kind)
	}
	if n.Order < 0 {
		return n, validationf("order must not be negative")
	}
	siblings, err := tx.ListNestings(ctx, parent.ID)
	if err != nil {
		return n, err
	}
	if child.Kind == domain.KindStep {
		if n.Order == 0 {
			return n, validationf("step %d needs an order under template %d", child.ID, parent.ID)
		}
		for _, s := range siblings {
			if s.Order == n.Order {
				return n, validationf("order %d already used under template %d", n.Order, parent.ID)
			}
		}
	}
	if err := ensureAcyclic(ctx, tx, parent.ID, child.ID); err != nil {
		return n, err
	}
	if err := tx.InsertNesting(ctx, &n); err != nil {
		return n, err
	}
	return n, nil
}

// ensureAcyclic walks the descendants of child looking for parent.
func ensureAcyclic(ctx context.Context, tx store.Tx, parentID, childID int64) error {
	if parentID == childID {
		return validationf("template %d cannot nest itself", parentID)
	}
	visited := map[int64]bool{}
	stack := []int64{childID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		edges, err := tx.ListNestings(ctx, cur)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if edge.ChildID == parentID {
				return validationf("nesting %d under %d would create a cycle", childID, parentID)
			}
			stack = append(stack, edge.ChildID)
		}
	}
	return nil
}

// TemplateDef is one template of a catalog, addressed by a local key.
type TemplateDef struct {
	Key      string
	Proto    domain.Proto
	Children []EdgeDef
}

type EdgeDef struct {
	Key             string
	Order           int
	IsAutoActivated bool
	ResolvesParent  bool
}

// ImportTemplates creates every template and then every edge of defs in one
// transaction. It returns the stored templates by key.
func (e Engine) ImportTemplates(ctx context.Context, defs []TemplateDef) (map[string]domain.Proto, error) {
	created := map[string]domain.Proto{}
	err := e.inTx(ctx, func(tx store.Tx) error {
		for _, d := range defs {
			if d.Key == "" {
				return validationf("template key is required")
			}
			if _, dup := created[d.Key]; dup {
				return validationf("duplicate template key %q", d.Key)
			}
			p, err := e.createProto(ctx, tx, d.Proto)
			if err != nil {
				return err
			}
			created[d.Key] = p
		}
		for _, d := range defs {
			for _, edge := range d.Children {
				child, ok := created[edge.Key]
				if !ok {
					return validationf("template %q nests unknown template %q", d.Key, edge.Key)
				}
				if _, err := e.createNesting(ctx, tx, domain.Nesting{
					ParentID:        created[d.Key].ID,
					ChildID:         child.ID,
					Order:           edge.Order,
					IsAutoActivated: edge.IsAutoActivated,
					ResolvesParent:  edge.ResolvesParent,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
