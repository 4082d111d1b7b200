package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

// Overrides are caller-supplied values for the items being spawned. Only keys
// recognized by an item's kind are applied, and zero values never shadow what
// the template provides.
type Overrides struct {
	Summary         string   `json:"summary,omitempty" mapstructure:"summary"`
	Projects        []string `json:"projects,omitempty" mapstructure:"projects"`
	Project         string   `json:"project,omitempty" mapstructure:"project"`
	Locale          string   `json:"locale,omitempty" mapstructure:"locale"`
	Locales         []string `json:"locales,omitempty" mapstructure:"locales"`
	Alias           string   `json:"alias,omitempty" mapstructure:"alias"`
	Suffix          string   `json:"suffix,omitempty" mapstructure:"suffix"`
	Parent          int64    `json:"parent,omitempty" mapstructure:"parent"`
	Task            int64    `json:"task,omitempty" mapstructure:"task"`
	Bug             string   `json:"bug,omitempty" mapstructure:"bug"`
	Owner           string   `json:"owner,omitempty" mapstructure:"owner"`
	Order           int      `json:"order,omitempty" mapstructure:"order"`
	IsAutoActivated bool     `json:"is_auto_activated,omitempty" mapstructure:"is_auto_activated"`
	ResolvesParent  bool     `json:"resolves_parent,omitempty" mapstructure:"resolves_parent"`
	IsReview        bool     `json:"is_review,omitempty" mapstructure:"is_review"`
	AllowedTime     int      `json:"allowed_time,omitempty" mapstructure:"allowed_time"`
}

// cloning tells which fan-out axes are still available below this point.
type cloning struct {
	locale  bool
	project bool
}

var cloneAll = cloning{locale: true, project: true}

// Spawn instantiates the template and its whole template subtree and returns
// the top-level item.
func (e Engine) Spawn(ctx context.Context, protoID int64, actor string, ov Overrides) (domain.Item, error) {
	var res domain.Item
	err := e.run(ctx, "spawn", actor, e.anchorRoot(ctx, ov), func(ctx context.Context, o *op) error {
		p, err := o.tx.GetProto(ctx, protoID)
		if err != nil {
			return err
		}
		ov, err := o.stepDefaults(ctx, p, ov)
		if err != nil {
			return err
		}
		res, err = o.spawn(ctx, p, ov, cloneAll)
		return err
	})
	return res, err
}

// SpawnPerLocale spawns one tree per locale of ov.Locales (or ov.Locale).
func (e Engine) SpawnPerLocale(ctx context.Context, protoID int64, actor string, ov Overrides) ([]domain.Item, error) {
	var res []domain.Item
	err := e.run(ctx, "spawn", actor, e.anchorRoot(ctx, ov), func(ctx context.Context, o *op) error {
		p, err := o.tx.GetProto(ctx, protoID)
		if err != nil {
			return err
		}
		res, err = o.spawnPerLocale(ctx, p, ov)
		return err
	})
	return res, err
}

// CreateTracker creates a generic tracker that has no template.
func (e Engine) CreateTracker(ctx context.Context, actor, summary string, ov Overrides) (domain.Item, error) {
	var res domain.Item
	err := e.run(ctx, "create_tracker", actor, e.anchorRoot(ctx, ov), func(ctx context.Context, o *op) error {
		ov.Summary = summary
		var err error
		res, err = o.spawnInstance(ctx, domain.Proto{Kind: domain.KindTracker}, ov)
		return err
	})
	return res, err
}

// anchorRoot finds the tree a spawn attaches to. Lookup failures are left for
// the transaction to report.
func (e Engine) anchorRoot(ctx context.Context, ov Overrides) int64 {
	anchor := ov.Parent
	if anchor == 0 {
		anchor = ov.Task
	}
	if anchor == 0 {
		return 0
	}
	root, err := e.rootID(ctx, anchor)
	if err != nil {
		return 0
	}
	return root
}

// stepDefaults fills the projects of a step spawned directly under a task.
func (o *op) stepDefaults(ctx context.Context, p domain.Proto, ov Overrides) (Overrides, error) {
	if p.Kind != domain.KindStep || len(ov.Projects) > 0 {
		return ov, nil
	}
	taskID := ov.Task
	if taskID == 0 && ov.Parent != 0 {
		parent, err := o.tx.GetItem(ctx, ov.Parent)
		if err != nil {
			return ov, err
		}
		if parent.TaskID != nil {
			taskID = *parent.TaskID
		}
	}
	if taskID == 0 {
		return ov, nil
	}
	records, err := o.tx.ListItemProjects(ctx, store.ItemProjectFilter{ItemID: taskID})
	if err != nil {
		return ov, err
	}
	for _, r := range records {
		ov.Projects = append(ov.Projects, r.ProjectID)
	}
	return ov, nil
}

func (o *op) spawn(ctx context.Context, p domain.Proto, ov Overrides, allow cloning) (domain.Item, error) {
	it, err := o.spawnInstance(ctx, p, ov)
	if err != nil {
		return it, err
	}
	v := variantOf(p.Kind)
	childOv := v.childOverrides(it, ov)
	edges, err := o.tx.ListNestings(ctx, p.ID)
	if err != nil {
		return it, err
	}
	for _, edge := range edges {
		child, err := o.tx.GetProto(ctx, edge.ChildID)
		if err != nil {
			return it, fmt.Errorf("nesting %d: %w", edge.ID, err)
		}
		fields := childOv
		fields.Projects = append([]string(nil), childOv.Projects...)
		fields.Locales = append([]string(nil), childOv.Locales...)
		fields.Order = edge.Order
		fields.IsAutoActivated = edge.IsAutoActivated
		fields.ResolvesParent = edge.ResolvesParent
		switch {
		case allow.locale && child.ClonesPerLocale():
			_, err = o.spawnPerLocale(ctx, child, fields)
		case allow.project && child.ClonesPerProject():
			_, err = o.spawnPerProject(ctx, child, fields)
		default:
			_, err = o.spawn(ctx, child, fields, allow)
		}
		if err != nil {
			return it, err
		}
	}
	return it, nil
}

func (o *op) spawnPerLocale(ctx context.Context, p domain.Proto, ov Overrides) ([]domain.Item, error) {
	locales := uniqueStrings(ov.Locales)
	if len(locales) == 0 {
		locales = []string{ov.Locale}
	}
	ov.Locale, ov.Locales = "", nil

	parentHasLocale := false
	if ov.Parent != 0 {
		parent, err := o.tx.GetItem(ctx, ov.Parent)
		if err != nil {
			return nil, err
		}
		parentHasLocale = parent.Locale != ""
	}
	suffix := ov.Suffix
	if suffix == "" {
		suffix = p.Suffix
	}
	alias := ov.Alias

	var res []domain.Item
	for _, loc := range locales {
		fields := ov
		fields.Locale = loc
		if loc != "" && !parentHasLocale {
			fields.Suffix = joinNonEmpty("-", suffix, loc)
			if alias != "" {
				fields.Alias = alias + "-" + loc
			}
		}
		it, err := o.spawn(ctx, p, fields, cloning{locale: false, project: true})
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, nil
}

// spawnPerProject fans a step out once per project. No projects means no steps.
func (o *op) spawnPerProject(ctx context.Context, p domain.Proto, ov Overrides) ([]domain.Item, error) {
	projects := uniqueStrings(ov.Projects)
	var res []domain.Item
	for _, project := range projects {
		if project == "" {
			continue
		}
		fields := ov
		fields.Project = project
		it, err := o.spawn(ctx, p, fields, cloning{})
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, nil
}

// spawnInstance validates and persists a single item built from p and ov.
func (o *op) spawnInstance(ctx context.Context, p domain.Proto, ov Overrides) (domain.Item, error) {
	v := variantOf(p.Kind)
	projects := uniqueStrings(ov.Projects)
	if v.perProject() && len(projects) == 0 {
		return domain.Item{}, validationf("projects are required to spawn a %s", p.Kind)
	}

	it := domain.Item{Kind: v.kind(), Status: domain.StatusNew}
	if p.ID != 0 {
		id := p.ID
		it.ProtoID = &id
	}
	v.inherit(p, &it)
	if err := o.overlay(v, &it, ov); err != nil {
		return it, err
	}
	if strings.TrimSpace(it.Summary) == "" {
		return it, validationf("summary is required")
	}

	parent, err := o.link(ctx, v, &it, ov)
	if err != nil {
		return it, err
	}
	for _, pid := range projects {
		if _, err := o.tx.GetProject(ctx, pid); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return it, validationf("unknown project %q", pid)
			}
			return it, err
		}
	}
	if it.ProjectID != "" {
		if _, err := o.tx.GetProject(ctx, it.ProjectID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return it, validationf("unknown project %q", it.ProjectID)
			}
			return it, err
		}
	}

	if v.kind() != domain.KindStep {
		suffix := ov.Suffix
		if suffix == "" {
			suffix = p.Suffix
		}
		alias, err := composeAlias(ov.Alias, suffix, parent, projects)
		if err != nil {
			return it, err
		}
		it.Alias = alias
		if v.accepts(fieldBug) && ov.Bug != "" {
			it.SetBug(ov.Bug)
		}
	}

	now := o.now()
	it.CreatedAt, it.UpdatedAt = now, now
	it.Repr = it.FormatRepr()
	if err := o.tx.InsertItem(ctx, &it); err != nil {
		return it, err
	}
	if v.perProject() {
		for _, pid := range projects {
			if err := o.tx.InsertItemProject(ctx, domain.ItemProject{
				ItemID:    it.ID,
				ProjectID: pid,
				Status:    domain.StatusNew,
			}); err != nil {
				return it, err
			}
		}
	}
	if _, err := o.record(ctx, it.Ref(), "", domain.FlagCreated, ""); err != nil {
		return it, err
	}
	o.spawned = append(o.spawned, it.Kind)
	o.e.logger().Debug("item spawned", "item", it.Ref().String(), "alias", it.Alias, "locale", it.Locale)
	return it, nil
}

// overlay applies the non-empty overrides the kind recognizes.
func (o *op) overlay(v variant, it *domain.Item, ov Overrides) error {
	if v.accepts(fieldSummary) && strings.TrimSpace(ov.Summary) != "" {
		it.Summary = strings.TrimSpace(ov.Summary)
	}
	if v.accepts(fieldLocale) && ov.Locale != "" {
		it.Locale = ov.Locale
	}
	if v.accepts(fieldProject) && ov.Project != "" {
		it.ProjectID = ov.Project
	}
	if v.accepts(fieldOwner) && ov.Owner != "" {
		it.OwnerID = ov.Owner
	}
	if v.accepts(fieldOrder) && ov.Order != 0 {
		if ov.Order < 0 {
			return validationf("order must not be negative")
		}
		it.Order = ov.Order
	}
	if v.accepts(fieldAuto) && ov.IsAutoActivated {
		it.IsAutoActivated = true
	}
	if v.accepts(fieldResolvesParent) && ov.ResolvesParent {
		it.ResolvesParent = true
	}
	if v.accepts(fieldReview) && ov.IsReview {
		it.IsReview = true
	}
	if v.accepts(fieldAllowedTime) && ov.AllowedTime != 0 {
		if ov.AllowedTime < 0 {
			return validationf("allowed_time must not be negative")
		}
		it.AllowedTime = ov.AllowedTime
	}
	return nil
}

// link sets the parent and task references and returns the parent, if any.
func (o *op) link(ctx context.Context, v variant, it *domain.Item, ov Overrides) (*domain.Item, error) {
	var parent *domain.Item
	if v.accepts(fieldParent) && ov.Parent != 0 {
		p, err := o.tx.GetItem(ctx, ov.Parent)
		if err != nil {
			return nil, fmt.Errorf("parent %d: %w", ov.Parent, err)
		}
		want := domain.KindTracker
		if v.kind() == domain.KindStep {
			want = domain.KindStep
		}
		if p.Kind != want {
			return nil, validationf("a %s cannot be a child of %s", v.kind(), p.Ref())
		}
		if p.IsResolved() {
			return nil, validationf("parent %s is already resolved", p.Ref())
		}
		id := p.ID
		it.ParentID = &id
		parent = &p
	}
	if v.kind() != domain.KindStep {
		return parent, nil
	}

	taskID := ov.Task
	if parent != nil {
		if parent.TaskID == nil {
			return nil, consistencyf("step %s has no task", parent.Ref())
		}
		if taskID != 0 && taskID != *parent.TaskID {
			return nil, validationf("step parent %s belongs to task %d, not %d", parent.Ref(), *parent.TaskID, taskID)
		}
		taskID = *parent.TaskID
	}
	if taskID == 0 {
		return nil, validationf("a step needs a task")
	}
	task, err := o.tx.GetItem(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", taskID, err)
	}
	if task.Kind != domain.KindTask {
		return nil, validationf("%s is not a task", task.Ref())
	}
	it.TaskID = &task.ID
	return parent, nil
}

// composeAlias builds a tracker or task alias. An explicit alias wins; a
// suffix is appended to the parent alias, or to the first project at a root.
func composeAlias(alias, suffix string, parent *domain.Item, projects []string) (string, error) {
	if alias != "" {
		return alias, nil
	}
	var prefix string
	switch {
	case parent != nil:
		prefix = parent.Alias
	case len(projects) > 0:
		prefix = projects[0]
	}
	if suffix == "" {
		if parent != nil {
			return parent.Alias, nil
		}
		return "", nil
	}
	if prefix == "" {
		return "", validationf("suffix %q needs a parent or project to prefix", suffix)
	}
	return joinNonEmpty("-", prefix, suffix), nil
}
