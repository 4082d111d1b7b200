package engine

import (
	"context"
	"errors"

	"github.com/stasm/todo/internal/config"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

type ResolveOptions struct {
	// Resolution defaults to completed, except for review steps which need
	// an explicit outcome.
	Resolution domain.Resolution
	// NoBubble stops the resolution from propagating to the parent.
	NoBubble bool
	// ProjectID resolves a single project record of a tracker or task.
	ProjectID string
}

// Activate starts work on an item. Items with children activate the children
// chosen by the auto-activation rule and become ACTIVE; leaves become NEXT.
func (e Engine) Activate(ctx context.Context, id int64, actor string) (domain.Item, error) {
	root, err := e.rootID(ctx, id)
	if err != nil {
		return domain.Item{}, err
	}
	var res domain.Item
	err = e.run(ctx, "activate", actor, root, func(ctx context.Context, o *op) error {
		it, err := o.tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		if it.IsResolved() {
			return validationf("%s is already resolved", it.Ref())
		}
		res, err = o.activate(ctx, it)
		return err
	})
	return res, err
}

func (o *op) activate(ctx context.Context, it domain.Item) (domain.Item, error) {
	children, err := o.tx.ListChildren(ctx, it)
	if err != nil {
		return it, err
	}
	if len(children) == 0 {
		return o.setStatus(ctx, it, domain.StatusNext)
	}
	for _, c := range toActivate(children) {
		if _, err := o.activate(ctx, c); err != nil {
			return it, err
		}
	}
	return o.setStatus(ctx, it, domain.StatusActive)
}

// toActivate picks the auto-activated children, else the children at order
// 1, else every child. Resolved children are never picked.
func toActivate(children []domain.Item) []domain.Item {
	var open, auto, first []domain.Item
	for _, c := range children {
		if c.IsResolved() {
			continue
		}
		open = append(open, c)
		if c.IsAutoActivated {
			auto = append(auto, c)
		}
		if c.Order == 1 {
			first = append(first, c)
		}
	}
	switch {
	case len(auto) > 0:
		return auto
	case len(first) > 0:
		return first
	}
	return open
}

// setStatus persists a status change and records it. Trackers and tasks
// carry the change into their unresolved project records.
func (o *op) setStatus(ctx context.Context, it domain.Item, status domain.Status) (domain.Item, error) {
	if it.Status == status {
		return it, nil
	}
	it.Status = status
	it.UpdatedAt = o.now()
	if err := o.tx.UpdateItem(ctx, it); err != nil {
		return it, err
	}
	if variantOf(it.Kind).perProject() {
		records, err := o.tx.ListItemProjects(ctx, store.ItemProjectFilter{ItemID: it.ID})
		if err != nil {
			return it, err
		}
		for _, r := range records {
			if r.Status == domain.StatusResolved || r.Status == status {
				continue
			}
			r.Status = status
			if err := o.tx.UpdateItemProject(ctx, r); err != nil {
				return it, err
			}
		}
	}
	if _, err := o.record(ctx, it.Ref(), "", domain.StatusFlag(status), ""); err != nil {
		return it, err
	}
	return it, nil
}

// Resolve closes an item and, unless told otherwise, lets the resolution
// cascade through its siblings and parents.
func (e Engine) Resolve(ctx context.Context, id int64, actor string, opts ResolveOptions) (domain.Item, error) {
	root, err := e.rootID(ctx, id)
	if err != nil {
		return domain.Item{}, err
	}
	var res domain.Item
	err = e.run(ctx, "resolve", actor, root, func(ctx context.Context, o *op) error {
		it, err := o.tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		res, err = o.resolve(ctx, it, opts)
		return err
	})
	return res, err
}

func (o *op) resolve(ctx context.Context, it domain.Item, opts ResolveOptions) (domain.Item, error) {
	if it.IsResolved() {
		return it, validationf("%s is already resolved", it.Ref())
	}
	resolution, err := domain.ParseResolution(string(opts.Resolution))
	if err != nil {
		return it, validationf("%v", err)
	}
	if resolution == domain.ResolutionNone {
		if it.Kind == domain.KindStep && it.IsReview {
			return it, validationf("review step %s needs an explicit resolution", it.Ref())
		}
		resolution = domain.ResolutionCompleted
	}
	if opts.ProjectID != "" && !variantOf(it.Kind).perProject() {
		return it, validationf("a %s has no per-project status", it.Kind)
	}
	it, err = o.markResolved(ctx, it, resolution, opts.ProjectID)
	if err != nil {
		return it, err
	}
	if !it.IsResolved() || opts.NoBubble {
		return it, nil
	}
	return it, o.bubble(ctx, it)
}

// markResolved resolves a step, or the project records of a tracker or task.
// The latter become RESOLVED once every record is.
func (o *op) markResolved(ctx context.Context, it domain.Item, resolution domain.Resolution, projectID string) (domain.Item, error) {
	flag := domain.ResolvedFlag(resolution)
	if !variantOf(it.Kind).perProject() {
		it.Status, it.Resolution = domain.StatusResolved, resolution
		it.UpdatedAt = o.now()
		if err := o.tx.UpdateItem(ctx, it); err != nil {
			return it, err
		}
		a, err := o.record(ctx, it.Ref(), "", flag, "")
		if err != nil {
			return it, err
		}
		return it, o.stampTask(ctx, it, a)
	}

	records, err := o.tx.ListItemProjects(ctx, store.ItemProjectFilter{ItemID: it.ID})
	if err != nil {
		return it, err
	}
	matched := projectID == ""
	for i, r := range records {
		if projectID != "" && r.ProjectID != projectID {
			continue
		}
		matched = true
		if r.Status == domain.StatusResolved {
			if projectID != "" {
				return it, validationf("%s is already resolved in %s", it.Ref(), projectID)
			}
			continue
		}
		r.Status, r.Resolution = domain.StatusResolved, resolution
		if err := o.tx.UpdateItemProject(ctx, r); err != nil {
			return it, err
		}
		records[i] = r
		if _, err := o.record(ctx, it.Ref(), r.ProjectID, flag, ""); err != nil {
			return it, err
		}
	}
	if !matched {
		return it, validationf("%s is not associated with project %s", it.Ref(), projectID)
	}
	if len(records) > 0 && !domain.IsResolvedAll(records) {
		return it, nil
	}
	it.Status, it.Resolution = domain.StatusResolved, resolution
	it.UpdatedAt = o.now()
	if err := o.tx.UpdateItem(ctx, it); err != nil {
		return it, err
	}
	if len(records) == 0 {
		if _, err := o.record(ctx, it.Ref(), "", flag, ""); err != nil {
			return it, err
		}
	}
	return it, nil
}

// stampTask caches the time of the latest step resolution on the task.
func (o *op) stampTask(ctx context.Context, step domain.Item, a domain.Action) error {
	if step.TaskID == nil {
		return nil
	}
	task, err := o.tx.GetItem(ctx, *step.TaskID)
	if err != nil {
		return err
	}
	ts := a.Timestamp
	task.LatestResolTS = &ts
	return o.tx.UpdateItem(ctx, task)
}

// bubble decides what the resolution of it means for its siblings and parent.
func (o *op) bubble(ctx context.Context, it domain.Item) error {
	containerID := variantOf(it.Kind).container(it)
	if containerID == 0 {
		return nil
	}
	container, err := o.tx.GetItem(ctx, containerID)
	if err != nil {
		return err
	}
	all, err := o.tx.ListChildren(ctx, container)
	if err != nil {
		return err
	}
	siblings := make([]domain.Item, 0, len(all))
	for _, s := range all {
		if s.ID != it.ID {
			siblings = append(siblings, s)
		}
	}

	log := o.e.logger().With("item", it.Ref().String(), "container", container.Ref().String())
	if !it.ResolvesParent && !branchFinished(o.e.Config.Cascade.FinishedBranch, it, siblings) {
		next := nextSibling(it, siblings)
		if next == nil || next.Status != domain.StatusNew {
			log.Debug("branch still open")
			return nil
		}
		log.Debug("activating next sibling", "next", next.Ref().String())
		_, err := o.activate(ctx, *next)
		return err
	}
	if container.IsResolved() {
		return nil
	}

	topLevelStep := it.Kind == domain.KindStep && it.ParentID == nil
	if topLevelStep {
		if !o.e.Config.Cascade.ResolveTaskFromSteps {
			log.Debug("task left for the user to resolve")
			return nil
		}
		_, err := o.resolve(ctx, container, ResolveOptions{
			Resolution: it.Resolution,
			NoBubble:   it.Resolution == domain.ResolutionFailed,
		})
		return err
	}

	if it.Resolution == domain.ResolutionFailed {
		log.Debug("branch failed, cloning container")
		clone, err := o.clone(ctx, container)
		if err != nil {
			return err
		}
		if _, err := o.activate(ctx, clone); err != nil {
			return err
		}
		_, err = o.resolve(ctx, container, ResolveOptions{Resolution: domain.ResolutionFailed, NoBubble: true})
		return err
	}
	log.Debug("branch finished, resolving container")
	_, err = o.resolve(ctx, container, ResolveOptions{Resolution: it.Resolution})
	return err
}

// branchFinished evaluates the configured finished-branch predicate.
func branchFinished(mode string, it domain.Item, siblings []domain.Item) bool {
	last := isLast(it, siblings)
	onlyActive := true
	lastOpen := true
	for _, s := range siblings {
		if s.IsWorking() {
			onlyActive = false
		}
		if s.IsOpen() {
			lastOpen = false
		}
	}
	switch mode {
	case config.FinishedLastOpen:
		return lastOpen
	case config.FinishedLastOnlyActive:
		return last && onlyActive
	}
	return (last && onlyActive) || lastOpen
}

// isLast reports whether no sibling follows it in order. Unordered items
// are always last.
func isLast(it domain.Item, siblings []domain.Item) bool {
	return nextSibling(it, siblings) == nil
}

// nextSibling returns the sibling ordered right after it. When a failed
// branch was cloned the newest item wins.
func nextSibling(it domain.Item, siblings []domain.Item) *domain.Item {
	if it.Order == 0 {
		return nil
	}
	var next *domain.Item
	for i := range siblings {
		s := siblings[i]
		if s.Order != it.Order+1 {
			continue
		}
		if next == nil || s.ID > next.ID {
			next = &siblings[i]
		}
	}
	return next
}

// clone respawns a container from its template in place of a failed one.
func (o *op) clone(ctx context.Context, it domain.Item) (domain.Item, error) {
	if it.ProtoID == nil {
		return it, consistencyf("%s has no template to clone from", it.Ref())
	}
	p, err := o.tx.GetProto(ctx, *it.ProtoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return it, consistencyf("template %d of %s is gone", *it.ProtoID, it.Ref())
		}
		return it, err
	}
	ov := Overrides{
		Summary:         it.Summary,
		Order:           it.Order,
		IsAutoActivated: it.IsAutoActivated,
		ResolvesParent:  it.ResolvesParent,
	}
	if it.ParentID != nil {
		ov.Parent = *it.ParentID
	}
	switch it.Kind {
	case domain.KindStep:
		if it.TaskID != nil {
			ov.Task = *it.TaskID
		}
		ov.Project = it.ProjectID
		if it.ProjectID != "" {
			ov.Projects = []string{it.ProjectID}
		} else if ov, err = o.stepDefaults(ctx, p, ov); err != nil {
			return it, err
		}
	default:
		records, err := o.tx.ListItemProjects(ctx, store.ItemProjectFilter{ItemID: it.ID})
		if err != nil {
			return it, err
		}
		for _, r := range records {
			ov.Projects = append(ov.Projects, r.ProjectID)
		}
		ov.Locale = it.Locale
		ov.Alias = it.Alias
		if it.BugID != nil {
			ov.Bug = it.Bug()
		}
	}
	return o.spawn(ctx, p, ov, cloning{project: true})
}
