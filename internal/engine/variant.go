package engine

import (
	"github.com/stasm/todo/internal/domain"
)

// field names an override key a live-item kind may recognize.
type field int

const (
	fieldSummary field = iota
	fieldSuffix
	fieldAlias
	fieldLocale
	fieldParent
	fieldTask
	fieldProject
	fieldBug
	fieldOwner
	fieldOrder
	fieldAuto
	fieldResolvesParent
	fieldReview
	fieldAllowedTime
)

// variant holds the behavior that differs between trackers, tasks and steps.
type variant interface {
	kind() domain.Kind
	accepts(f field) bool
	// inherit copies the template's inheritable attributes into it.
	inherit(p domain.Proto, it *domain.Item)
	// childOverrides derives what the children of it are spawned with.
	childOverrides(it domain.Item, o Overrides) Overrides
	// perProject reports whether the kind carries per-project status records.
	perProject() bool
	// container returns the item a resolution bubbles up to, or 0 at a root.
	container(it domain.Item) int64
}

func variantOf(k domain.Kind) variant {
	switch k {
	case domain.KindTracker:
		return trackerVariant{}
	case domain.KindTask:
		return taskVariant{}
	}
	return stepVariant{}
}

var trackerFields = map[field]bool{
	fieldSummary: true, fieldSuffix: true, fieldAlias: true, fieldLocale: true,
	fieldParent: true, fieldOrder: true, fieldAuto: true, fieldResolvesParent: true,
}

type trackerVariant struct{}

func (trackerVariant) kind() domain.Kind { return domain.KindTracker }

func (trackerVariant) accepts(f field) bool { return trackerFields[f] }

func (trackerVariant) inherit(p domain.Proto, it *domain.Item) {
	it.Summary = p.Summary
}

func (trackerVariant) childOverrides(it domain.Item, o Overrides) Overrides {
	o.Parent = it.ID
	o.Task = 0
	o.Summary, o.Suffix, o.Alias = "", "", ""
	o.Order, o.IsAutoActivated, o.ResolvesParent = 0, false, false
	return o
}

func (trackerVariant) perProject() bool { return true }

func (trackerVariant) container(it domain.Item) int64 { return parentOf(it) }

type taskVariant struct{}

func (taskVariant) kind() domain.Kind { return domain.KindTask }

func (taskVariant) accepts(f field) bool { return f == fieldBug || trackerFields[f] }

func (taskVariant) inherit(p domain.Proto, it *domain.Item) {
	it.Summary = p.Summary
}

// Steps of a task reference it through Task and start with no parent.
func (taskVariant) childOverrides(it domain.Item, o Overrides) Overrides {
	o.Task = it.ID
	o.Parent = 0
	o.Summary, o.Suffix, o.Alias, o.Bug = "", "", "", ""
	o.Order, o.IsAutoActivated, o.ResolvesParent = 0, false, false
	return o
}

func (taskVariant) perProject() bool { return true }

func (taskVariant) container(it domain.Item) int64 { return parentOf(it) }

var stepFields = map[field]bool{
	fieldSummary: true, fieldParent: true, fieldTask: true, fieldProject: true,
	fieldOwner: true, fieldOrder: true, fieldAuto: true, fieldResolvesParent: true,
	fieldReview: true, fieldAllowedTime: true,
}

type stepVariant struct{}

func (stepVariant) kind() domain.Kind { return domain.KindStep }

func (stepVariant) accepts(f field) bool { return stepFields[f] }

func (stepVariant) inherit(p domain.Proto, it *domain.Item) {
	it.Summary = p.Summary
	it.OwnerID = p.OwnerID
	it.IsReview = p.IsReview
	it.AllowedTime = p.AllowedTime
}

// The project only applies to the step fanned out for it, not to its children.
func (stepVariant) childOverrides(it domain.Item, o Overrides) Overrides {
	o.Parent = it.ID
	o.Summary, o.Owner, o.Alias, o.Project = "", "", "", ""
	o.IsReview, o.AllowedTime = false, 0
	o.Order, o.IsAutoActivated, o.ResolvesParent = 0, false, false
	return o
}

func (stepVariant) perProject() bool { return false }

// A top-level step bubbles up to its task.
func (stepVariant) container(it domain.Item) int64 {
	if it.ParentID != nil {
		return *it.ParentID
	}
	if it.TaskID != nil {
		return *it.TaskID
	}
	return 0
}

func parentOf(it domain.Item) int64 {
	if it.ParentID != nil {
		return *it.ParentID
	}
	return 0
}
