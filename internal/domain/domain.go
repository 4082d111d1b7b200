package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags the three live item variants and the templates they come from.
type Kind string

const (
	KindTracker Kind = "tracker"
	KindTask    Kind = "task"
	KindStep    Kind = "step"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTracker, KindTask, KindStep:
		return k, nil
	}
	return "", fmt.Errorf("invalid kind %q", s)
}

type Status string

const (
	StatusNew      Status = "new"
	StatusActive   Status = "active"
	StatusNext     Status = "next"
	StatusOnHold   Status = "on_hold"
	StatusResolved Status = "resolved"
)

// Rank orders statuses along the lifecycle.
func (s Status) Rank() int {
	switch s {
	case StatusNew:
		return 1
	case StatusActive:
		return 2
	case StatusNext:
		return 3
	case StatusOnHold:
		return 4
	case StatusResolved:
		return 5
	}
	return 0
}

type Resolution string

const (
	ResolutionNone       Resolution = ""
	ResolutionCompleted  Resolution = "completed"
	ResolutionFailed     Resolution = "failed"
	ResolutionIncomplete Resolution = "incomplete"
)

func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ResolutionNone, ResolutionCompleted, ResolutionFailed, ResolutionIncomplete:
		return r, nil
	}
	return "", fmt.Errorf("invalid resolution %q", s)
}

// Project is the unit a tracker or task is associated with. Its ID doubles as
// the alias prefix for root items.
type Project struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Proto struct {
	ID              int64  `json:"id"`
	Kind            Kind   `json:"kind" enum:"tracker,task,step"`
	Summary         string `json:"summary"`
	Suffix          string `json:"suffix,omitempty"`
	ClonePerLocale  bool   `json:"clone_per_locale"`
	ClonePerProject bool   `json:"clone_per_project"`
	OwnerID         string `json:"owner_id,omitempty"`
	IsReview        bool   `json:"is_review"`
	AllowedTime     int    `json:"allowed_time,omitempty"`
}

// ClonesPerLocale reports the effective per-locale policy. Task templates are
// always cloned per locale, step templates never are.
func (p Proto) ClonesPerLocale() bool {
	switch p.Kind {
	case KindTask:
		return true
	case KindTracker:
		return p.ClonePerLocale
	}
	return false
}

// ClonesPerProject reports the effective per-project policy; only steps fan out
// per project.
func (p Proto) ClonesPerProject() bool {
	return p.Kind == KindStep && p.ClonePerProject
}

type Nesting struct {
	ID              int64 `json:"id"`
	ParentID        int64 `json:"parent_id"`
	ChildID         int64 `json:"child_id"`
	Order           int   `json:"order,omitempty"`
	IsAutoActivated bool  `json:"is_auto_activated"`
	ResolvesParent  bool  `json:"resolves_parent"`
}

// CanNest reports whether a template of kind child may be nested under parent.
func CanNest(parent, child Kind) bool {
	switch parent {
	case KindTracker:
		return child == KindTracker || child == KindTask
	case KindTask, KindStep:
		return child == KindStep
	}
	return false
}

// Ref is a tagged reference to a live item.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// ParseRef accepts "kind:id" or a bare id, in which case the kind is left empty.
func ParseRef(s string) (Ref, error) {
	kindPart, idPart, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		idPart, kindPart = kindPart, ""
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return Ref{}, fmt.Errorf("invalid item reference %q", s)
	}
	ref := Ref{ID: id}
	if kindPart != "" {
		k, err := ParseKind(kindPart)
		if err != nil {
			return Ref{}, err
		}
		ref.Kind = k
	}
	return ref, nil
}

// Item is a live tracker, task or step. Kind selects which of the
// kind-specific fields are meaningful.
type Item struct {
	ID              int64      `json:"id"`
	Kind            Kind       `json:"kind" enum:"tracker,task,step"`
	ProtoID         *int64     `json:"proto_id,omitempty"`
	ParentID        *int64     `json:"parent_id,omitempty"`
	TaskID          *int64     `json:"task_id,omitempty"`
	Summary         string     `json:"summary"`
	Repr            string     `json:"repr"`
	Locale          string     `json:"locale,omitempty"`
	Alias           string     `json:"alias,omitempty"`
	BugID           *int       `json:"bug_id,omitempty"`
	ProjectID       string     `json:"project_id,omitempty"`
	OwnerID         string     `json:"owner_id,omitempty"`
	Order           int        `json:"order,omitempty"`
	IsAutoActivated bool       `json:"is_auto_activated"`
	ResolvesParent  bool       `json:"resolves_parent"`
	IsReview        bool       `json:"is_review"`
	AllowedTime     int        `json:"allowed_time,omitempty"`
	Status          Status     `json:"status" enum:"new,active,next,on_hold,resolved"`
	Resolution      Resolution `json:"resolution,omitempty" enum:"completed,failed,incomplete"`
	SnapshotTS      *time.Time `json:"snapshot_ts,omitempty" format:"date-time"`
	LatestResolTS   *time.Time `json:"latest_resolution_ts,omitempty" format:"date-time"`
	CreatedAt       time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time  `json:"updated_at" format:"date-time"`
}

func (it Item) Ref() Ref { return Ref{Kind: it.Kind, ID: it.ID} }

func (it Item) IsResolved() bool { return it.Status == StatusResolved }

// IsOpen is true for anything not yet resolved.
func (it Item) IsOpen() bool { return it.Status.Rank() < StatusResolved.Rank() }

// IsWorking is true for items currently advancing (ACTIVE or NEXT).
func (it Item) IsWorking() bool { return it.Status == StatusActive || it.Status == StatusNext }

// Bug returns the external reference: the numeric bug id if set, the alias otherwise.
func (it Item) Bug() string {
	if it.BugID != nil {
		return strconv.Itoa(*it.BugID)
	}
	return it.Alias
}

// SetBug stores a numeric reference as the bug id and anything else as the alias.
func (it *Item) SetBug(ref string) {
	ref = strings.TrimSpace(ref)
	if n, err := strconv.Atoi(ref); err == nil {
		it.BugID = &n
		return
	}
	it.BugID = nil
	it.Alias = ref
}

// IsUptodate compares the stored snapshot with the external last-modified time.
func (it Item) IsUptodate(external time.Time) bool {
	if it.SnapshotTS == nil {
		return false
	}
	return !it.SnapshotTS.Before(external)
}

// FormatRepr renders the human summary cached in Repr.
func (it Item) FormatRepr() string {
	switch it.Kind {
	case KindStep:
		if it.ProjectID != "" {
			return fmt.Sprintf("%s (%s)", it.Summary, it.ProjectID)
		}
		return it.Summary
	default:
		if it.Locale != "" {
			return fmt.Sprintf("[%s] %s", it.Locale, it.Summary)
		}
		return it.Summary
	}
}

func (it Item) String() string {
	if it.Repr != "" {
		return it.Repr
	}
	return it.FormatRepr()
}

// ItemProject is the per-project status record of a tracker or task.
type ItemProject struct {
	ItemID     int64      `json:"item_id"`
	ProjectID  string     `json:"project_id"`
	Status     Status     `json:"status" enum:"new,active,next,on_hold,resolved"`
	Resolution Resolution `json:"resolution,omitempty" enum:"completed,failed,incomplete"`
}

// IsResolvedAll reports whether every project record is resolved.
func IsResolvedAll(records []ItemProject) bool {
	for _, r := range records {
		if r.Status != StatusResolved {
			return false
		}
	}
	return len(records) > 0
}

type Flag string

const (
	FlagCreated            Flag = "created"
	FlagActivated          Flag = "activated"
	FlagNexted             Flag = "nexted"
	FlagPutOnHold          Flag = "put_on_hold"
	FlagResolved           Flag = "resolved"
	FlagResolvedCompleted  Flag = "resolved_completed"
	FlagResolvedFailed     Flag = "resolved_failed"
	FlagResolvedIncomplete Flag = "resolved_incomplete"
	FlagUpdated            Flag = "updated"
	FlagSnapshotUpdated    Flag = "snapshot_updated"
	FlagBugIDUpdated       Flag = "bugid_updated"
)

var flagLabels = map[Flag]string{
	FlagCreated:            "created",
	FlagActivated:          "activated",
	FlagNexted:             "nexted",
	FlagPutOnHold:          "put on hold",
	FlagResolved:           "resolved",
	FlagResolvedCompleted:  "resolved (completed)",
	FlagResolvedFailed:     "resolved (failed)",
	FlagResolvedIncomplete: "resolved (incomplete)",
	FlagUpdated:            "updated",
	FlagSnapshotUpdated:    "snapshot updated",
	FlagBugIDUpdated:       "bugid updated",
}

func (f Flag) Label() string {
	if l, ok := flagLabels[f]; ok {
		return l
	}
	return string(f)
}

// ResolvedFlag maps a resolution onto its audit flag.
func ResolvedFlag(r Resolution) Flag {
	switch r {
	case ResolutionCompleted:
		return FlagResolvedCompleted
	case ResolutionFailed:
		return FlagResolvedFailed
	case ResolutionIncomplete:
		return FlagResolvedIncomplete
	}
	return FlagResolved
}

// StatusFlag maps a status change onto its audit flag.
func StatusFlag(s Status) Flag {
	switch s {
	case StatusActive:
		return FlagActivated
	case StatusNext:
		return FlagNexted
	case StatusOnHold:
		return FlagPutOnHold
	case StatusResolved:
		return FlagResolved
	}
	return FlagUpdated
}

type Action struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts" format:"date-time"`
	ActorID   string    `json:"actor_id"`
	Subject   Ref       `json:"subject"`
	ProjectID string    `json:"project_id,omitempty"`
	Flag      Flag      `json:"flag"`
	Message   string    `json:"message"`
	OpID      string    `json:"op_id,omitempty"`
}

// ProjectStats summarises the tasks of one project.
type ProjectStats struct {
	ProjectID  string `json:"project_id"`
	All        int    `json:"all"`
	Open       int    `json:"open"`
	Completion int    `json:"completion"`
}
