package server

import (
	"strconv"
	"time"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

type CreateTemplateRequest struct {
	Kind            string `json:"kind" enum:"tracker,task,step"`
	Summary         string `json:"summary"`
	Suffix          string `json:"suffix,omitempty"`
	ClonePerLocale  *bool  `json:"clone_per_locale,omitempty"`
	ClonePerProject bool   `json:"clone_per_project,omitempty"`
	OwnerID         string `json:"owner_id,omitempty"`
	IsReview        bool   `json:"is_review,omitempty"`
	AllowedTime     int    `json:"allowed_time,omitempty" minimum:"0"`
}

type NestTemplateRequest struct {
	ChildID         int64 `json:"child_id"`
	Order           int   `json:"order,omitempty" minimum:"0"`
	IsAutoActivated bool  `json:"is_auto_activated,omitempty"`
	ResolvesParent  bool  `json:"resolves_parent,omitempty"`
}

type ImportCatalogRequest struct {
	// Catalog is the YAML catalog document.
	Catalog string `json:"catalog"`
}

type SpawnRequest struct {
	Overrides engine.Overrides `json:"overrides,omitempty"`
	// PerLocale spawns one tree per entry of overrides.locales.
	PerLocale bool `json:"per_locale,omitempty"`
	// Activate starts the spawned roots right away.
	Activate bool `json:"activate,omitempty"`
}

type CreateTrackerRequest struct {
	Summary  string   `json:"summary"`
	Projects []string `json:"projects"`
	Parent   int64    `json:"parent,omitempty"`
	Locale   string   `json:"locale,omitempty"`
	Alias    string   `json:"alias,omitempty"`
	Suffix   string   `json:"suffix,omitempty"`
}

type ResolveRequest struct {
	Resolution string `json:"resolution,omitempty" enum:"completed,failed,incomplete"`
	NoBubble   bool   `json:"no_bubble,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
}

type UpdateItemRequest struct {
	Summary    *string    `json:"summary,omitempty"`
	Locale     *string    `json:"locale,omitempty"`
	Bug        *string    `json:"bug,omitempty"`
	SnapshotTS *time.Time `json:"snapshot_ts,omitempty" format:"date-time"`
	OnHold     bool       `json:"on_hold,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Responses

type ItemResponse struct {
	domain.Item
	Projects []domain.ItemProject `json:"projects,omitempty"`
}

type TemplateResponse struct {
	domain.Proto
	Children []domain.Nesting `json:"children,omitempty"`
}

type paginatedActions struct {
	Items      []domain.Action `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type itemsResponse struct {
	Items []domain.Item `json:"items"`
}

type freshnessResponse struct {
	Items []engine.Freshness `json:"items"`
}

// Conversion helpers

func templateProto(req CreateTemplateRequest) (domain.Proto, error) {
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return domain.Proto{}, err
	}
	perLocale := kind == domain.KindTracker
	if req.ClonePerLocale != nil {
		perLocale = *req.ClonePerLocale
	}
	return domain.Proto{
		Kind:            kind,
		Summary:         req.Summary,
		Suffix:          req.Suffix,
		ClonePerLocale:  perLocale,
		ClonePerProject: req.ClonePerProject,
		OwnerID:         req.OwnerID,
		IsReview:        req.IsReview,
		AllowedTime:     req.AllowedTime,
	}, nil
}

func actionsPage(actions []domain.Action, limit int) paginatedActions {
	page := paginatedActions{Items: nonNilSlice(actions)}
	if limit > 0 && len(actions) == limit {
		page.NextCursor = strconv.FormatInt(actions[len(actions)-1].ID, 10)
	}
	return page
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
