package todosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal todo HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Item represents the API item model (partial).
type Item struct {
	ID         int64          `json:"id"`
	Kind       string         `json:"kind"`
	ParentID   *int64         `json:"parent_id,omitempty"`
	Summary    string         `json:"summary"`
	Repr       string         `json:"repr"`
	Locale     string         `json:"locale,omitempty"`
	Alias      string         `json:"alias,omitempty"`
	BugID      *int           `json:"bug_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Status     string         `json:"status"`
	Resolution string         `json:"resolution,omitempty"`
	SnapshotTS *time.Time     `json:"snapshot_ts,omitempty"`
	Projects   []ItemProjects `json:"projects,omitempty"`
}

// ItemProjects is the per-project status of a tracker or task.
type ItemProjects struct {
	ProjectID  string `json:"project_id"`
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
}

// Template represents a template with its nested children.
type Template struct {
	ID              int64     `json:"id"`
	Kind            string    `json:"kind"`
	Summary         string    `json:"summary"`
	Suffix          string    `json:"suffix,omitempty"`
	ClonePerLocale  bool      `json:"clone_per_locale"`
	ClonePerProject bool      `json:"clone_per_project"`
	OwnerID         string    `json:"owner_id,omitempty"`
	IsReview        bool      `json:"is_review"`
	AllowedTime     int       `json:"allowed_time,omitempty"`
	Children        []Nesting `json:"children,omitempty"`
}

type Nesting struct {
	ParentID        int64 `json:"parent_id"`
	ChildID         int64 `json:"child_id"`
	Order           int   `json:"order,omitempty"`
	IsAutoActivated bool  `json:"is_auto_activated"`
	ResolvesParent  bool  `json:"resolves_parent"`
}

// Action represents an action log entry.
type Action struct {
	ID      int64     `json:"id"`
	TS      time.Time `json:"ts"`
	ActorID string    `json:"actor_id"`
	Subject struct {
		Kind string `json:"kind"`
		ID   int64  `json:"id"`
	} `json:"subject"`
	ProjectID string `json:"project_id,omitempty"`
	Flag      string `json:"flag"`
	Message   string `json:"message"`
	OpID      string `json:"op_id,omitempty"`
}

// Node is one level of an item tree.
type Node struct {
	Item     Item           `json:"item"`
	Projects []ItemProjects `json:"projects,omitempty"`
	Overdue  bool           `json:"overdue,omitempty"`
	Children []*Node        `json:"children,omitempty"`
}

type ProjectStats struct {
	ProjectID  string `json:"project_id"`
	All        int    `json:"all"`
	Open       int    `json:"open"`
	Completion int    `json:"completion"`
}

// Overrides are spawn overrides; zero values are omitted.
type Overrides struct {
	Summary  string   `json:"summary,omitempty"`
	Projects []string `json:"projects,omitempty"`
	Locale   string   `json:"locale,omitempty"`
	Locales  []string `json:"locales,omitempty"`
	Alias    string   `json:"alias,omitempty"`
	Parent   int64    `json:"parent,omitempty"`
	Task     int64    `json:"task,omitempty"`
	Bug      string   `json:"bug,omitempty"`
	Owner    string   `json:"owner,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedActions wraps the action feed with its cursor.
type PaginatedActions struct {
	Items      []Action `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// ImportCatalog imports a YAML template catalog and returns the created
// templates by catalog key.
func (c *Client) ImportCatalog(ctx context.Context, catalog string) (map[string]Template, error) {
	var resp map[string]Template
	err := c.do(ctx, http.MethodPost, "templates/import", map[string]any{"catalog": catalog}, &resp)
	return resp, err
}

// Template fetches a template and its children.
func (c *Client) Template(ctx context.Context, id int64) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("templates/%d", id), nil, &resp)
	return resp, err
}

// Spawn instantiates a template. With perLocale one tree is spawned per
// entry of ov.Locales.
func (c *Client) Spawn(ctx context.Context, templateID int64, ov Overrides, perLocale, activate bool) ([]Item, error) {
	body := map[string]any{
		"overrides":  ov,
		"per_locale": perLocale,
		"activate":   activate,
	}
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("templates/%d/spawn", templateID), body, &resp)
	return resp.Items, err
}

// Item fetches a live item.
func (c *Client) Item(ctx context.Context, id int64) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("items/%d", id), nil, &resp)
	return resp, err
}

// Tree returns the item subtree rooted at id.
func (c *Client) Tree(ctx context.Context, id int64) (*Node, error) {
	var resp Node
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("items/%d/tree", id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Activate activates an item.
func (c *Client) Activate(ctx context.Context, id int64) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%d/activate", id), nil, &resp)
	return resp, err
}

// Resolve resolves an item. resolution may be empty except for review steps.
func (c *Client) Resolve(ctx context.Context, id int64, resolution string) (Item, error) {
	body := map[string]any{}
	if resolution != "" {
		body["resolution"] = resolution
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%d/resolve", id), body, &resp)
	return resp, err
}

// Hold puts an item on hold.
func (c *Client) Hold(ctx context.Context, id int64, message string) (Item, error) {
	body := map[string]any{"on_hold": true, "message": message}
	var resp Item
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("items/%d", id), body, &resp)
	return resp, err
}

// Stats returns task completion for a project.
func (c *Client) Stats(ctx context.Context, projectID string) (ProjectStats, error) {
	var resp ProjectStats
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%s/stats", url.PathEscape(projectID)), nil, &resp)
	return resp, err
}

// Actions returns the action log after cursor, oldest first.
func (c *Client) Actions(ctx context.Context, limit int, cursor string) (PaginatedActions, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "actions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
