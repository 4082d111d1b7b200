package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/stasm/todo/internal/catalog"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/engine"
	"github.com/stasm/todo/internal/extref"
	"github.com/stasm/todo/internal/logging"
	"github.com/stasm/todo/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Source   extref.Source
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"review steps need an explicit resolution"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the todo API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema violations are client errors like any other
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	hcfg := huma.DefaultConfig("todo API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine, cfg.Source)
	registerTemplates(group, cfg.Engine)
	registerItems(group, cfg.Engine, cfg.Source)
	registerActions(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, extref.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, nil)
	case errors.Is(err, engine.ErrConsistency):
		return newAPIError(http.StatusInternalServerError, "consistency_failure", msg, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	doc := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		b, _ := json.Marshal(oas)
		return b
	})
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc())
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>todo API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Principal `json:"body"`
	}, error) {
		p, _ := principalFromContext(ctx)
		return &struct {
			Body Principal `json:"body"`
		}{Body: p}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine, src extref.Source) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, input.Body.ID, input.Body.Label)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		projects, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(projects)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-stats",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stats",
		Summary:     "Task counts and completion of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ProjectStats `json:"body"`
	}, error) {
		stats, err := e.ProjectStats(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-overdue",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/overdue",
		Summary:     "Steps past their allowed time",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body itemsResponse `json:"body"`
	}, error) {
		steps, err := e.OverdueSteps(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse `json:"body"`
		}{Body: itemsResponse{Items: nonNilSlice(steps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-freshness",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/freshness",
		Summary:     "Compare task snapshots with their external references",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body freshnessResponse `json:"body"`
	}, error) {
		if src == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "no external reference source configured", nil)
		}
		res, err := e.CheckFreshnessAll(ctx, input.ProjectID, src)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body freshnessResponse `json:"body"`
		}{Body: freshnessResponse{Items: nonNilSlice(res)}}, nil
	})
}

type templatePath struct {
	ID int64 `path:"id"`
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Proto `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := templateProto(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "kind"})
		}
		p, err = e.CreateProto(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proto `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Proto `json:"body"`
	}, error) {
		protos, err := e.ListProtos(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proto `json:"body"`
		}{Body: nonNilSlice(protos)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template with its nested children",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *templatePath) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		p, err := e.GetProto(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		edges, err := e.ListNestings(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: TemplateResponse{Proto: p, Children: edges}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "nest-template",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/children",
		Summary:       "Nest a template under another",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body NestTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Nesting `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := e.CreateNesting(ctx, domain.Nesting{
			ParentID:        input.ID,
			ChildID:         input.Body.ChildID,
			Order:           input.Body.Order,
			IsAutoActivated: input.Body.IsAutoActivated,
			ResolvesParent:  input.Body.ResolvesParent,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Nesting `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-templates",
		Method:        http.MethodPost,
		Path:          "/templates/import",
		Summary:       "Import a YAML template catalog",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ImportCatalogRequest `json:"body"`
	}) (*struct {
		Body map[string]domain.Proto `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := catalog.Parse([]byte(input.Body.Catalog))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "catalog"})
		}
		created, err := catalog.Import(ctx, e, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]domain.Proto `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "spawn",
		Method:        http.MethodPost,
		Path:          "/templates/{id}/spawn",
		Summary:       "Spawn a live tree from a template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64        `path:"id"`
		Body SpawnRequest `json:"body"`
	}) (*struct {
		Body itemsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var roots []domain.Item
		if input.Body.PerLocale {
			items, err := e.SpawnPerLocale(ctx, input.ID, actorID, input.Body.Overrides)
			if err != nil {
				return nil, handleError(err)
			}
			roots = items
		} else {
			it, err := e.Spawn(ctx, input.ID, actorID, input.Body.Overrides)
			if err != nil {
				return nil, handleError(err)
			}
			roots = []domain.Item{it}
		}
		if input.Body.Activate {
			for i, it := range roots {
				activated, err := e.Activate(ctx, it.ID, actorID)
				if err != nil {
					return nil, handleError(err)
				}
				roots[i] = activated
			}
		}
		return &struct {
			Body itemsResponse `json:"body"`
		}{Body: itemsResponse{Items: roots}}, nil
	})
}

type itemPath struct {
	ID int64 `path:"id"`
}

type itemOutput struct {
	Body ItemResponse `json:"body"`
}

func itemResponse(ctx context.Context, e engine.Engine, it domain.Item) (*itemOutput, error) {
	out := &itemOutput{Body: ItemResponse{Item: it}}
	if it.Kind == domain.KindStep {
		return out, nil
	}
	records, err := e.ItemProjects(ctx, it.ID)
	if err != nil {
		return nil, handleError(err)
	}
	out.Body.Projects = records
	return out, nil
}

func registerItems(api huma.API, e engine.Engine, src extref.Source) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tracker",
		Method:        http.MethodPost,
		Path:          "/trackers",
		Summary:       "Create a tracker without a template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTrackerRequest `json:"body"`
	}) (*itemOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CreateTracker(ctx, actorID, input.Body.Summary, engine.Overrides{
			Projects: input.Body.Projects,
			Parent:   input.Body.Parent,
			Locale:   input.Body.Locale,
			Alias:    input.Body.Alias,
			Suffix:   input.Body.Suffix,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return itemResponse(ctx, e, it)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List items",
	}, func(ctx context.Context, input *struct {
		Kind      string `query:"kind" enum:"tracker,task,step"`
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:"new,active,next,on_hold,resolved"`
		Roots     bool   `query:"roots"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body itemsResponse `json:"body"`
	}, error) {
		items, err := e.ListItems(ctx, store.ItemFilter{
			Kind:      domain.Kind(input.Kind),
			ProjectID: input.ProjectID,
			Status:    domain.Status(input.Status),
			RootsOnly: input.Roots,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body itemsResponse `json:"body"`
		}{Body: itemsResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*itemOutput, error) {
		it, err := e.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return itemResponse(ctx, e, it)
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-tree",
		Method:      http.MethodGet,
		Path:        "/items/{id}/tree",
		Summary:     "Subtree of an item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body *engine.Node `json:"body"`
	}, error) {
		tree, err := e.Tree(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *engine.Node `json:"body"`
		}{Body: tree}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-actions",
		Method:      http.MethodGet,
		Path:        "/items/{id}/actions",
		Summary:     "Audit trail of an item, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64  `path:"id"`
		Flag string `query:"flag"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		actions, err := e.Actions(ctx, input.ID, domain.Flag(input.Flag))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: actionsPage(actions, 0)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/activate",
		Summary:     "Activate item",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *itemPath) (*itemOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Activate(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return itemResponse(ctx, e, it)
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/resolve",
		Summary:     "Resolve item and cascade",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body ResolveRequest `json:"body"`
	}) (*itemOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Resolve(ctx, input.ID, actorID, engine.ResolveOptions{
			Resolution: domain.Resolution(input.Body.Resolution),
			NoBubble:   input.Body.NoBubble,
			ProjectID:  input.Body.ProjectID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return itemResponse(ctx, e, it)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{id}",
		Summary:     "Update item fields or put it on hold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateItemRequest `json:"body"`
	}) (*itemOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Update(ctx, input.ID, actorID, engine.UpdateOptions{
			Summary:    input.Body.Summary,
			Locale:     input.Body.Locale,
			Bug:        input.Body.Bug,
			SnapshotTS: input.Body.SnapshotTS,
			OnHold:     input.Body.OnHold,
			Message:    input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return itemResponse(ctx, e, it)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-time",
		Method:      http.MethodPost,
		Path:        "/items/{id}/reset-time",
		Summary:     "Restart the allowed-time clock of a step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *itemPath) (*itemOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.ResetTime(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return itemResponse(ctx, e, it)
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-freshness",
		Method:      http.MethodGet,
		Path:        "/items/{id}/freshness",
		Summary:     "Compare a task snapshot with its external reference",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body engine.Freshness `json:"body"`
	}, error) {
		if src == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "no external reference source configured", nil)
		}
		f, err := e.CheckFreshness(ctx, input.ID, src)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Freshness `json:"body"`
		}{Body: f}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "Action log, oldest first, paged by id",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
		Limit  int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		var after int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || v < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"field": "cursor"})
			}
			after = v
		}
		limit := normalizeLimit(input.Limit)
		actions, err := e.ActionsAfter(ctx, after, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: actionsPage(actions, limit)}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}
