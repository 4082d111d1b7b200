package todosdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stasm/todo/internal/config"
	"github.com/stasm/todo/internal/db"
	"github.com/stasm/todo/internal/engine"
	"github.com/stasm/todo/internal/logging"
	"github.com/stasm/todo/internal/migrate"
	"github.com/stasm/todo/internal/repo"
	"github.com/stasm/todo/internal/server"
	todosdk "github.com/stasm/todo/sdk/go"
)

const catalog = `projects:
  - id: fx
templates:
  - key: release
    kind: tracker
    summary: Release
    children:
      - key: l10n
  - key: l10n
    kind: task
    summary: Localize
    suffix: l10n
    children:
      - key: translate
        order: 1
      - key: signoff
        order: 2
  - key: translate
    kind: step
    summary: Translate
  - key: signoff
    kind: step
    summary: Sign off
`

func newClient(t *testing.T) *todosdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(repo.Repo{DB: conn, Dialect: db.SQLite}, config.Default())
	handler, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret"},
		Logger: logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	token, err := server.IssueToken("sdk-secret", "sdk-user", time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return todosdk.New(srv.URL, token)
}

func TestClientWorkflow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	protos, err := c.ImportCatalog(ctx, catalog)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	release := protos["release"]
	if release.ID == 0 || release.Kind != "tracker" {
		t.Fatalf("unexpected template %+v", release)
	}
	tpl, err := c.Template(ctx, release.ID)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if len(tpl.Children) != 1 {
		t.Fatalf("expected one child, got %d", len(tpl.Children))
	}

	roots, err := c.Spawn(ctx, release.ID, todosdk.Overrides{Projects: []string{"fx"}, Locales: []string{"de", "fr"}}, true, true)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(roots) != 2 || roots[0].Status != "active" {
		t.Fatalf("unexpected roots %+v", roots)
	}

	tree, err := c.Tree(ctx, roots[0].ID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree.Children) != 1 || len(tree.Children[0].Children) != 2 {
		t.Fatalf("unexpected tree shape %+v", tree)
	}
	first := tree.Children[0].Children[0].Item
	if _, err := c.Resolve(ctx, first.ID, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	held, err := c.Hold(ctx, tree.Children[0].Children[1].Item.ID, "waiting for strings")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if held.Status != "on_hold" {
		t.Fatalf("expected on_hold, got %s", held.Status)
	}

	stats, err := c.Stats(ctx, "fx")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.All != 2 {
		t.Fatalf("expected 2 tasks, got %d", stats.All)
	}

	page, err := c.Actions(ctx, 2, "")
	if err != nil {
		t.Fatalf("actions: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected page %+v", page)
	}
	next, err := c.Actions(ctx, 2, page.NextCursor)
	if err != nil {
		t.Fatalf("actions page 2: %v", err)
	}
	if len(next.Items) == 0 || next.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("cursor did not advance: %+v", next.Items)
	}
}

func TestClientErrors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Item(ctx, 999)
	var apiErr *todosdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 api error, got %v", err)
	}

	c.BearerToken = ""
	_, err = c.Stats(ctx, "fx")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 || apiErr.Code != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %v", err)
	}
}
