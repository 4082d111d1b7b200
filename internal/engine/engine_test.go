package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stasm/todo/internal/config"
	"github.com/stasm/todo/internal/db"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/engine"
	"github.com/stasm/todo/internal/migrate"
	"github.com/stasm/todo/internal/repo"
	"github.com/stasm/todo/internal/store"
	"github.com/stasm/todo/internal/store/memstore"
)

const actor = "tester"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T, s store.Store, cfg *config.Config) testEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(s, cfg)
	eng.Now = func() time.Time { return now }
	ctx := context.Background()
	for _, id := range []string{"fx", "tb"} {
		_, err := eng.CreateProject(ctx, id, id)
		require.NoError(t, err)
	}
	return testEnv{Engine: eng, Ctx: ctx, now: &now}
}

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.Repo{DB: conn, Dialect: db.SQLite}
}

// eachStore runs fn against the in-memory store and sqlite.
func eachStore(t *testing.T, cfg *config.Config, fn func(t *testing.T, env testEnv)) {
	t.Run("memstore", func(t *testing.T) {
		fn(t, newTestEnv(t, memstore.New(), cfg))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newTestEnv(t, openSQLite(t), cfg))
	})
}

type fixture struct {
	release   domain.Proto // tracker, not cloned per locale
	l10n      domain.Proto // task: translate, review, sign-off
	translate domain.Proto
	review    domain.Proto
	signoff   domain.Proto
}

func seedTemplates(t *testing.T, env testEnv) fixture {
	t.Helper()
	e, ctx := env.Engine, env.Ctx
	var f fixture
	var err error
	f.release, err = e.CreateProto(ctx, domain.Proto{Kind: domain.KindTracker, Summary: "Release", Suffix: "rel"})
	require.NoError(t, err)
	f.l10n, err = e.CreateProto(ctx, domain.Proto{Kind: domain.KindTask, Summary: "Localize", Suffix: "l10n"})
	require.NoError(t, err)
	f.translate, err = e.CreateProto(ctx, domain.Proto{Kind: domain.KindStep, Summary: "Translate"})
	require.NoError(t, err)
	f.review, err = e.CreateProto(ctx, domain.Proto{Kind: domain.KindStep, Summary: "Review", IsReview: true})
	require.NoError(t, err)
	f.signoff, err = e.CreateProto(ctx, domain.Proto{Kind: domain.KindStep, Summary: "Sign off"})
	require.NoError(t, err)

	nest(t, env, f.release, f.l10n, 0, false)
	nest(t, env, f.l10n, f.translate, 1, false)
	nest(t, env, f.l10n, f.review, 2, false)
	nest(t, env, f.l10n, f.signoff, 3, false)
	return f
}

func nest(t *testing.T, env testEnv, parent, child domain.Proto, order int, auto bool) {
	t.Helper()
	_, err := env.Engine.CreateNesting(env.Ctx, domain.Nesting{
		ParentID:        parent.ID,
		ChildID:         child.ID,
		Order:           order,
		IsAutoActivated: auto,
	})
	require.NoError(t, err)
}

func step(t *testing.T, env testEnv, summary string) domain.Proto {
	t.Helper()
	p, err := env.Engine.CreateProto(env.Ctx, domain.Proto{Kind: domain.KindStep, Summary: summary})
	require.NoError(t, err)
	return p
}

func task(t *testing.T, env testEnv, summary string) domain.Proto {
	t.Helper()
	p, err := env.Engine.CreateProto(env.Ctx, domain.Proto{Kind: domain.KindTask, Summary: summary, Suffix: "t"})
	require.NoError(t, err)
	return p
}

func children(t *testing.T, env testEnv, id int64) []domain.Item {
	t.Helper()
	n, err := env.Engine.Tree(env.Ctx, id)
	require.NoError(t, err)
	var res []domain.Item
	for _, c := range n.Children {
		res = append(res, c.Item)
	}
	return res
}

func get(t *testing.T, env testEnv, id int64) domain.Item {
	t.Helper()
	it, err := env.Engine.GetItem(env.Ctx, id)
	require.NoError(t, err)
	return it
}

func TestSpawnMirrorsTemplateTree(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tk, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)

		assert.Equal(t, domain.KindTask, tk.Kind)
		assert.Equal(t, "fx-l10n", tk.Alias)
		assert.Equal(t, domain.StatusNew, tk.Status)
		require.NotNil(t, tk.ProtoID)
		assert.Equal(t, f.l10n.ID, *tk.ProtoID)

		steps := children(t, env, tk.ID)
		require.Len(t, steps, 3)
		for i, s := range steps {
			assert.Equal(t, domain.KindStep, s.Kind)
			assert.Nil(t, s.ParentID)
			require.NotNil(t, s.TaskID)
			assert.Equal(t, tk.ID, *s.TaskID)
			assert.Equal(t, i+1, s.Order)
			assert.Equal(t, domain.StatusNew, s.Status)
			assert.Equal(t, 3, s.AllowedTime)
		}
		assert.Equal(t, []string{"Translate", "Review", "Sign off"},
			[]string{steps[0].Summary, steps[1].Summary, steps[2].Summary})
		assert.True(t, steps[1].IsReview)

		records, err := env.Engine.ItemProjects(env.Ctx, tk.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, domain.StatusNew, records[0].Status)

		for _, it := range append(steps, tk) {
			actions, err := env.Engine.Actions(env.Ctx, it.ID, domain.FlagCreated)
			require.NoError(t, err)
			assert.Len(t, actions, 1, "one created record for %s", it.Ref())
		}
	})
}

func TestSpawnRecordsOneOperation(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tk, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)
		first, err := env.Engine.LatestAction(env.Ctx, tk.ID, "")
		require.NoError(t, err)
		require.NotEmpty(t, first.OpID)
		for _, s := range children(t, env, tk.ID) {
			a, err := env.Engine.LatestAction(env.Ctx, s.ID, "")
			require.NoError(t, err)
			assert.Equal(t, first.OpID, a.OpID)
			assert.Equal(t, actor, a.ActorID)
			assert.Equal(t, "created", a.Message)
		}
	})
}

func TestSpawnPerLocaleFansOut(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tasks, err := env.Engine.SpawnPerLocale(env.Ctx, f.l10n.ID, actor, engine.Overrides{
			Projects: []string{"fx"},
			Locales:  []string{"de", "pl"},
		})
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "fx-l10n-de", tasks[0].Alias)
		assert.Equal(t, "de", tasks[0].Locale)
		assert.Equal(t, "[de] Localize", tasks[0].Repr)
		assert.Equal(t, "fx-l10n-pl", tasks[1].Alias)
		for _, tk := range tasks {
			assert.Len(t, children(t, env, tk.ID), 3)
		}
	})
}

func TestSpawnTrackerClonesTasksPerLocale(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tr, err := env.Engine.Spawn(env.Ctx, f.release.ID, actor, engine.Overrides{
			Projects: []string{"fx"},
			Locales:  []string{"de", "pl"},
		})
		require.NoError(t, err)
		assert.Equal(t, "fx-rel", tr.Alias)
		assert.Empty(t, tr.Locale)

		tasks := children(t, env, tr.ID)
		require.Len(t, tasks, 2)
		assert.Equal(t, "fx-rel-l10n-de", tasks[0].Alias)
		assert.Equal(t, "fx-rel-l10n-pl", tasks[1].Alias)
		for _, tk := range tasks {
			require.NotNil(t, tk.ParentID)
			assert.Equal(t, tr.ID, *tk.ParentID)
			assert.Len(t, children(t, env, tk.ID), 3, "steps are not cloned per locale")
		}

		trackers, err := env.Engine.ListItems(env.Ctx, store.ItemFilter{Kind: domain.KindTracker})
		require.NoError(t, err)
		assert.Len(t, trackers, 1)
	})
}

func TestSpawnLocaleSuffixSkippedUnderLocalizedParent(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tr, err := env.Engine.CreateTracker(env.Ctx, actor, "German release", engine.Overrides{
			Projects: []string{"fx"},
			Alias:    "fx-de",
			Locale:   "de",
		})
		require.NoError(t, err)
		assert.Nil(t, tr.ProtoID)

		tasks, err := env.Engine.SpawnPerLocale(env.Ctx, f.l10n.ID, actor, engine.Overrides{
			Projects: []string{"fx"},
			Parent:   tr.ID,
			Locale:   "de",
		})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "fx-de-l10n", tasks[0].Alias)
	})
}

func TestSpawnPerProjectSteps(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tp := task(t, env, "Ship")
		sign, err := env.Engine.CreateProto(env.Ctx, domain.Proto{Kind: domain.KindStep, Summary: "Sign off", ClonePerProject: true})
		require.NoError(t, err)
		nest(t, env, tp, sign, 1, false)

		tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx", "tb"}})
		require.NoError(t, err)
		steps := children(t, env, tk.ID)
		require.Len(t, steps, 2)
		assert.Equal(t, "fx", steps[0].ProjectID)
		assert.Equal(t, "Sign off (fx)", steps[0].Repr)
		assert.Equal(t, "tb", steps[1].ProjectID)
	})
}

func TestSpawnSameTemplateTwiceGivesSameAlias(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tr, err := env.Engine.CreateTracker(env.Ctx, actor, "Release", engine.Overrides{Projects: []string{"fx"}, Suffix: "rel"})
		require.NoError(t, err)
		assert.Equal(t, "fx-rel", tr.Alias)

		ov := engine.Overrides{Projects: []string{"fx"}, Parent: tr.ID}
		a, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, ov)
		require.NoError(t, err)
		b, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, ov)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, "fx-rel-l10n", a.Alias)
		assert.Equal(t, a.Alias, b.Alias)
	})
}

func TestSpawnOverrides(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tk, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, engine.Overrides{
			Projects: []string{"fx"},
			Summary:  "Localize the installer",
			Alias:    "installer",
			Bug:      "123456",
			Owner:    "ignored for tasks",
		})
		require.NoError(t, err)
		assert.Equal(t, "Localize the installer", tk.Summary)
		assert.Equal(t, "installer", tk.Alias)
		require.NotNil(t, tk.BugID)
		assert.Equal(t, 123456, *tk.BugID)
		assert.Empty(t, tk.OwnerID)

		for _, s := range children(t, env, tk.ID) {
			assert.NotEqual(t, "Localize the installer", s.Summary, "summary does not leak into children")
		}
	})
}

func TestSpawnValidation(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		e, ctx := env.Engine, env.Ctx

		_, err := e.Spawn(ctx, f.l10n.ID, actor, engine.Overrides{})
		assert.ErrorIs(t, err, engine.ErrValidation, "projects are required")

		_, err = e.Spawn(ctx, f.l10n.ID, actor, engine.Overrides{Projects: []string{"nope"}})
		assert.ErrorIs(t, err, engine.ErrValidation, "unknown project")

		_, err = e.Spawn(ctx, f.l10n.ID, "", engine.Overrides{Projects: []string{"fx"}})
		assert.ErrorIs(t, err, engine.ErrValidation, "actor is required")

		_, err = e.Spawn(ctx, 999, actor, engine.Overrides{Projects: []string{"fx"}})
		assert.ErrorIs(t, err, store.ErrNotFound)

		bare, err := e.CreateTracker(ctx, actor, "No alias", engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)
		assert.Empty(t, bare.Alias)
		_, err = e.Spawn(ctx, f.l10n.ID, actor, engine.Overrides{Projects: []string{"fx"}, Parent: bare.ID})
		assert.ErrorIs(t, err, engine.ErrValidation, "suffix needs an anchor")

		_, err = e.Spawn(ctx, f.translate.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		assert.ErrorIs(t, err, engine.ErrValidation, "a step needs a task")

		items, err := e.ListItems(ctx, store.ItemFilter{})
		require.NoError(t, err)
		assert.Len(t, items, 1, "failed spawns leave nothing behind")
	})
}

func TestSpawnStepUnderExistingTask(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tk, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)
		extra, err := env.Engine.Spawn(env.Ctx, f.signoff.ID, actor, engine.Overrides{Task: tk.ID, Order: 4})
		require.NoError(t, err)
		require.NotNil(t, extra.TaskID)
		assert.Equal(t, tk.ID, *extra.TaskID)
		assert.Len(t, children(t, env, tk.ID), 4)
	})
}

// groupTask builds task -> group(1) -> a(1), b(2), c(3).
func groupTask(t *testing.T, env testEnv) (domain.Item, domain.Item, []domain.Item) {
	t.Helper()
	tp := task(t, env, "Triage")
	group := step(t, env, "Group")
	nest(t, env, tp, group, 1, false)
	for i, name := range []string{"a", "b", "c"} {
		nest(t, env, group, step(t, env, name), i+1, false)
	}
	tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx"}})
	require.NoError(t, err)
	top := children(t, env, tk.ID)
	require.Len(t, top, 1)
	return tk, top[0], children(t, env, top[0].ID)
}

func TestActivateSelectsFirstOrderedChild(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tk, group, steps := groupTask(t, env)
		require.Len(t, steps, 3)

		tk, err := env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, tk.Status)
		assert.Equal(t, domain.StatusActive, get(t, env, group.ID).Status)
		assert.Equal(t, domain.StatusNext, get(t, env, steps[0].ID).Status)
		assert.Equal(t, domain.StatusNew, get(t, env, steps[1].ID).Status)
		assert.Equal(t, domain.StatusNew, get(t, env, steps[2].ID).Status)

		records, err := env.Engine.ItemProjects(env.Ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, records[0].Status)

		nexted, err := env.Engine.Actions(env.Ctx, steps[0].ID, domain.FlagNexted)
		require.NoError(t, err)
		assert.Len(t, nexted, 1)

		_, err = env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		nexted, err = env.Engine.Actions(env.Ctx, steps[0].ID, domain.FlagNexted)
		require.NoError(t, err)
		assert.Len(t, nexted, 1, "no record without a status change")
	})
}

func TestActivatePrefersAutoActivated(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tp := task(t, env, "Parallel")
		nest(t, env, tp, step(t, env, "first"), 1, false)
		nest(t, env, tp, step(t, env, "side"), 2, true)
		nest(t, env, tp, step(t, env, "other"), 3, true)
		tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)

		_, err = env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		steps := children(t, env, tk.ID)
		assert.Equal(t, domain.StatusNew, steps[0].Status)
		assert.Equal(t, domain.StatusNext, steps[1].Status)
		assert.Equal(t, domain.StatusNext, steps[2].Status)
	})
}

func TestActivateWithoutFirstOrder(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tp := task(t, env, "Late start")
		nest(t, env, tp, step(t, env, "second"), 2, false)
		nest(t, env, tp, step(t, env, "third"), 3, false)
		tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)

		_, err = env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		steps := children(t, env, tk.ID)
		require.Len(t, steps, 2)
		for _, s := range steps {
			assert.Equal(t, domain.StatusNext, s.Status, "order %d", s.Order)
		}
	})
}

func TestActivateUnorderedChildren(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tr, err := env.Engine.CreateTracker(env.Ctx, actor, "Umbrella", engine.Overrides{Projects: []string{"fx"}, Alias: "umbrella"})
		require.NoError(t, err)
		tp := task(t, env, "Child")
		for range 2 {
			_, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx"}, Parent: tr.ID})
			require.NoError(t, err)
		}
		_, err = env.Engine.Activate(env.Ctx, tr.ID, actor)
		require.NoError(t, err)
		for _, c := range children(t, env, tr.ID) {
			assert.Equal(t, domain.StatusNext, c.Status, "a task without steps is next")
		}
	})
}

func TestResolveActivatesNextSibling(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tk, group, steps := groupTask(t, env)
		_, err := env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)

		a, err := env.Engine.Resolve(env.Ctx, steps[0].ID, actor, engine.ResolveOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusResolved, a.Status)
		assert.Equal(t, domain.ResolutionCompleted, a.Resolution)

		assert.Equal(t, domain.StatusNext, get(t, env, steps[1].ID).Status)
		assert.Equal(t, domain.StatusNew, get(t, env, steps[2].ID).Status)
		assert.Equal(t, domain.StatusActive, get(t, env, group.ID).Status)

		stamped := get(t, env, tk.ID)
		require.NotNil(t, stamped.LatestResolTS)
		assert.True(t, stamped.LatestResolTS.Equal(*env.now))
	})
}

func TestResolveBubblesUp(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tk, group, steps := groupTask(t, env)
		_, err := env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		for _, s := range steps {
			_, err := env.Engine.Resolve(env.Ctx, s.ID, actor, engine.ResolveOptions{})
			require.NoError(t, err)
		}
		g := get(t, env, group.ID)
		assert.Equal(t, domain.StatusResolved, g.Status)
		assert.Equal(t, domain.ResolutionCompleted, g.Resolution)
		assert.Equal(t, domain.StatusActive, get(t, env, tk.ID).Status, "the task is left to the user")

		_, err = env.Engine.Resolve(env.Ctx, steps[0].ID, actor, engine.ResolveOptions{})
		assert.ErrorIs(t, err, engine.ErrValidation)
	})
}

func TestResolveBubblesThroughLastParents(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tp := task(t, env, "Nested")
		outer := step(t, env, "Outer")
		mid := step(t, env, "Mid")
		nest(t, env, tp, outer, 1, false)
		nest(t, env, tp, step(t, env, "After"), 2, false)
		nest(t, env, outer, mid, 1, false)
		nest(t, env, mid, step(t, env, "Leaf"), 1, false)

		tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)
		_, err = env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)

		top := children(t, env, tk.ID)
		require.Len(t, top, 2)
		o, after := top[0], top[1]
		m := children(t, env, o.ID)[0]
		leaf := children(t, env, m.ID)[0]
		assert.Equal(t, domain.StatusNext, get(t, env, leaf.ID).Status)
		assert.Equal(t, domain.StatusNew, get(t, env, after.ID).Status)

		_, err = env.Engine.Resolve(env.Ctx, leaf.ID, actor, engine.ResolveOptions{Resolution: domain.ResolutionIncomplete})
		require.NoError(t, err)

		for _, id := range []int64{m.ID, o.ID} {
			got := get(t, env, id)
			assert.Equal(t, domain.StatusResolved, got.Status, got.Summary)
			assert.Equal(t, domain.ResolutionIncomplete, got.Resolution, got.Summary)
		}
		assert.Equal(t, domain.StatusNext, get(t, env, after.ID).Status)
		assert.Equal(t, domain.StatusActive, get(t, env, tk.ID).Status)
	})
}

func TestResolveTaskFromSteps(t *testing.T) {
	cfg := config.Default()
	cfg.Cascade.ResolveTaskFromSteps = true
	eachStore(t, cfg, func(t *testing.T, env testEnv) {
		tk, _, steps := groupTask(t, env)
		_, err := env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		for _, s := range steps {
			_, err := env.Engine.Resolve(env.Ctx, s.ID, actor, engine.ResolveOptions{})
			require.NoError(t, err)
		}
		got := get(t, env, tk.ID)
		assert.Equal(t, domain.StatusResolved, got.Status)
		assert.Equal(t, domain.ResolutionCompleted, got.Resolution)
	})
}

func TestResolveNoBubble(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tk, group, steps := groupTask(t, env)
		_, err := env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		_, err = env.Engine.Resolve(env.Ctx, steps[0].ID, actor, engine.ResolveOptions{NoBubble: true})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNew, get(t, env, steps[1].ID).Status)
		assert.Equal(t, domain.StatusActive, get(t, env, group.ID).Status)
	})
}

func TestResolveFailureClonesParentOnly(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tp := task(t, env, "Reviewed")
		outer := step(t, env, "Outer")
		group := step(t, env, "Group")
		review, err := env.Engine.CreateProto(env.Ctx, domain.Proto{Kind: domain.KindStep, Summary: "Review", IsReview: true})
		require.NoError(t, err)
		nest(t, env, tp, outer, 1, false)
		nest(t, env, outer, group, 1, false)
		nest(t, env, group, step(t, env, "Work"), 1, false)
		nest(t, env, group, review, 2, false)

		tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx"}})
		require.NoError(t, err)
		_, err = env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)

		o := children(t, env, tk.ID)[0]
		g := children(t, env, o.ID)[0]
		leaves := children(t, env, g.ID)
		require.Len(t, leaves, 2)

		_, err = env.Engine.Resolve(env.Ctx, leaves[0].ID, actor, engine.ResolveOptions{})
		require.NoError(t, err)
		before, err := env.Engine.Actions(env.Ctx, leaves[1].ID, "")
		require.NoError(t, err)
		_, err = env.Engine.Resolve(env.Ctx, leaves[1].ID, actor, engine.ResolveOptions{})
		assert.ErrorIs(t, err, engine.ErrValidation, "review needs an outcome")
		after, err := env.Engine.Actions(env.Ctx, leaves[1].ID, "")
		require.NoError(t, err)
		assert.Len(t, after, len(before), "failed validation writes nothing")

		_, err = env.Engine.Resolve(env.Ctx, leaves[1].ID, actor, engine.ResolveOptions{Resolution: domain.ResolutionFailed})
		require.NoError(t, err)

		failed := get(t, env, g.ID)
		assert.Equal(t, domain.StatusResolved, failed.Status)
		assert.Equal(t, domain.ResolutionFailed, failed.Resolution)

		groups := children(t, env, o.ID)
		require.Len(t, groups, 2)
		clone := groups[1]
		assert.Equal(t, g.Order, clone.Order)
		assert.Equal(t, domain.StatusActive, clone.Status)
		fresh := children(t, env, clone.ID)
		require.Len(t, fresh, 2)
		assert.Equal(t, domain.StatusNext, fresh[0].Status)
		assert.Equal(t, domain.StatusNew, fresh[1].Status)

		assert.Equal(t, domain.StatusActive, get(t, env, o.ID).Status, "the grandparent is untouched")
		assert.Equal(t, domain.StatusActive, get(t, env, tk.ID).Status)
	})
}

func TestResolveFailureOfGenericParent(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tr, err := env.Engine.CreateTracker(env.Ctx, actor, "Generic", engine.Overrides{Projects: []string{"fx"}, Alias: "gen"})
		require.NoError(t, err)
		tp := task(t, env, "Only")
		tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx"}, Parent: tr.ID})
		require.NoError(t, err)

		_, err = env.Engine.Resolve(env.Ctx, tk.ID, actor, engine.ResolveOptions{Resolution: domain.ResolutionFailed})
		assert.ErrorIs(t, err, engine.ErrConsistency)
		assert.Equal(t, domain.StatusNew, get(t, env, tk.ID).Status, "the cascade rolled back")
	})
}

func TestResolvePerProject(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tp := task(t, env, "Shared")
		tk, err := env.Engine.Spawn(env.Ctx, tp.ID, actor, engine.Overrides{Projects: []string{"fx", "tb"}})
		require.NoError(t, err)

		tk, err = env.Engine.Resolve(env.Ctx, tk.ID, actor, engine.ResolveOptions{ProjectID: "fx"})
		require.NoError(t, err)
		assert.NotEqual(t, domain.StatusResolved, tk.Status)

		_, err = env.Engine.Resolve(env.Ctx, tk.ID, actor, engine.ResolveOptions{ProjectID: "fx"})
		assert.ErrorIs(t, err, engine.ErrValidation)
		_, err = env.Engine.Resolve(env.Ctx, tk.ID, actor, engine.ResolveOptions{ProjectID: "nope"})
		assert.ErrorIs(t, err, engine.ErrValidation)

		tk, err = env.Engine.Resolve(env.Ctx, tk.ID, actor, engine.ResolveOptions{Resolution: domain.ResolutionIncomplete})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusResolved, tk.Status)
		assert.Equal(t, domain.ResolutionIncomplete, tk.Resolution)

		resolved, err := env.Engine.Actions(env.Ctx, tk.ID, domain.FlagResolvedCompleted)
		require.NoError(t, err)
		require.Len(t, resolved, 1)
		assert.Equal(t, "fx", resolved[0].ProjectID)
		incomplete, err := env.Engine.Actions(env.Ctx, tk.ID, domain.FlagResolvedIncomplete)
		require.NoError(t, err)
		require.Len(t, incomplete, 1)
		assert.Equal(t, "tb", incomplete[0].ProjectID)

		stats, err := env.Engine.ProjectStats(env.Ctx, "fx")
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectStats{ProjectID: "fx", All: 1, Open: 0, Completion: 100}, stats)
	})
}

func TestResolveStepRejectsProject(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		_, _, steps := groupTask(t, env)
		_, err := env.Engine.Resolve(env.Ctx, steps[0].ID, actor, engine.ResolveOptions{ProjectID: "fx"})
		assert.ErrorIs(t, err, engine.ErrValidation)
	})
}

func TestOverdueAndResetTime(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		tk, _, steps := groupTask(t, env)
		_, err := env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)

		overdue, err := env.Engine.OverdueSteps(env.Ctx, "")
		require.NoError(t, err)
		assert.Empty(t, overdue)

		env.advance(4 * 24 * time.Hour)
		overdue, err = env.Engine.OverdueSteps(env.Ctx, "fx")
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, steps[0].ID, overdue[0].ID)
		overdue, err = env.Engine.OverdueSteps(env.Ctx, "tb")
		require.NoError(t, err)
		assert.Empty(t, overdue)

		_, err = env.Engine.ResetTime(env.Ctx, steps[0].ID, actor)
		require.NoError(t, err)
		late, err := env.Engine.IsOverdue(env.Ctx, steps[0].ID)
		require.NoError(t, err)
		assert.False(t, late)

		_, err = env.Engine.ResetTime(env.Ctx, steps[1].ID, actor)
		require.NoError(t, err)
		nexted, err := env.Engine.Actions(env.Ctx, steps[1].ID, domain.FlagNexted)
		require.NoError(t, err)
		assert.Empty(t, nexted, "only next steps get their clock reset")
	})
}

func TestUpdate(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tk, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, engine.Overrides{Projects: []string{"fx"}, Locale: "de"})
		require.NoError(t, err)
		assert.Equal(t, "[de] Localize", tk.Repr)

		summary, locale := "Localize help", "fr"
		tk, err = env.Engine.Update(env.Ctx, tk.ID, actor, engine.UpdateOptions{Summary: &summary, Locale: &locale})
		require.NoError(t, err)
		assert.Equal(t, "[fr] Localize help", get(t, env, tk.ID).Repr)

		bug := "654321"
		ts := env.now.Add(time.Hour)
		_, err = env.Engine.Update(env.Ctx, tk.ID, actor, engine.UpdateOptions{Bug: &bug, SnapshotTS: &ts})
		require.NoError(t, err)
		got := get(t, env, tk.ID)
		assert.Equal(t, "654321", got.Bug())
		require.NotNil(t, got.SnapshotTS)
		assert.True(t, got.SnapshotTS.Equal(ts))

		for _, flag := range []domain.Flag{domain.FlagUpdated, domain.FlagBugIDUpdated, domain.FlagSnapshotUpdated} {
			actions, err := env.Engine.Actions(env.Ctx, tk.ID, flag)
			require.NoError(t, err)
			assert.Len(t, actions, 1, string(flag))
		}

		_, err = env.Engine.Update(env.Ctx, tk.ID, actor, engine.UpdateOptions{OnHold: true})
		assert.ErrorIs(t, err, engine.ErrValidation, "new items cannot be held")
		_, err = env.Engine.Update(env.Ctx, tk.ID, actor, engine.UpdateOptions{})
		assert.ErrorIs(t, err, engine.ErrValidation)

		_, err = env.Engine.Activate(env.Ctx, tk.ID, actor)
		require.NoError(t, err)
		held, err := env.Engine.Update(env.Ctx, tk.ID, actor, engine.UpdateOptions{OnHold: true, Message: "waiting on strings"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusOnHold, held.Status)
		a, err := env.Engine.LatestAction(env.Ctx, tk.ID, domain.FlagPutOnHold)
		require.NoError(t, err)
		assert.Equal(t, "put on hold", a.Message)
	})
}

type fakeSource map[string]time.Time

func (f fakeSource) LastModified(_ context.Context, ref string) (time.Time, error) {
	ts, ok := f[ref]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	return ts, nil
}

func TestFreshness(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tk, err := env.Engine.Spawn(env.Ctx, f.l10n.ID, actor, engine.Overrides{Projects: []string{"fx"}, Bug: "42"})
		require.NoError(t, err)
		changed := env.now.Add(time.Hour)
		src := fakeSource{"42": changed}

		res, err := env.Engine.CheckFreshness(env.Ctx, tk.ID, src)
		require.NoError(t, err)
		assert.False(t, res.Uptodate, "no snapshot yet")

		_, err = env.Engine.Update(env.Ctx, tk.ID, actor, engine.UpdateOptions{SnapshotTS: &changed})
		require.NoError(t, err)
		res, err = env.Engine.CheckFreshness(env.Ctx, tk.ID, src)
		require.NoError(t, err)
		assert.True(t, res.Uptodate)

		src["42"] = changed.Add(time.Minute)
		all, err := env.Engine.CheckFreshnessAll(env.Ctx, "fx", src)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.False(t, all[0].Uptodate)
		assert.Equal(t, "42", all[0].Ref)

		steps := children(t, env, tk.ID)
		_, err = env.Engine.CheckFreshness(env.Ctx, steps[0].ID, src)
		assert.ErrorIs(t, err, engine.ErrValidation)
	})
}

func TestTemplateGraphRules(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		e, ctx := env.Engine, env.Ctx

		_, err := e.CreateNesting(ctx, domain.Nesting{ParentID: f.l10n.ID, ChildID: f.signoff.ID, Order: 2})
		assert.ErrorIs(t, err, engine.ErrValidation, "duplicate step order")
		_, err = e.CreateNesting(ctx, domain.Nesting{ParentID: f.l10n.ID, ChildID: f.signoff.ID})
		assert.ErrorIs(t, err, engine.ErrValidation, "step order required")
		_, err = e.CreateNesting(ctx, domain.Nesting{ParentID: f.release.ID, ChildID: f.translate.ID})
		assert.ErrorIs(t, err, engine.ErrValidation, "trackers do not nest steps")

		a, b := step(t, env, "a"), step(t, env, "b")
		nest(t, env, a, b, 1, false)
		_, err = e.CreateNesting(ctx, domain.Nesting{ParentID: b.ID, ChildID: a.ID, Order: 1})
		assert.ErrorIs(t, err, engine.ErrValidation, "cycle")

		_, err = e.CreateProto(ctx, domain.Proto{Kind: "epic", Summary: "x"})
		assert.ErrorIs(t, err, engine.ErrValidation)

		edges, err := e.ListNestings(ctx, f.l10n.ID)
		require.NoError(t, err)
		require.Len(t, edges, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{edges[0].Order, edges[1].Order, edges[2].Order})

		_, err = e.CreateProject(ctx, "fx", "dup")
		assert.ErrorIs(t, err, engine.ErrValidation)
	})
}

func TestImportTemplatesIsAtomic(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		_, err := env.Engine.ImportTemplates(env.Ctx, []engine.TemplateDef{
			{Key: "task", Proto: domain.Proto{Kind: domain.KindTask, Summary: "T"}, Children: []engine.EdgeDef{{Key: "missing", Order: 1}}},
		})
		assert.ErrorIs(t, err, engine.ErrValidation)
		protos, err := env.Engine.ListProtos(env.Ctx)
		require.NoError(t, err)
		assert.Empty(t, protos)

		created, err := env.Engine.ImportTemplates(env.Ctx, []engine.TemplateDef{
			{Key: "task", Proto: domain.Proto{Kind: domain.KindTask, Summary: "T"}, Children: []engine.EdgeDef{{Key: "s", Order: 1}}},
			{Key: "s", Proto: domain.Proto{Kind: domain.KindStep, Summary: "S"}},
		})
		require.NoError(t, err)
		require.Len(t, created, 2)
		edges, err := env.Engine.ListNestings(env.Ctx, created["task"].ID)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, created["s"].ID, edges[0].ChildID)
	})
}

func TestTreeAndStats(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, env testEnv) {
		f := seedTemplates(t, env)
		tr, err := env.Engine.Spawn(env.Ctx, f.release.ID, actor, engine.Overrides{Projects: []string{"fx"}, Locales: []string{"de", "pl"}})
		require.NoError(t, err)
		n, err := env.Engine.Tree(env.Ctx, tr.ID)
		require.NoError(t, err)
		require.Len(t, n.Children, 2)
		require.Len(t, n.Projects, 1)
		assert.Len(t, n.Children[0].Children, 3)

		roots, err := env.Engine.ListItems(env.Ctx, store.ItemFilter{RootsOnly: true, ProjectID: "fx"})
		require.NoError(t, err)
		require.Len(t, roots, 1)
		assert.Equal(t, tr.ID, roots[0].ID)

		stats, err := env.Engine.ProjectStats(env.Ctx, "fx")
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectStats{ProjectID: "fx", All: 2, Open: 2, Completion: 0}, stats)

		_, err = env.Engine.ProjectStats(env.Ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
