package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stasm/todo/internal/db"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/migrate"
	"github.com/stasm/todo/internal/store"
)

func TestRebind(t *testing.T) {
	pg := Tx{dialect: db.Postgres}
	assert.Equal(t, "SELECT * FROM items WHERE id=$1 AND kind=$2", pg.rebind("SELECT * FROM items WHERE id=? AND kind=?"))
	lite := Tx{dialect: db.SQLite}
	assert.Equal(t, "id=?", lite.rebind("id=?"))
}

func TestPostgresQueriesAreRebound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO nestings\(parent_id,child_id,ord,is_auto_activated,resolves_parent\) VALUES \(\$1,\$2,\$3,\$4,\$5\) RETURNING id`).
		WithArgs(int64(1), int64(2), nil, 0, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	r := Repo{DB: conn, Dialect: db.Postgres}
	n := domain.Nesting{ParentID: 1, ChildID: 2, ResolvesParent: true}
	err = r.RunInTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertNesting(context.Background(), &n)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE item_projects").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	r := Repo{DB: conn, Dialect: db.SQLite}
	err = r.RunInTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateItemProject(context.Background(), domain.ItemProject{ItemID: 1, ProjectID: "fx", Status: domain.StatusActive})
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryErrorsPropagate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	boom := errors.New("connection reset")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id,kind").WillReturnError(boom)
	mock.ExpectRollback()

	r := Repo{DB: conn, Dialect: db.SQLite}
	err = r.RunInTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetItem(context.Background(), 3)
		return err
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func openSQLite(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{DSN: "file:" + filepath.Join(t.TempDir(), "todo.db") + "?_pragma=foreign_keys(1)"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return Repo{DB: conn, Dialect: db.SQLite}
}

func TestSQLiteRoundTrip(t *testing.T) {
	r := openSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var task, step domain.Item
	err := r.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertProject(ctx, domain.Project{ID: "fx", Label: "Firefox", CreatedAt: now}); err != nil {
			return err
		}
		proto := domain.Proto{Kind: domain.KindTask, Summary: "Localize", Suffix: "l10n", ClonePerLocale: true}
		if err := tx.InsertProto(ctx, &proto); err != nil {
			return err
		}
		bug := 42
		task = domain.Item{Kind: domain.KindTask, ProtoID: &proto.ID, Summary: "Localize", Repr: "Localize",
			Locale: "de", Alias: "fx-l10n-de", BugID: &bug, Status: domain.StatusNew, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertItem(ctx, &task); err != nil {
			return err
		}
		if err := tx.InsertItemProject(ctx, domain.ItemProject{ItemID: task.ID, ProjectID: "fx", Status: domain.StatusNew}); err != nil {
			return err
		}
		step = domain.Item{Kind: domain.KindStep, TaskID: &task.ID, Summary: "Translate", Repr: "Translate",
			ProjectID: "fx", Order: 1, AllowedTime: 3, Status: domain.StatusNew, CreatedAt: now, UpdatedAt: now}
		return tx.InsertItem(ctx, &step)
	})
	require.NoError(t, err)

	err = r.RunInTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetItem(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "fx-l10n-de", got.Alias)
		require.NotNil(t, got.BugID)
		assert.Equal(t, 42, *got.BugID)
		assert.True(t, got.CreatedAt.Equal(now))

		children, err := tx.ListChildren(ctx, got)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, step.ID, children[0].ID)
		assert.Equal(t, 1, children[0].Order)

		got.Status = domain.StatusResolved
		got.Resolution = domain.ResolutionCompleted
		ts := now.Add(time.Hour)
		got.LatestResolTS = &ts
		require.NoError(t, tx.UpdateItem(ctx, got))

		items, err := tx.ListItems(ctx, store.ItemFilter{ProjectID: "fx"})
		require.NoError(t, err)
		assert.Len(t, items, 2)
		return nil
	})
	require.NoError(t, err)

	err = r.RunInTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetItem(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ResolutionCompleted, got.Resolution)
		require.NotNil(t, got.LatestResolTS)

		_, err = tx.GetItem(ctx, 999)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.GetProject(ctx, "tb")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteActionsNewestFirst(t *testing.T) {
	r := openSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	subject := domain.Ref{Kind: domain.KindStep, ID: 5}

	err := r.RunInTx(ctx, func(tx store.Tx) error {
		for i, flag := range []domain.Flag{domain.FlagCreated, domain.FlagNexted, domain.FlagResolved} {
			a := domain.Action{Timestamp: now.Add(time.Duration(i) * time.Minute), ActorID: "ana", Subject: subject, Flag: flag, OpID: "op"}
			if err := tx.InsertAction(ctx, &a); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = r.RunInTx(ctx, func(tx store.Tx) error {
		all, err := tx.ListActions(ctx, store.ActionFilter{Subject: &subject})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, domain.FlagResolved, all[0].Flag)

		nexted, err := tx.ListActions(ctx, store.ActionFilter{Subject: &subject, Flag: domain.FlagNexted, Limit: 1})
		require.NoError(t, err)
		require.Len(t, nexted, 1)
		assert.True(t, nexted[0].Timestamp.Equal(now.Add(time.Minute)))
		return nil
	})
	require.NoError(t, err)
}
