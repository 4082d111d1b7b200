package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stasm/todo/internal/db"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

// Repo is the SQL Store. Queries are written with ? placeholders and rebound
// for postgres.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = store.ErrNotFound

var _ store.Store = Repo{}

const tsLayout = "2006-01-02T15:04:05.000000000Z"

func (r Repo) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(Tx{q: tx, dialect: r.Dialect}); err != nil {
		return err
	}
	return tx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx implements store.Tx on top of a *sql.Tx.
type Tx struct {
	q       querier
	dialect db.Dialect
}

func (t Tx) rebind(query string) string {
	if t.dialect != db.Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (t Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(ctx, t.rebind(query), args...)
}

func (t Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.q.QueryContext(ctx, t.rebind(query), args...)
}

func (t Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(ctx, t.rebind(query), args...)
}

// --- projects ---

func (t Tx) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := t.exec(ctx, `INSERT INTO projects(id,label,created_at) VALUES (?,?,?)`,
		p.ID, nullable(p.Label), formatTS(p.CreatedAt))
	return err
}

func (t Tx) GetProject(ctx context.Context, id string) (domain.Project, error) {
	rows, err := t.query(ctx, `SELECT id,COALESCE(label,''),created_at FROM projects WHERE id=?`, id)
	if err != nil {
		return domain.Project{}, err
	}
	projects, err := scanProjects(rows)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	return projects[0], nil
}

func (t Tx) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := t.query(ctx, `SELECT id,COALESCE(label,''),created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return scanProjects(rows)
}

func scanProjects(rows *sql.Rows) ([]domain.Project, error) {
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var created string
		if err := rows.Scan(&p.ID, &p.Label, &created); err != nil {
			return nil, err
		}
		ts, err := parseTS(created)
		if err != nil {
			return nil, err
		}
		p.CreatedAt = ts
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- templates ---

const protoColumns = `id,kind,summary,suffix,clone_per_locale,clone_per_project,owner_id,is_review,allowed_time`

func (t Tx) InsertProto(ctx context.Context, p *domain.Proto) error {
	return t.queryRow(ctx, `INSERT INTO protos(kind,summary,suffix,clone_per_locale,clone_per_project,owner_id,is_review,allowed_time)
		VALUES (?,?,?,?,?,?,?,?) RETURNING id`,
		string(p.Kind), p.Summary, nullable(p.Suffix), boolInt(p.ClonePerLocale), boolInt(p.ClonePerProject),
		nullable(p.OwnerID), boolInt(p.IsReview), p.AllowedTime).Scan(&p.ID)
}

func (t Tx) GetProto(ctx context.Context, id int64) (domain.Proto, error) {
	rows, err := t.query(ctx, `SELECT `+protoColumns+` FROM protos WHERE id=?`, id)
	if err != nil {
		return domain.Proto{}, err
	}
	protos, err := scanProtos(rows)
	if err != nil {
		return domain.Proto{}, err
	}
	if len(protos) == 0 {
		return domain.Proto{}, ErrNotFound
	}
	return protos[0], nil
}

func (t Tx) ListProtos(ctx context.Context) ([]domain.Proto, error) {
	rows, err := t.query(ctx, `SELECT `+protoColumns+` FROM protos ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanProtos(rows)
}

func scanProtos(rows *sql.Rows) ([]domain.Proto, error) {
	defer rows.Close()
	var res []domain.Proto
	for rows.Next() {
		var p domain.Proto
		var kind string
		var suffix, owner sql.NullString
		if err := rows.Scan(&p.ID, &kind, &p.Summary, &suffix, &p.ClonePerLocale, &p.ClonePerProject, &owner, &p.IsReview, &p.AllowedTime); err != nil {
			return nil, err
		}
		p.Kind = domain.Kind(kind)
		p.Suffix = suffix.String
		p.OwnerID = owner.String
		res = append(res, p)
	}
	return res, rows.Err()
}

func (t Tx) InsertNesting(ctx context.Context, n *domain.Nesting) error {
	return t.queryRow(ctx, `INSERT INTO nestings(parent_id,child_id,ord,is_auto_activated,resolves_parent) VALUES (?,?,?,?,?) RETURNING id`,
		n.ParentID, n.ChildID, nullableInt(n.Order), boolInt(n.IsAutoActivated), boolInt(n.ResolvesParent)).Scan(&n.ID)
}

func (t Tx) ListNestings(ctx context.Context, parentID int64) ([]domain.Nesting, error) {
	rows, err := t.query(ctx, `SELECT id,parent_id,child_id,ord,is_auto_activated,resolves_parent FROM nestings
		WHERE parent_id=? ORDER BY CASE WHEN ord IS NULL THEN 1 ELSE 0 END, ord, id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Nesting
	for rows.Next() {
		var n domain.Nesting
		var ord sql.NullInt64
		if err := rows.Scan(&n.ID, &n.ParentID, &n.ChildID, &ord, &n.IsAutoActivated, &n.ResolvesParent); err != nil {
			return nil, err
		}
		n.Order = int(ord.Int64)
		res = append(res, n)
	}
	return res, rows.Err()
}

// --- items ---

const itemColumns = `id,kind,proto_id,parent_id,task_id,summary,repr,locale,alias,bug_id,project_id,owner_id,ord,
	is_auto_activated,resolves_parent,is_review,allowed_time,status,resolution,snapshot_ts,latest_resolution_ts,created_at,updated_at`

func (t Tx) InsertItem(ctx context.Context, it *domain.Item) error {
	return t.queryRow(ctx, `INSERT INTO items(kind,proto_id,parent_id,task_id,summary,repr,locale,alias,bug_id,project_id,owner_id,ord,
		is_auto_activated,resolves_parent,is_review,allowed_time,status,resolution,snapshot_ts,latest_resolution_ts,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		string(it.Kind), nullableInt64Ptr(it.ProtoID), nullableInt64Ptr(it.ParentID), nullableInt64Ptr(it.TaskID),
		it.Summary, it.Repr, nullable(it.Locale), nullable(it.Alias), nullableIntPtr(it.BugID), nullable(it.ProjectID),
		nullable(it.OwnerID), nullableInt(it.Order), boolInt(it.IsAutoActivated), boolInt(it.ResolvesParent),
		boolInt(it.IsReview), it.AllowedTime, string(it.Status), nullable(string(it.Resolution)),
		nullableTS(it.SnapshotTS), nullableTS(it.LatestResolTS), formatTS(it.CreatedAt), formatTS(it.UpdatedAt)).Scan(&it.ID)
}

func (t Tx) UpdateItem(ctx context.Context, it domain.Item) error {
	res, err := t.exec(ctx, `UPDATE items SET summary=?,repr=?,locale=?,alias=?,bug_id=?,owner_id=?,status=?,resolution=?,
		snapshot_ts=?,latest_resolution_ts=?,updated_at=? WHERE id=?`,
		it.Summary, it.Repr, nullable(it.Locale), nullable(it.Alias), nullableIntPtr(it.BugID), nullable(it.OwnerID),
		string(it.Status), nullable(string(it.Resolution)), nullableTS(it.SnapshotTS), nullableTS(it.LatestResolTS),
		formatTS(it.UpdatedAt), it.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t Tx) GetItem(ctx context.Context, id int64) (domain.Item, error) {
	rows, err := t.query(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id)
	if err != nil {
		return domain.Item{}, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return domain.Item{}, err
	}
	if len(items) == 0 {
		return domain.Item{}, ErrNotFound
	}
	return items[0], nil
}

const childOrder = ` ORDER BY CASE WHEN ord IS NULL THEN 1 ELSE 0 END, ord, id`

func (t Tx) ListChildren(ctx context.Context, parent domain.Item) ([]domain.Item, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parent.Kind == domain.KindTask {
		rows, err = t.query(ctx, `SELECT `+itemColumns+` FROM items WHERE task_id=? AND parent_id IS NULL AND kind='step'`+childOrder, parent.ID)
	} else {
		rows, err = t.query(ctx, `SELECT `+itemColumns+` FROM items WHERE parent_id=?`+childOrder, parent.ID)
	}
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (t Tx) ListItems(ctx context.Context, f store.ItemFilter) ([]domain.Item, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.RootsOnly {
		where = append(where, "parent_id IS NULL AND task_id IS NULL")
	}
	if f.ProjectID != "" {
		where = append(where, "(project_id=? OR id IN (SELECT item_id FROM item_projects WHERE project_id=?))")
		args = append(args, f.ProjectID, f.ProjectID)
	}
	q := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]domain.Item, error) {
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func scanItem(rows *sql.Rows) (domain.Item, error) {
	var it domain.Item
	var kind, status, created, updated string
	var protoID, parentID, taskID, bugID, ord sql.NullInt64
	var locale, alias, projectID, ownerID, resolution, snap, latest sql.NullString
	if err := rows.Scan(&it.ID, &kind, &protoID, &parentID, &taskID, &it.Summary, &it.Repr, &locale, &alias, &bugID,
		&projectID, &ownerID, &ord, &it.IsAutoActivated, &it.ResolvesParent, &it.IsReview, &it.AllowedTime,
		&status, &resolution, &snap, &latest, &created, &updated); err != nil {
		return it, err
	}
	it.Kind = domain.Kind(kind)
	it.Status = domain.Status(status)
	it.Resolution = domain.Resolution(resolution.String)
	it.ProtoID = int64Ptr(protoID)
	it.ParentID = int64Ptr(parentID)
	it.TaskID = int64Ptr(taskID)
	if bugID.Valid {
		v := int(bugID.Int64)
		it.BugID = &v
	}
	it.Locale = locale.String
	it.Alias = alias.String
	it.ProjectID = projectID.String
	it.OwnerID = ownerID.String
	it.Order = int(ord.Int64)
	var err error
	if it.SnapshotTS, err = parseNullTS(snap); err != nil {
		return it, err
	}
	if it.LatestResolTS, err = parseNullTS(latest); err != nil {
		return it, err
	}
	if it.CreatedAt, err = parseTS(created); err != nil {
		return it, err
	}
	if it.UpdatedAt, err = parseTS(updated); err != nil {
		return it, err
	}
	return it, nil
}

// --- per-project records ---

func (t Tx) InsertItemProject(ctx context.Context, ip domain.ItemProject) error {
	_, err := t.exec(ctx, `INSERT INTO item_projects(item_id,project_id,status,resolution) VALUES (?,?,?,?)`,
		ip.ItemID, ip.ProjectID, string(ip.Status), nullable(string(ip.Resolution)))
	return err
}

func (t Tx) UpdateItemProject(ctx context.Context, ip domain.ItemProject) error {
	res, err := t.exec(ctx, `UPDATE item_projects SET status=?,resolution=? WHERE item_id=? AND project_id=?`,
		string(ip.Status), nullable(string(ip.Resolution)), ip.ItemID, ip.ProjectID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t Tx) ListItemProjects(ctx context.Context, f store.ItemProjectFilter) ([]domain.ItemProject, error) {
	q := `SELECT ip.item_id,ip.project_id,ip.status,ip.resolution FROM item_projects ip JOIN items i ON i.id=ip.item_id WHERE 1=1`
	var args []any
	if f.ItemID != 0 {
		q += " AND ip.item_id=?"
		args = append(args, f.ItemID)
	}
	if f.ProjectID != "" {
		q += " AND ip.project_id=?"
		args = append(args, f.ProjectID)
	}
	if f.Kind != "" {
		q += " AND i.kind=?"
		args = append(args, string(f.Kind))
	}
	q += " ORDER BY ip.item_id, ip.project_id"
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ItemProject
	for rows.Next() {
		var ip domain.ItemProject
		var status string
		var resolution sql.NullString
		if err := rows.Scan(&ip.ItemID, &ip.ProjectID, &status, &resolution); err != nil {
			return nil, err
		}
		ip.Status = domain.Status(status)
		ip.Resolution = domain.Resolution(resolution.String)
		res = append(res, ip)
	}
	return res, rows.Err()
}

// --- actions ---

func (t Tx) InsertAction(ctx context.Context, a *domain.Action) error {
	return t.queryRow(ctx, `INSERT INTO actions(ts,actor_id,subject_kind,subject_id,project_id,flag,message,op_id) VALUES (?,?,?,?,?,?,?,?) RETURNING id`,
		formatTS(a.Timestamp), a.ActorID, string(a.Subject.Kind), a.Subject.ID, nullable(a.ProjectID),
		string(a.Flag), a.Message, nullable(a.OpID)).Scan(&a.ID)
}

func (t Tx) ListActions(ctx context.Context, f store.ActionFilter) ([]domain.Action, error) {
	q := `SELECT id,ts,actor_id,subject_kind,subject_id,COALESCE(project_id,''),flag,message,COALESCE(op_id,'') FROM actions WHERE 1=1`
	var args []any
	if f.Subject != nil {
		q += " AND subject_kind=? AND subject_id=?"
		args = append(args, string(f.Subject.Kind), f.Subject.ID)
	}
	if f.Flag != "" {
		q += " AND flag=?"
		args = append(args, string(f.Flag))
	}
	if f.ProjectID != "" {
		q += " AND project_id=?"
		args = append(args, f.ProjectID)
	}
	if f.AfterID > 0 {
		q += " AND id>?"
		args = append(args, f.AfterID)
	}
	if f.Ascending {
		q += " ORDER BY id"
	} else {
		q += " ORDER BY ts DESC, id DESC"
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var ts, kind, flag string
		if err := rows.Scan(&a.ID, &ts, &a.ActorID, &kind, &a.Subject.ID, &a.ProjectID, &flag, &a.Message, &a.OpID); err != nil {
			return nil, err
		}
		a.Subject.Kind = domain.Kind(kind)
		a.Flag = domain.Flag(flag)
		if a.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTS(*v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	ts, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return ts, nil
}

func parseNullTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	ts, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
