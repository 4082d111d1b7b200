// Package memstore is an in-memory Store. Items live in an arena indexed by
// id; parent/child links are id references kept in explicit indexes.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

type state struct {
	projects     map[string]domain.Project
	projectOrder []string
	protos       []domain.Proto
	nestings     []domain.Nesting
	nestingIndex map[int64][]int
	items        []domain.Item
	children     map[int64][]int64
	taskSteps    map[int64][]int64
	itemProjects map[int64][]domain.ItemProject
	actions      []domain.Action
}

type Store struct {
	mu sync.Mutex
	st *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func newState() *state {
	return &state{
		projects:     map[string]domain.Project{},
		nestingIndex: map[int64][]int{},
		children:     map[int64][]int64{},
		taskSteps:    map[int64][]int64{},
		itemProjects: map[int64][]domain.ItemProject{},
	}
}

// RunInTx serializes transactions and restores the previous state when fn fails.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.st.clone()
	if err := fn(&tx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		projects:     make(map[string]domain.Project, len(s.projects)),
		projectOrder: append([]string(nil), s.projectOrder...),
		protos:       append([]domain.Proto(nil), s.protos...),
		nestings:     append([]domain.Nesting(nil), s.nestings...),
		nestingIndex: make(map[int64][]int, len(s.nestingIndex)),
		items:        make([]domain.Item, len(s.items)),
		children:     make(map[int64][]int64, len(s.children)),
		taskSteps:    make(map[int64][]int64, len(s.taskSteps)),
		itemProjects: make(map[int64][]domain.ItemProject, len(s.itemProjects)),
		actions:      append([]domain.Action(nil), s.actions...),
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.nestingIndex {
		c.nestingIndex[k] = append([]int(nil), v...)
	}
	for i, it := range s.items {
		c.items[i] = copyItem(it)
	}
	for k, v := range s.children {
		c.children[k] = append([]int64(nil), v...)
	}
	for k, v := range s.taskSteps {
		c.taskSteps[k] = append([]int64(nil), v...)
	}
	for k, v := range s.itemProjects {
		c.itemProjects[k] = append([]domain.ItemProject(nil), v...)
	}
	return c
}

func copyItem(it domain.Item) domain.Item {
	if it.ProtoID != nil {
		v := *it.ProtoID
		it.ProtoID = &v
	}
	if it.ParentID != nil {
		v := *it.ParentID
		it.ParentID = &v
	}
	if it.TaskID != nil {
		v := *it.TaskID
		it.TaskID = &v
	}
	if it.BugID != nil {
		v := *it.BugID
		it.BugID = &v
	}
	if it.SnapshotTS != nil {
		v := *it.SnapshotTS
		it.SnapshotTS = &v
	}
	if it.LatestResolTS != nil {
		v := *it.LatestResolTS
		it.LatestResolTS = &v
	}
	return it
}

type tx struct {
	st *state
}

func (t *tx) InsertProject(_ context.Context, p domain.Project) error {
	if _, ok := t.st.projects[p.ID]; ok {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	t.st.projects[p.ID] = p
	t.st.projectOrder = append(t.st.projectOrder, p.ID)
	return nil
}

func (t *tx) GetProject(_ context.Context, id string) (domain.Project, error) {
	p, ok := t.st.projects[id]
	if !ok {
		return domain.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (t *tx) ListProjects(_ context.Context) ([]domain.Project, error) {
	res := make([]domain.Project, 0, len(t.st.projectOrder))
	for _, id := range t.st.projectOrder {
		res = append(res, t.st.projects[id])
	}
	return res, nil
}

func (t *tx) InsertProto(_ context.Context, p *domain.Proto) error {
	p.ID = int64(len(t.st.protos) + 1)
	t.st.protos = append(t.st.protos, *p)
	return nil
}

func (t *tx) GetProto(_ context.Context, id int64) (domain.Proto, error) {
	if id <= 0 || id > int64(len(t.st.protos)) {
		return domain.Proto{}, store.ErrNotFound
	}
	return t.st.protos[id-1], nil
}

func (t *tx) ListProtos(_ context.Context) ([]domain.Proto, error) {
	return append([]domain.Proto(nil), t.st.protos...), nil
}

func (t *tx) InsertNesting(_ context.Context, n *domain.Nesting) error {
	n.ID = int64(len(t.st.nestings) + 1)
	t.st.nestings = append(t.st.nestings, *n)
	t.st.nestingIndex[n.ParentID] = append(t.st.nestingIndex[n.ParentID], len(t.st.nestings)-1)
	return nil
}

func (t *tx) ListNestings(_ context.Context, parentID int64) ([]domain.Nesting, error) {
	var res []domain.Nesting
	for _, idx := range t.st.nestingIndex[parentID] {
		res = append(res, t.st.nestings[idx])
	}
	sort.SliceStable(res, func(i, j int) bool {
		return lessOrder(res[i].Order, res[i].ID, res[j].Order, res[j].ID)
	})
	return res, nil
}

func (t *tx) InsertItem(_ context.Context, it *domain.Item) error {
	it.ID = int64(len(t.st.items) + 1)
	t.st.items = append(t.st.items, copyItem(*it))
	t.index(*it)
	return nil
}

func (t *tx) index(it domain.Item) {
	switch {
	case it.ParentID != nil:
		t.st.children[*it.ParentID] = append(t.st.children[*it.ParentID], it.ID)
	case it.Kind == domain.KindStep && it.TaskID != nil:
		t.st.taskSteps[*it.TaskID] = append(t.st.taskSteps[*it.TaskID], it.ID)
	}
}

func (t *tx) UpdateItem(_ context.Context, it domain.Item) error {
	if it.ID <= 0 || it.ID > int64(len(t.st.items)) {
		return store.ErrNotFound
	}
	t.st.items[it.ID-1] = copyItem(it)
	return nil
}

func (t *tx) GetItem(_ context.Context, id int64) (domain.Item, error) {
	if id <= 0 || id > int64(len(t.st.items)) {
		return domain.Item{}, store.ErrNotFound
	}
	return copyItem(t.st.items[id-1]), nil
}

func (t *tx) ListChildren(_ context.Context, parent domain.Item) ([]domain.Item, error) {
	ids := t.st.children[parent.ID]
	if parent.Kind == domain.KindTask {
		ids = t.st.taskSteps[parent.ID]
	}
	res := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		res = append(res, copyItem(t.st.items[id-1]))
	}
	sort.SliceStable(res, func(i, j int) bool {
		return lessOrder(res[i].Order, res[i].ID, res[j].Order, res[j].ID)
	})
	return res, nil
}

func (t *tx) ListItems(_ context.Context, f store.ItemFilter) ([]domain.Item, error) {
	var res []domain.Item
	for _, it := range t.st.items {
		if f.Kind != "" && it.Kind != f.Kind {
			continue
		}
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.RootsOnly && (it.ParentID != nil || it.TaskID != nil) {
			continue
		}
		if f.ProjectID != "" && !t.inProject(it, f.ProjectID) {
			continue
		}
		res = append(res, copyItem(it))
		if f.Limit > 0 && len(res) >= f.Limit {
			break
		}
	}
	return res, nil
}

func (t *tx) inProject(it domain.Item, projectID string) bool {
	if it.Kind == domain.KindStep {
		return it.ProjectID == projectID
	}
	for _, ip := range t.st.itemProjects[it.ID] {
		if ip.ProjectID == projectID {
			return true
		}
	}
	return false
}

func (t *tx) InsertItemProject(_ context.Context, ip domain.ItemProject) error {
	for _, existing := range t.st.itemProjects[ip.ItemID] {
		if existing.ProjectID == ip.ProjectID {
			return fmt.Errorf("item %d already associated with project %s", ip.ItemID, ip.ProjectID)
		}
	}
	t.st.itemProjects[ip.ItemID] = append(t.st.itemProjects[ip.ItemID], ip)
	return nil
}

func (t *tx) UpdateItemProject(_ context.Context, ip domain.ItemProject) error {
	records := t.st.itemProjects[ip.ItemID]
	for i := range records {
		if records[i].ProjectID == ip.ProjectID {
			records[i] = ip
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *tx) ListItemProjects(_ context.Context, f store.ItemProjectFilter) ([]domain.ItemProject, error) {
	var res []domain.ItemProject
	collect := func(records []domain.ItemProject) {
		for _, ip := range records {
			if f.ProjectID != "" && ip.ProjectID != f.ProjectID {
				continue
			}
			if f.Kind != "" && t.st.items[ip.ItemID-1].Kind != f.Kind {
				continue
			}
			res = append(res, ip)
		}
	}
	if f.ItemID != 0 {
		collect(t.st.itemProjects[f.ItemID])
		return res, nil
	}
	for _, it := range t.st.items {
		collect(t.st.itemProjects[it.ID])
	}
	return res, nil
}

func (t *tx) InsertAction(_ context.Context, a *domain.Action) error {
	a.ID = int64(len(t.st.actions) + 1)
	t.st.actions = append(t.st.actions, *a)
	return nil
}

func (t *tx) ListActions(_ context.Context, f store.ActionFilter) ([]domain.Action, error) {
	var res []domain.Action
	for _, a := range t.st.actions {
		if f.Subject != nil && a.Subject != *f.Subject {
			continue
		}
		if f.Flag != "" && a.Flag != f.Flag {
			continue
		}
		if f.ProjectID != "" && a.ProjectID != f.ProjectID {
			continue
		}
		if a.ID <= f.AfterID {
			continue
		}
		res = append(res, a)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if f.Ascending {
			return res[i].ID < res[j].ID
		}
		if !res[i].Timestamp.Equal(res[j].Timestamp) {
			return res[i].Timestamp.After(res[j].Timestamp)
		}
		return res[i].ID > res[j].ID
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

// lessOrder sorts ordered entries first, then by id.
func lessOrder(oi int, idi int64, oj int, idj int64) bool {
	switch {
	case oi > 0 && oj > 0 && oi != oj:
		return oi < oj
	case oi > 0 && oj == 0:
		return true
	case oi == 0 && oj > 0:
		return false
	}
	return idi < idj
}
