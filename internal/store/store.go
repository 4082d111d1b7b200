// Package store defines the persistence contract the engine runs against.
// Implementations live in internal/repo (sqlite) and internal/store/memstore.
package store

import (
	"context"
	"errors"

	"github.com/stasm/todo/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store opens transactions. Every spawn or cascade runs inside exactly one.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

type ItemFilter struct {
	Kind      domain.Kind
	ProjectID string
	Status    domain.Status
	RootsOnly bool
	Limit     int
}

type ItemProjectFilter struct {
	ItemID    int64
	ProjectID string
	Kind      domain.Kind
}

type ActionFilter struct {
	Subject   *domain.Ref
	Flag      domain.Flag
	ProjectID string
	// AfterID keeps actions with a greater id.
	AfterID int64
	// Ascending lists oldest first by id instead of newest first.
	Ascending bool
	Limit     int
}

// Tx is the set of reads and writes available inside a transaction.
type Tx interface {
	InsertProject(ctx context.Context, p domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)

	InsertProto(ctx context.Context, p *domain.Proto) error
	GetProto(ctx context.Context, id int64) (domain.Proto, error)
	ListProtos(ctx context.Context) ([]domain.Proto, error)
	InsertNesting(ctx context.Context, n *domain.Nesting) error
	// ListNestings returns the edges below parentID ordered by order then id.
	ListNestings(ctx context.Context, parentID int64) ([]domain.Nesting, error)

	InsertItem(ctx context.Context, it *domain.Item) error
	UpdateItem(ctx context.Context, it domain.Item) error
	GetItem(ctx context.Context, id int64) (domain.Item, error)
	// ListChildren returns the direct children of an item: child trackers and
	// tasks of a tracker, top-level steps of a task, sub-steps of a step.
	ListChildren(ctx context.Context, parent domain.Item) ([]domain.Item, error)
	ListItems(ctx context.Context, f ItemFilter) ([]domain.Item, error)

	InsertItemProject(ctx context.Context, ip domain.ItemProject) error
	UpdateItemProject(ctx context.Context, ip domain.ItemProject) error
	ListItemProjects(ctx context.Context, f ItemProjectFilter) ([]domain.ItemProject, error)

	InsertAction(ctx context.Context, a *domain.Action) error
	// ListActions returns matching actions, newest first unless Ascending.
	ListActions(ctx context.Context, f ActionFilter) ([]domain.Action, error)
}
