package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stasm/todo/internal/actionlog"
	"github.com/stasm/todo/internal/config"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/logging"
	"github.com/stasm/todo/internal/store"
	"github.com/stasm/todo/internal/telemetry"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrConsistency = errors.New("consistency failure")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func consistencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}

type Engine struct {
	Store   store.Store
	Log     actionlog.Writer
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time

	locks *treeLocks
}

func New(s store.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:  s,
		Config: cfg,
		Logger: logging.NewNop(),
		Now:    time.Now,
		locks:  newTreeLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.NewNop()
}

// op carries the state of one mutation: its transaction, its audit writer
// and what it produced, reported to metrics once the transaction commits.
type op struct {
	e       Engine
	tx      store.Tx
	log     actionlog.Writer
	actor   string
	flags   []domain.Flag
	spawned []domain.Kind
}

func (o *op) now() time.Time { return o.e.now().UTC() }

func (o *op) record(ctx context.Context, subject domain.Ref, projectID string, flag domain.Flag, message string) (domain.Action, error) {
	a, err := o.log.Append(ctx, o.tx, actionlog.Entry{
		ActorID:   o.actor,
		Subject:   subject,
		ProjectID: projectID,
		Flag:      flag,
		Message:   message,
	})
	if err != nil {
		return a, err
	}
	o.flags = append(o.flags, flag)
	return a, nil
}

// run executes fn in one store transaction, serialized against other
// mutations of the tree rooted at rootID (0 for a new tree).
func (e Engine) run(ctx context.Context, name, actor string, rootID int64, fn func(ctx context.Context, o *op) error) error {
	if strings.TrimSpace(actor) == "" {
		return validationf("actor is required")
	}
	ctx, span := telemetry.Tracer().Start(ctx, "engine."+name)
	defer span.End()
	span.SetAttributes(attribute.String("todo.actor", actor), attribute.Int64("todo.root", rootID))

	if rootID != 0 && e.locks != nil {
		unlock := e.locks.lock(rootID)
		defer unlock()
	}
	w := e.Log.WithOp()
	if w.Now == nil {
		w.Now = e.now
	}
	o := &op{e: e, log: w, actor: actor}
	err := e.Store.RunInTx(ctx, func(tx store.Tx) error {
		o.tx = tx
		o.flags = o.flags[:0]
		o.spawned = o.spawned[:0]
		return fn(ctx, o)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger().Debug("operation failed", "op", name, "op_id", w.OpID, "error", err)
		return err
	}
	for _, k := range o.spawned {
		e.Metrics.ItemSpawned(k)
	}
	for _, f := range o.flags {
		e.Metrics.Transition(f)
	}
	e.Metrics.Cascade(name, len(o.flags))
	span.SetAttributes(attribute.Int("todo.actions", len(o.flags)), attribute.String("todo.op_id", w.OpID))
	e.logger().Debug("operation committed", "op", name, "op_id", w.OpID, "actions", len(o.flags))
	return nil
}

// inTx runs fn in one store transaction without taking a tree lock. Reads
// and template writes go through here.
func (e Engine) inTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return e.Store.RunInTx(ctx, fn)
}

// rootOf climbs parents (and, for top-level steps, the owning task) to the
// root of the item's tree.
func rootOf(ctx context.Context, tx store.Tx, it domain.Item) (int64, error) {
	seen := map[int64]bool{}
	for {
		if seen[it.ID] {
			return 0, consistencyf("item hierarchy cycle at %s", it.Ref())
		}
		seen[it.ID] = true
		var next int64
		switch {
		case it.ParentID != nil:
			next = *it.ParentID
		case it.Kind == domain.KindStep && it.TaskID != nil:
			next = *it.TaskID
		default:
			return it.ID, nil
		}
		parent, err := tx.GetItem(ctx, next)
		if err != nil {
			return 0, fmt.Errorf("load %d: %w", next, err)
		}
		it = parent
	}
}

func (e Engine) rootID(ctx context.Context, id int64) (int64, error) {
	var root int64
	err := e.inTx(ctx, func(tx store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		root, err = rootOf(ctx, tx, it)
		return err
	})
	return root, err
}

type treeLock struct {
	mu   sync.Mutex
	refs int
}

// treeLocks hands out one mutex per tree root.
type treeLocks struct {
	mu    sync.Mutex
	locks map[int64]*treeLock
}

func newTreeLocks() *treeLocks {
	return &treeLocks{locks: map[int64]*treeLock{}}
}

func (l *treeLocks) lock(root int64) func() {
	l.mu.Lock()
	tl, ok := l.locks[root]
	if !ok {
		tl = &treeLock{}
		l.locks[root] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, root)
		}
		l.mu.Unlock()
	}
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
