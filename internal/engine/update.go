package engine

import (
	"context"
	"strings"
	"time"

	"github.com/stasm/todo/internal/domain"
)

// UpdateOptions lists the fields to change. Nil pointers are left alone.
type UpdateOptions struct {
	Summary    *string
	Locale     *string
	Bug        *string
	SnapshotTS *time.Time
	OnHold     bool
	Message    string
}

// Update changes item fields outside the activate/resolve lifecycle. Each
// kind of change is recorded with its own flag.
func (e Engine) Update(ctx context.Context, id int64, actor string, opts UpdateOptions) (domain.Item, error) {
	root, err := e.rootID(ctx, id)
	if err != nil {
		return domain.Item{}, err
	}
	var res domain.Item
	err = e.run(ctx, "update", actor, root, func(ctx context.Context, o *op) error {
		it, err := o.tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		res, err = o.update(ctx, it, opts)
		return err
	})
	return res, err
}

func (o *op) update(ctx context.Context, it domain.Item, opts UpdateOptions) (domain.Item, error) {
	if opts.Summary == nil && opts.Locale == nil && opts.Bug == nil && opts.SnapshotTS == nil && !opts.OnHold {
		return it, validationf("nothing to update")
	}
	if opts.Locale != nil && it.Kind == domain.KindStep {
		return it, validationf("a step has no locale")
	}
	if (opts.Bug != nil || opts.SnapshotTS != nil) && it.Kind != domain.KindTask {
		return it, validationf("only tasks track an external reference")
	}
	if opts.OnHold && !it.IsWorking() {
		return it, validationf("only active or next items can be put on hold, %s is %s", it.Ref(), it.Status)
	}

	var flags []domain.Flag
	if opts.Summary != nil || opts.Locale != nil {
		if opts.Summary != nil {
			s := strings.TrimSpace(*opts.Summary)
			if s == "" {
				return it, validationf("summary must not be empty")
			}
			it.Summary = s
		}
		if opts.Locale != nil {
			it.Locale = strings.TrimSpace(*opts.Locale)
		}
		it.Repr = it.FormatRepr()
		flags = append(flags, domain.FlagUpdated)
	}
	if opts.Bug != nil {
		it.SetBug(*opts.Bug)
		flags = append(flags, domain.FlagBugIDUpdated)
	}
	if opts.SnapshotTS != nil {
		ts := opts.SnapshotTS.UTC()
		it.SnapshotTS = &ts
		flags = append(flags, domain.FlagSnapshotUpdated)
	}
	it.UpdatedAt = o.now()
	if err := o.tx.UpdateItem(ctx, it); err != nil {
		return it, err
	}
	for _, f := range flags {
		if _, err := o.record(ctx, it.Ref(), "", f, opts.Message); err != nil {
			return it, err
		}
	}
	if opts.OnHold {
		return o.setStatus(ctx, it, domain.StatusOnHold)
	}
	return it, nil
}

// ResetTime restarts the overdue clock of a NEXT step.
func (e Engine) ResetTime(ctx context.Context, id int64, actor string) (domain.Item, error) {
	root, err := e.rootID(ctx, id)
	if err != nil {
		return domain.Item{}, err
	}
	var res domain.Item
	err = e.run(ctx, "reset_time", actor, root, func(ctx context.Context, o *op) error {
		it, err := o.tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		res = it
		if it.Kind != domain.KindStep || it.Status != domain.StatusNext {
			return nil
		}
		_, err = o.record(ctx, it.Ref(), "", domain.FlagNexted, "time reset")
		return err
	})
	return res, err
}
