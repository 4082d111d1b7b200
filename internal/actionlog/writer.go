// Package actionlog is the append-only audit trail of item transitions.
package actionlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/store"
)

// Writer appends actions. OpID tags every record written through this writer
// so that one cascade can be read back as a unit.
type Writer struct {
	Now  func() time.Time
	OpID string
}

type Entry struct {
	ActorID   string
	Subject   domain.Ref
	ProjectID string
	Flag      domain.Flag
	Message   string
}

// WithOp returns a writer bound to a fresh operation id.
func (w Writer) WithOp() Writer {
	w.OpID = uuid.NewString()
	return w
}

func (w Writer) Append(ctx context.Context, tx store.Tx, e Entry) (domain.Action, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.ActorID == "" {
		return domain.Action{}, errors.New("actor is required")
	}
	if e.Flag == "" {
		return domain.Action{}, errors.New("flag is required")
	}
	msg := e.Message
	if msg == "" {
		msg = e.Flag.Label()
	}
	a := domain.Action{
		Timestamp: w.Now().UTC(),
		ActorID:   e.ActorID,
		Subject:   e.Subject,
		ProjectID: e.ProjectID,
		Flag:      e.Flag,
		Message:   msg,
		OpID:      w.OpID,
	}
	if err := tx.InsertAction(ctx, &a); err != nil {
		return domain.Action{}, fmt.Errorf("append action: %w", err)
	}
	return a, nil
}

// Log records one transition; message defaults to the flag label.
func (w Writer) Log(ctx context.Context, tx store.Tx, actorID string, subject domain.Ref, flag domain.Flag, message string) (domain.Action, error) {
	return w.Append(ctx, tx, Entry{ActorID: actorID, Subject: subject, Flag: flag, Message: message})
}

// Actions lists the subject's actions newest first, optionally by flag.
func Actions(ctx context.Context, tx store.Tx, subject domain.Ref, flag domain.Flag) ([]domain.Action, error) {
	return tx.ListActions(ctx, store.ActionFilter{Subject: &subject, Flag: flag})
}

// Latest returns the most recent matching action or store.ErrNotFound.
func Latest(ctx context.Context, tx store.Tx, subject domain.Ref, flag domain.Flag) (domain.Action, error) {
	actions, err := tx.ListActions(ctx, store.ActionFilter{Subject: &subject, Flag: flag, Limit: 1})
	if err != nil {
		return domain.Action{}, err
	}
	if len(actions) == 0 {
		return domain.Action{}, store.ErrNotFound
	}
	return actions[0], nil
}

// Feed lists actions recorded after the cursor, oldest first.
func Feed(ctx context.Context, tx store.Tx, afterID int64, limit int) ([]domain.Action, error) {
	return tx.ListActions(ctx, store.ActionFilter{AfterID: afterID, Ascending: true, Limit: limit})
}
