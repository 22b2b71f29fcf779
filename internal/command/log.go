package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"slidewell/api/internal/store"
	"slidewell/api/internal/util"
)

var (
	// ErrEmptyHistory means the principal has nothing left to undo.
	ErrEmptyHistory = errors.New("undo history is empty")
	// ErrEmptyRedoStack means the principal has nothing left to redo.
	ErrEmptyRedoStack = errors.New("redo stack is empty")
	// ErrStaleRedo means a redo collided with state changed since the
	// undo, for example a create whose id already exists again.
	ErrStaleRedo = errors.New("redo no longer applies")
)

// EntityStore applies command snapshots to durable entity state and
// records the audit trail. *store.PostgresStore and *store.MemoryStore
// both satisfy it.
type EntityStore interface {
	ApplyCreate(ctx context.Context, targetType string, snapshot []byte) error
	ApplyUpdate(ctx context.Context, targetType, id string, snapshot []byte) error
	ApplyDelete(ctx context.Context, targetType, id string) error
	AppendCommandHistory(ctx context.Context, record store.CommandRecord) error
}

// HistoryStore holds the per-principal undo and redo stacks. Pop on an
// empty stack returns ErrEmptyHistory or ErrEmptyRedoStack.
type HistoryStore interface {
	PushUndo(ctx context.Context, principal string, cmd Command) error
	PopUndo(ctx context.Context, principal string) (Command, error)
	PushRedo(ctx context.Context, principal string, cmd Command) error
	PopRedo(ctx context.Context, principal string) (Command, error)
	ClearRedo(ctx context.Context, principal string) error
}

type Log struct {
	entities EntityStore
	history  HistoryStore
}

func NewLog(entities EntityStore, history HistoryStore) *Log {
	return &Log{entities: entities, history: history}
}

// Execute applies cmd forward, audits it, pushes it on the principal's
// undo stack and clears the redo stack: a fresh mutation invalidates
// whatever was undone before it.
func (l *Log) Execute(ctx context.Context, cmd Command) (Result, error) {
	if cmd.ID == "" {
		cmd.ID = util.NewID("cmd")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}

	if err := l.applyForward(ctx, cmd); err != nil {
		return Result{}, err
	}
	if err := l.audit(ctx, string(cmd.Kind), cmd); err != nil {
		return Result{}, err
	}
	if err := l.history.PushUndo(ctx, cmd.Principal, cmd); err != nil {
		return Result{}, err
	}
	if err := l.history.ClearRedo(ctx, cmd.Principal); err != nil {
		return Result{}, err
	}
	return l.result(cmd), nil
}

// Undo pops the principal's most recent command and applies its
// inverse. The undone command moves to the redo stack. If the inverse
// fails to apply, the command is pushed back so the stack still
// reflects reality.
func (l *Log) Undo(ctx context.Context, principal string) (Result, error) {
	cmd, err := l.history.PopUndo(ctx, principal)
	if err != nil {
		return Result{}, err
	}

	if err := l.applyInverse(ctx, cmd); err != nil {
		_ = l.history.PushUndo(ctx, principal, cmd)
		return Result{}, err
	}
	if err := l.audit(ctx, "undo", cmd); err != nil {
		return Result{}, err
	}
	if err := l.history.PushRedo(ctx, principal, cmd); err != nil {
		return Result{}, err
	}

	res := Result{
		Status:  http.StatusOK,
		Message: fmt.Sprintf("%s %s %s has been undone", cmd.Kind, cmd.TargetType, cmd.TargetID),
	}
	if cmd.Kind != KindCreate {
		res.Object = cmd.Before
	}
	return res, nil
}

// Redo re-applies the principal's most recently undone command and
// moves it back to the undo stack. A create that now conflicts with
// existing state reports ErrStaleRedo and leaves the command on the
// redo stack.
func (l *Log) Redo(ctx context.Context, principal string) (Result, error) {
	cmd, err := l.history.PopRedo(ctx, principal)
	if err != nil {
		return Result{}, err
	}

	if err := l.applyForward(ctx, cmd); err != nil {
		_ = l.history.PushRedo(ctx, principal, cmd)
		if errors.Is(err, store.ErrConflict) {
			return Result{}, fmt.Errorf("%s %s: %w", cmd.TargetType, cmd.TargetID, ErrStaleRedo)
		}
		return Result{}, err
	}
	if err := l.audit(ctx, "redo", cmd); err != nil {
		return Result{}, err
	}
	if err := l.history.PushUndo(ctx, principal, cmd); err != nil {
		return Result{}, err
	}

	res := l.result(cmd)
	res.Message = fmt.Sprintf("%s %s %s has been redone", cmd.Kind, cmd.TargetType, cmd.TargetID)
	return res, nil
}

func (l *Log) applyForward(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case KindCreate:
		return l.entities.ApplyCreate(ctx, cmd.TargetType, cmd.After)
	case KindUpdate:
		return l.entities.ApplyUpdate(ctx, cmd.TargetType, cmd.TargetID, cmd.After)
	case KindDelete:
		return l.entities.ApplyDelete(ctx, cmd.TargetType, cmd.TargetID)
	}
	return fmt.Errorf("unknown command kind %q", cmd.Kind)
}

func (l *Log) applyInverse(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case KindCreate:
		return l.entities.ApplyDelete(ctx, cmd.TargetType, cmd.TargetID)
	case KindUpdate:
		return l.entities.ApplyUpdate(ctx, cmd.TargetType, cmd.TargetID, cmd.Before)
	case KindDelete:
		return l.entities.ApplyCreate(ctx, cmd.TargetType, cmd.Before)
	}
	return fmt.Errorf("unknown command kind %q", cmd.Kind)
}

func (l *Log) audit(ctx context.Context, kind string, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return l.entities.AppendCommandHistory(ctx, store.CommandRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		TargetType: cmd.TargetType,
		TargetID:   cmd.TargetID,
		Principal:  cmd.Principal,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	})
}

func (l *Log) result(cmd Command) Result {
	res := Result{Status: http.StatusOK, Message: cmd.Message}
	switch cmd.Kind {
	case KindCreate:
		res.Status = http.StatusCreated
		res.Object = cmd.After
	case KindUpdate:
		res.Object = cmd.After
	case KindDelete:
		res.Object = cmd.Before
	}
	return res
}
