package sqlundo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mickamy/sqlundo/internal/history"
)

// Undo reverses the most recently applied capture group of the stack and returns the
// remaining counts. An empty undo history is not an error.
func (h *Handler) Undo(ctx context.Context, db *DB, objectType string, stackID int64) (Counts, error) {
	return h.replay(ctx, db, objectType, stackID, history.Undo)
}

// Redo reapplies the oldest undone capture group of the stack and returns the
// remaining counts. An empty redo history is not an error.
func (h *Handler) Redo(ctx context.Context, db *DB, objectType string, stackID int64) (Counts, error) {
	return h.replay(ctx, db, objectType, stackID, history.Redo)
}

func (h *Handler) replay(ctx context.Context, db *DB, objectType string, stackID int64, kind history.Kind) (Counts, error) {
	key, err := stackKey(objectType, stackID)
	if err != nil {
		return Counts{}, err
	}
	if err := h.lock(key); err != nil {
		return Counts{}, err
	}
	defer h.unlock(key)

	var group []history.Action
	if kind == history.Undo {
		group, err = h.store.Latest(ctx, key, kind)
	} else {
		group, err = h.store.Earliest(ctx, key, kind)
	}
	if err != nil {
		return Counts{}, historyError(string(kind), err)
	}
	if len(group) == 0 {
		h.log.Debug("nothing to "+string(kind), "stack", key.String())
		return h.count(ctx, key)
	}
	captureID := group[0].CaptureID

	if err := h.apply(ctx, db, key, kind, group); err != nil {
		return Counts{}, err
	}
	h.log.Info(string(kind)+" applied", "stack", key.String(), "capture", captureID, "statements", len(group))
	return h.count(ctx, key)
}

// apply executes group on the raw data connection and flips the active flags. Flags
// are committed only after the data transaction commits.
func (h *Handler) apply(ctx context.Context, db *DB, key history.Key, kind history.Kind, group []history.Action) error {
	captureID := group[0].CaptureID
	replayErr := func(stmt string, err error) error {
		return &ReplayError{
			ObjectType: key.ObjectType,
			StackID:    key.StackID,
			CaptureID:  captureID,
			Kind:       string(kind),
			Statement:  stmt,
			Err:        err,
		}
	}

	data, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return replayErr("", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(data)

	for _, a := range group {
		args, err := decodeArgs(h.cfg.Codec, a.Parameters)
		if err != nil {
			return replayErr(a.Statement, err)
		}
		if _, err := data.ExecContext(ctx, a.Statement, args...); err != nil {
			return replayErr(a.Statement, err)
		}
	}

	flags, err := h.store.BeginTx(ctx)
	if err != nil {
		return historyError(string(kind), err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(flags)
	if err := h.store.Flip(ctx, flags, key, captureID, kind); err != nil {
		return historyError(string(kind), err)
	}

	if err := data.Commit(); err != nil {
		return replayErr("", err)
	}
	if err := flags.Commit(); err != nil {
		h.log.Error("replayed statements committed but history flags were not updated",
			"stack", key.String(), "capture", captureID, "kind", string(kind), "error", err)
		return historyError(string(kind), fmt.Errorf("flags of capture %d: %w", captureID, err))
	}
	return nil
}

// ClearHistory removes the unreachable actions of the stack: undone undo actions and
// pending redo actions. It returns the number of actions removed.
func (h *Handler) ClearHistory(ctx context.Context, objectType string, stackID int64) (int64, error) {
	key, err := stackKey(objectType, stackID)
	if err != nil {
		return 0, err
	}
	if err := h.lock(key); err != nil {
		return 0, err
	}
	defer h.unlock(key)

	n, err := h.store.Truncate(ctx, key)
	if err != nil {
		return 0, historyError("clear history", err)
	}
	h.log.Info("history cleared", "stack", key.String(), "actions", n)
	return n, nil
}

// Status returns the active undo and redo action counts of the stack.
func (h *Handler) Status(ctx context.Context, objectType string, stackID int64) (Counts, error) {
	key, err := stackKey(objectType, stackID)
	if err != nil {
		return Counts{}, err
	}
	return h.count(ctx, key)
}

// History lists the reachable capture groups of the stack in capture order.
func (h *Handler) History(ctx context.Context, objectType string, stackID int64) ([]Group, error) {
	key, err := stackKey(objectType, stackID)
	if err != nil {
		return nil, err
	}
	gs, err := h.store.Groups(ctx, key)
	if err != nil {
		return nil, historyError("history", err)
	}
	return gs, nil
}

func (h *Handler) count(ctx context.Context, key history.Key) (Counts, error) {
	c, err := h.store.Count(ctx, key)
	if err != nil {
		return Counts{}, historyError("count", err)
	}
	return c, nil
}
