package sqlundo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/sqlundo/internal/buffer"
	"github.com/mickamy/sqlundo/internal/history"
	"github.com/mickamy/sqlundo/internal/query"
	"github.com/mickamy/sqlundo/internal/synth"
)

// Scope captures the statements issued through a DB between Capture and Close
// into one capture group of a stack.
type Scope struct {
	h         *Handler
	db        *DB
	ctx       context.Context
	key       history.Key
	captureID int64
	meta      meta
	token     Token

	mu      sync.Mutex
	closed  bool
	step    int
	pending map[uint64]synth.Plan // by Event.ID, between Before and After
	buf     *buffer.Buffer[draft]
}

// draft is one synthesized statement waiting for the scope to close.
type draft struct {
	txID uint64
	step int
	kind history.Kind
	synth.Draft
}

// Capture opens a capture scope on the stack identified by objectType and stackID.
// The redo branch of the stack is discarded and a new capture id is assigned; every
// INSERT, UPDATE and DELETE issued through db until Close is recorded under it.
// Operator and reason attached to ctx are stored with the recorded actions.
func (h *Handler) Capture(ctx context.Context, db *DB, objectType string, stackID int64) (*Scope, error) {
	key, err := stackKey(objectType, stackID)
	if err != nil {
		return nil, err
	}
	if err := h.lock(key); err != nil {
		return nil, err
	}
	s, err := h.openScope(ctx, db, key)
	if err != nil {
		h.unlock(key)
		return nil, err
	}
	return s, nil
}

func (h *Handler) openScope(ctx context.Context, db *DB, key history.Key) (*Scope, error) {
	last, err := h.store.MaxCaptureID(ctx, key)
	if err != nil {
		return nil, historyError("capture", err)
	}
	n, err := h.store.Truncate(ctx, key)
	if err != nil {
		return nil, historyError("capture", err)
	}
	if n > 0 {
		h.log.Debug("discarded unreachable history", "stack", key.String(), "actions", n)
	}

	s := &Scope{
		h:         h,
		db:        db,
		ctx:       context.WithoutCancel(ctx),
		key:       key,
		captureID: last + 1,
		meta:      extractMeta(ctx),
		pending:   map[uint64]synth.Plan{},
		buf:       buffer.NewBuffer[draft](),
	}
	tok, err := db.Register(Hooks{Before: s.before, After: s.after, Rollback: s.rollback})
	if err != nil {
		return nil, err
	}
	s.token = tok
	return s, nil
}

// CaptureID returns the capture id assigned to this scope.
func (s *Scope) CaptureID() int64 {
	return s.captureID
}

func (s *Scope) before(_ context.Context, ev Event) error {
	var plan synth.Plan
	switch ev.Kind {
	case query.Update:
		var err error
		if plan, err = synth.Update(ev.stmt, ev.Args, ev.table(), ev.Rows, ev.ph); err != nil {
			return fmt.Errorf("sqlundo: failed to synthesize undo of UPDATE %s: %w", ev.Table, err)
		}
	case query.Delete:
		plan = synth.Delete(ev.stmt, ev.Args, ev.table(), ev.Rows, ev.ph)
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[ev.ID] = plan
	return nil
}

func (s *Scope) after(_ context.Context, ev Event) error {
	var plan synth.Plan
	if ev.Kind == query.Insert {
		var err error
		if plan, err = synth.Insert(ev.table(), ev.Rows, ev.ph); err != nil {
			return fmt.Errorf("sqlundo: failed to synthesize undo of INSERT %s: %w", ev.Table, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Kind != query.Insert {
		plan = s.pending[ev.ID]
		delete(s.pending, ev.ID)
	}
	if plan.Empty() {
		return nil
	}
	for _, d := range plan.Undo {
		s.buf.Add(draft{txID: ev.TxID, step: s.step, kind: history.Undo, Draft: d})
	}
	for _, d := range plan.Redo {
		s.buf.Add(draft{txID: ev.TxID, step: s.step, kind: history.Redo, Draft: d})
	}
	s.step++
	return nil
}

func (s *Scope) rollback(txID uint64) {
	if n := s.buf.Discard(func(d draft) bool { return d.txID == txID }); n > 0 {
		s.h.log.Debug("discarded drafts of rolled back transaction", "stack", s.key.String(), "tx", txID, "drafts", n)
	}
}

// Close unregisters the scope's hooks and writes the captured actions: undo actions
// active, redo actions inactive. The hooks are removed and the stack released even
// when writing fails.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScopeClosed
	}
	s.closed = true
	clear(s.pending)
	s.mu.Unlock()

	s.db.Unregister(s.token)
	defer s.h.unlock(s.key)

	drafts := s.buf.Drain()
	if len(drafts) == 0 {
		s.h.log.Debug("capture scope closed without changes", "stack", s.key.String(), "capture", s.captureID)
		return nil
	}

	now := time.Now()
	actions := make([]history.Action, len(drafts))
	for i, d := range drafts {
		params, err := encodeArgs(s.h.cfg.Codec, d.Args)
		if err != nil {
			return fmt.Errorf("sqlundo: failed to encode %s parameters of capture %d: %w", d.kind, s.captureID, err)
		}
		actions[i] = history.Action{
			ID:         uuid.NewString(),
			Key:        s.key,
			CaptureID:  s.captureID,
			Kind:       d.kind,
			Step:       d.step,
			Seq:        i,
			Statement:  d.SQL,
			Parameters: params,
			Active:     d.kind == history.Undo,
			OperatedBy: s.meta.operator,
			Reason:     s.meta.reason,
			CreatedAt:  now,
		}
	}
	if err := s.h.store.Insert(s.ctx, actions); err != nil {
		s.h.log.Error("failed to record captured changes",
			"stack", s.key.String(), "capture", s.captureID, "actions", len(actions), "error", err)
		return historyError("close scope", err)
	}
	s.h.log.Info("capture recorded", "stack", s.key.String(), "capture", s.captureID, "actions", len(actions))
	return nil
}

// Do runs fn inside a capture scope. The scope is closed when fn returns or panics;
// an error from fn is joined with any error from Close.
func (h *Handler) Do(ctx context.Context, db *DB, objectType string, stackID int64, fn func(ctx context.Context) error) (err error) {
	s, err := h.Capture(ctx, db, objectType, stackID)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.Close()
			panic(r)
		}
		err = errors.Join(err, s.Close())
	}()
	return fn(ctx)
}
