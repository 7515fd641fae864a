// Package sqlundo records how to reverse and replay the INSERT, UPDATE and DELETE
// statements an application issues through database/sql, and applies multi-step
// undo and redo against independently tracked stacks.
//
// A Handler owns the history store. Data stores are wrapped with Handler.WrapDB;
// statements issued through the wrapper while a capture scope is open are read
// around their execution and turned into undo and redo actions.
package sqlundo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/mickamy/sqlundo/internal/history"
)

// Counts holds the number of active undo and redo actions of a stack.
type Counts = history.Counts

// Group summarizes one reachable capture group of a stack.
type Group = history.Group

// Config defines the main configuration options for sqlundo.
type Config struct {
	Logger  *slog.Logger // default slog.Default()
	Codec   Codec        // default JSONCodec
	Dialect Dialect      // detected from the data store driver when nil
	// PrimaryKeys overrides introspection, keyed by table name as written ("widgets", "public.widgets").
	PrimaryKeys map[string][]string
	// HistoryDriver is "sqlite" (modernc.org/sqlite), "sqlite3" (mattn/go-sqlite3) or "pgx";
	// detected from the history connection when empty.
	HistoryDriver string
}

// Handler is the main entry point: it owns the history store and the open-scope registry.
type Handler struct {
	cfg   Config
	log   *slog.Logger
	store *history.Store

	mu   sync.Mutex
	open map[history.Key]struct{}
}

// New creates a Handler recording history in the given database. The history database
// is used through its own connections, independent of any wrapped data store.
func New(historyDB *sql.DB, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.HistoryDriver == "" {
		cfg.HistoryDriver = string(detectHistoryDriver(historyDB))
	}
	return &Handler{
		cfg:   cfg,
		log:   cfg.Logger,
		store: history.New(historyDB, history.Driver(cfg.HistoryDriver)),
		open:  map[history.Key]struct{}{},
	}
}

// Migrate creates or upgrades the history schema.
func (h *Handler) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.store.Migrate(); err != nil {
		return historyError("migrate", err)
	}
	h.log.Info("history schema is up to date", "driver", h.cfg.HistoryDriver)
	return nil
}

func detectHistoryDriver(db *sql.DB) history.Driver {
	t := reflect.TypeOf(db.Driver())
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch pkg := t.PkgPath(); {
	case strings.HasPrefix(pkg, "modernc.org/sqlite"):
		return history.SQLite
	case strings.Contains(pkg, "go-sqlite3"):
		return history.SQLite3
	default:
		return history.Postgres
	}
}

// lock marks key as having an open scope or a replay in flight.
func (h *Handler) lock(key history.Key) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.open[key]; ok {
		return fmt.Errorf("%w: %s", ErrScopeOpen, key)
	}
	h.open[key] = struct{}{}
	return nil
}

func (h *Handler) unlock(key history.Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.open, key)
}

func stackKey(objectType string, stackID int64) (history.Key, error) {
	objectType = strings.TrimSpace(objectType)
	if objectType == "" {
		return history.Key{}, fmt.Errorf("sqlundo: empty object type")
	}
	return history.Key{ObjectType: objectType, StackID: stackID}, nil
}
