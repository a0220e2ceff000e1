package store

import (
	"database/sql"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// HookOp mirrors the three SQLite row-level operations a connection's
// update hook reports.
type HookOp string

const (
	HookInsert HookOp = "insert"
	HookUpdate HookOp = "update"
	HookDelete HookOp = "delete"
)

// HookEvent is the {table, operation, rowid} triple delivered synchronously
// on every row change by SQLite's update hook.
type HookEvent struct {
	Table string
	Op    HookOp
	RowID int64
}

// HookFunc consumes one HookEvent. It must not block: the caller runs it
// from inside SQLite's update-hook callback, so a slow hook stalls every
// writer on the connection. Implementations should enqueue the resolution
// work (e.g. onto a goroutine) rather than doing it inline.
type HookFunc func(HookEvent)

const driverName = "sqlite3_taskattempts_hooked"

var (
	registerOnce sync.Once
	hookMu       sync.RWMutex
	activeHook   HookFunc
)

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				conn.RegisterUpdateHook(func(op int, _db, table string, rowid int64) {
					hookMu.RLock()
					fn := activeHook
					hookMu.RUnlock()
					if fn == nil {
						return
					}
					var o HookOp
					switch op {
					case sqlite3.SQLITE_INSERT:
						o = HookInsert
					case sqlite3.SQLITE_UPDATE:
						o = HookUpdate
					case sqlite3.SQLITE_DELETE:
						o = HookDelete
					default:
						return
					}
					fn(HookEvent{Table: table, Op: o, RowID: rowid})
				})
				return nil
			},
		})
	})
}

// SetHook installs the hook function invoked for every row change on every
// connection opened through this driver. One hook is active per process;
// install it before opening connections that will perform writes.
func SetHook(hook HookFunc) {
	hookMu.Lock()
	defer hookMu.Unlock()
	activeHook = hook
}

// Open opens and migrates the SQLite database at dsn through the hooked
// driver. A single open connection is enforced: SQLite serializes writers
// anyway, and a single connection keeps the update hook's rowid resolution
// (a following SELECT by rowid) consistent with the writer that triggered
// it.
func Open(dsn string) (*sql.DB, error) {
	registerDriver()
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
