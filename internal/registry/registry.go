// Package registry implements the engine's transaction registry: a
// metadata row per transaction recording its start time, end time, and
// status. Create refuses a pre-existing id; Update preserves the
// recorded end time when the caller omits it. The rows live in an
// in-memory modernc.org/sqlite table, since the registry has no
// durability requirement.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	vfsdberrors "github.com/kartikbazzad/vfsdb/internal/errors"
	"github.com/kartikbazzad/vfsdb/internal/logger"
	"github.com/kartikbazzad/vfsdb/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	txn_id     TEXT PRIMARY KEY,
	start_time INTEGER NOT NULL,
	end_time   INTEGER,
	status     INTEGER NOT NULL
);`

// Registry keeps transaction metadata in an in-memory SQLite
// database. No file ever touches disk: the DSN is expected to be a
// ":memory:" or "mode=memory" connection string
// (config.RegistryConfig's default), never a file path.
type Registry struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open creates the registry's schema against dsn and returns a ready
// Registry. Callers must Close it when done with the engine.
func Open(dsn string, log *logger.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open %q: %w", dsn, err)
	}
	// A ":memory:" database is private to each connection; cap the
	// pool at one connection so every statement sees the same schema and
	// rows instead of a fresh empty database per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create schema: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}
	return &Registry{db: db, logger: log.Named("registry")}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts a fresh ACTIVE row for txnID. It is an error for
// txnID to already exist.
func (r *Registry) Create(txnID string, startTime time.Time) error {
	_, err := r.db.Exec(
		`INSERT INTO transactions (txn_id, start_time, end_time, status) VALUES (?, ?, NULL, ?)`,
		txnID, startTime.UnixNano(), int(types.Active),
	)
	if err != nil {
		return vfsdberrors.New(vfsdberrors.InactiveTransaction, "registry.Create",
			fmt.Errorf("%w: %s: %v", vfsdberrors.ErrTxnAlreadyExists, txnID, err))
	}
	r.logger.Debug("created transaction %s at %s", txnID, startTime.Format(time.RFC3339Nano))
	return nil
}

// Update replaces txnID's status. If endTime is nil, any end_time
// already recorded is preserved.
func (r *Registry) Update(txnID string, status types.TxStatus, endTime *time.Time) error {
	var res sql.Result
	var err error
	if endTime != nil {
		res, err = r.db.Exec(
			`UPDATE transactions SET status = ?, end_time = ? WHERE txn_id = ?`,
			int(status), endTime.UnixNano(), txnID,
		)
	} else {
		res, err = r.db.Exec(
			`UPDATE transactions SET status = ? WHERE txn_id = ?`,
			int(status), txnID,
		)
	}
	if err != nil {
		return fmt.Errorf("registry: update %s: %w", txnID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vfsdberrors.New(vfsdberrors.InactiveTransaction, "registry.Update", vfsdberrors.ErrTxnNotFound)
	}
	r.logger.Debug("transaction %s -> %s", txnID, status)
	return nil
}

// Get returns txnID's current metadata.
func (r *Registry) Get(txnID string) (types.TransactionMetadata, error) {
	row := r.db.QueryRow(
		`SELECT txn_id, start_time, end_time, status FROM transactions WHERE txn_id = ?`,
		txnID,
	)

	var meta types.TransactionMetadata
	var startNanos int64
	var endNanos sql.NullInt64
	var status int
	if err := row.Scan(&meta.TxnID, &startNanos, &endNanos, &status); err != nil {
		if err == sql.ErrNoRows {
			return types.TransactionMetadata{}, vfsdberrors.New(vfsdberrors.InactiveTransaction, "registry.Get", vfsdberrors.ErrTxnNotFound)
		}
		return types.TransactionMetadata{}, fmt.Errorf("registry: get %s: %w", txnID, err)
	}

	meta.StartTime = time.Unix(0, startNanos).UTC()
	meta.Status = types.TxStatus(status)
	if endNanos.Valid {
		t := time.Unix(0, endNanos.Int64).UTC()
		meta.EndTime = &t
	}
	return meta, nil
}
