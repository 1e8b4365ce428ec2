package txengine

import (
	vfsdberrors "github.com/kartikbazzad/vfsdb/internal/errors"
	"github.com/kartikbazzad/vfsdb/internal/types"
)

// WithTransaction begins a transaction at isolation, runs fn once,
// then commits - guaranteeing termination (commit, abort, or a
// propagated error) on every exit path.
//
// A LockConflict from Commit is retried on the SAME transaction: a
// commit that fails to acquire its locks leaves the transaction ACTIVE
// with its buffer intact, so retrying only re-attempts the commit, not
// fn. If retries are exhausted while the transaction is still ACTIVE,
// WithTransaction aborts it before returning, so no caller of this
// helper can leak an open transaction.
func WithTransaction(e *Engine, isolation types.IsolationLevel, fn func(tx *Transaction) error) error {
	classifier := vfsdberrors.NewClassifier()
	retry := vfsdberrors.NewRetryControllerWith(
		e.cfg.Retry.InitialDelay, e.cfg.Retry.MaxDelay, e.cfg.Retry.MaxRetries)

	tx, err := e.Begin(isolation)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if abortErr := e.Abort(tx); abortErr != nil {
			return abortErr
		}
		return err
	}

	commitErr := retry.Retry(func() error {
		return e.Commit(tx)
	}, classifier)

	if commitErr != nil && tx.Status() == types.Active {
		if abortErr := e.Abort(tx); abortErr != nil {
			return abortErr
		}
	}
	return commitErr
}
