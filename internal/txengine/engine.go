// Package txengine implements the transaction engine: a
// per-transaction read/write buffer, isolation-level-driven read
// semantics, and the commit/rollback protocol run against the lock
// manager and each file object's version log. The engine owns the map
// of in-flight transactions; commit accumulates an explicit rollback
// log so a partial failure is compensated step by step rather than
// unwound.
//
// READ_COMMITTED's shared lock is advisory, not a true isolation
// guarantee: the engine acquires SHARED, reads, and releases
// immediately, without holding the lock across the buffered-write
// apply step.
package txengine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kartikbazzad/vfsdb/internal/config"
	vfsdberrors "github.com/kartikbazzad/vfsdb/internal/errors"
	"github.com/kartikbazzad/vfsdb/internal/lock"
	"github.com/kartikbazzad/vfsdb/internal/logger"
	"github.com/kartikbazzad/vfsdb/internal/registry"
	"github.com/kartikbazzad/vfsdb/internal/types"
)

// Engine coordinates transactions over a shared lock manager and
// transaction registry. Both are explicit constructor dependencies, so
// multiple engines can coexist in one process for testing.
type Engine struct {
	mu  sync.Mutex
	txs map[string]*Transaction

	locks        *lock.Manager
	registry     *registry.Registry
	cfg          *config.Config
	logger       *logger.Logger
	classifier   *vfsdberrors.Classifier
	errorTracker *vfsdberrors.ErrorTracker
	started      time.Time
}

// New constructs an Engine over the given lock manager and transaction
// registry. cfg may be nil, in which case config.DefaultConfig() is used.
func New(locks *lock.Manager, reg *registry.Registry, cfg *config.Config, log *logger.Logger) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		txs:          make(map[string]*Transaction),
		locks:        locks,
		registry:     reg,
		cfg:          cfg,
		logger:       log.Named("txengine"),
		classifier:   vfsdberrors.NewClassifier(),
		errorTracker: vfsdberrors.NewErrorTracker(),
		started:      time.Now().UTC(),
	}
}

// recordError classifies err and feeds it to the engine's
// ErrorTracker.
func (e *Engine) recordError(txnID string, err error) {
	if err == nil {
		return
	}
	e.errorTracker.RecordError(txnID, err, e.classifier.Classify(err))
}

// CriticalAlerts returns the recorded rollback-failed occurrences (the
// most recent 100), for an operator diagnostics surface.
func (e *Engine) CriticalAlerts() []vfsdberrors.CriticalAlert {
	return e.errorTracker.CriticalAlerts()
}

// ErrorCount returns how many boundary errors of category have been
// recorded since the engine started.
func (e *Engine) ErrorCount(category vfsdberrors.ErrorCategory) uint64 {
	return e.errorTracker.GetErrorCount(category)
}

// Begin opens a new transaction at the given isolation level and records
// its ACTIVE metadata in the registry.
func (e *Engine) Begin(isolation types.IsolationLevel) (*Transaction, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	if err := e.registry.Create(id, now); err != nil {
		return nil, err
	}

	tx := &Transaction{
		id:        id,
		isolation: isolation,
		startTime: now,
		status:    types.Active,
		engine:    e,
		buffers:   make(map[string]*modBuffer),
	}

	e.mu.Lock()
	e.txs[id] = tx
	e.mu.Unlock()

	e.logger.Debug("began transaction %s at isolation %s", id, isolation)
	return tx, nil
}

// Commit runs the commit protocol for tx.
func (e *Engine) Commit(tx *Transaction) error {
	return tx.commit()
}

// Abort terminates tx without committing its buffer.
func (e *Engine) Abort(tx *Transaction) error {
	return tx.abort()
}

// Status returns the current persisted metadata for txnID.
func (e *Engine) Status(txnID string) (types.TransactionMetadata, error) {
	return e.registry.Get(txnID)
}

// Stats is a point-in-time diagnostic snapshot of the engine.
type Stats struct {
	ActiveTransactions int
	ByStatus           map[types.TxStatus]int
	Since              time.Time
}

// Stats summarizes in-flight transaction counts by status.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{ByStatus: make(map[types.TxStatus]int), Since: e.started}
	for _, tx := range e.txs {
		tx.mu.Lock()
		status := tx.status
		tx.mu.Unlock()
		s.ByStatus[status]++
		if status == types.Active {
			s.ActiveTransactions++
		}
	}
	return s
}

// String renders Stats for the shell's .stats command.
func (s Stats) String() string {
	return fmt.Sprintf("%s active transaction(s), engine running %s",
		humanize.Comma(int64(s.ActiveTransactions)), humanize.Time(s.Since))
}

// forget drops a terminal transaction from the engine's in-flight map.
// Its metadata remains queryable via Status; the registry row outlives
// the handle.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.txs, id)
	e.mu.Unlock()
}

// acquireSorted acquires EXCLUSIVE on every file id in fileIDs in
// ascending order, so concurrent committers contending on overlapping
// sets cannot deadlock. On the first failure it releases everything
// already acquired and returns the offending file id.
func acquireSorted(locks *lock.Manager, txnID string, fileIDs []string) (acquired []string, failedAt string, ok bool) {
	sorted := append([]string(nil), fileIDs...)
	sort.Strings(sorted)

	for _, id := range sorted {
		if !locks.Acquire(id, txnID, types.Exclusive) {
			for _, a := range acquired {
				locks.Release(a, txnID)
			}
			return nil, id, false
		}
		acquired = append(acquired, id)
	}
	return acquired, "", true
}

func releaseAll(locks *lock.Manager, txnID string, fileIDs []string) {
	for _, id := range fileIDs {
		locks.Release(id, txnID)
	}
}
