package txengine

import (
	"sort"
	"sync"
	"time"

	"github.com/kartikbazzad/vfsdb/internal/diff"
	vfsdberrors "github.com/kartikbazzad/vfsdb/internal/errors"
	"github.com/kartikbazzad/vfsdb/internal/fileobject"
	"github.com/kartikbazzad/vfsdb/internal/types"
)

// modBuffer is one transaction's modification buffer for one file: the
// file object plus the ordered diff batches this transaction has
// written, applied in append order over the transaction's read
// baseline.
type modBuffer struct {
	file    *fileobject.File
	batches []types.DiffBatch
}

// Transaction is a single unit of work against the engine. Read and
// Write buffer against an in-memory per-file modification buffer; commit
// materializes that buffer onto the underlying file objects.
type Transaction struct {
	id        string
	isolation types.IsolationLevel
	startTime time.Time

	engine *Engine

	mu      sync.Mutex
	status  types.TxStatus
	buffers map[string]*modBuffer
	touched []string // file ids touched, in first-touch order
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() string { return t.id }

// Isolation returns the transaction's isolation level.
func (t *Transaction) Isolation() types.IsolationLevel { return t.isolation }

// StartTime returns the transaction's start time.
func (t *Transaction) StartTime() time.Time { return t.startTime }

// Status returns the transaction's current status.
func (t *Transaction) Status() types.TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// requireActiveLocked rejects any operation on a non-ACTIVE
// transaction with InactiveTransaction. It never mutates status:
// recoverable errors such as LockConflict leave the transaction ACTIVE
// so the caller can retry or abort.
func (t *Transaction) requireActiveLocked(op string) error {
	if t.status != types.Active {
		return vfsdberrors.New(vfsdberrors.InactiveTransaction, op, vfsdberrors.ErrTxnNotActive)
	}
	return nil
}

// readBaselineTime returns the timestamp this transaction reads at:
// the start time for SNAPSHOT, the current instant for the two
// read-only levels.
func (t *Transaction) readBaselineTime() time.Time {
	if t.isolation == types.Snapshot {
		return t.startTime
	}
	return time.Now().UTC()
}

// registerTouchLocked records that file is part of this transaction's
// working set the first time it's read or written, incrementing the
// file's active-transaction gate exactly once per file per transaction.
func (t *Transaction) registerTouchLocked(file *fileobject.File) *modBuffer {
	buf, ok := t.buffers[file.ID()]
	if !ok {
		file.IncrementActive()
		buf = &modBuffer{file: file}
		t.buffers[file.ID()] = buf
		t.touched = append(t.touched, file.ID())
	}
	return buf
}

// Read obtains the isolation-appropriate baseline, bracketed by a
// brief SHARED lock at the locking levels, then layers this
// transaction's own buffered writes to file (if any) on top.
func (t *Transaction) Read(file *fileobject.File) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireActiveLocked("txengine.Read"); err != nil {
		return "", err
	}

	buf := t.registerTouchLocked(file)

	readTime := t.readBaselineTime()

	if t.isolation != types.ReadUncommitted {
		if !t.engine.locks.Acquire(file.ID(), t.id, types.Shared) {
			return "", vfsdberrors.New(vfsdberrors.LockConflict, "txengine.Read", vfsdberrors.ErrLockNotAcquired)
		}
		baseline, err := file.ReadAt(readTime)
		t.engine.locks.Release(file.ID(), t.id)
		if err != nil {
			return "", err
		}
		return t.applyBufferLocked(buf, baseline)
	}

	baseline, err := file.ReadAt(readTime)
	if err != nil {
		return "", err
	}
	return t.applyBufferLocked(buf, baseline)
}

func (t *Transaction) applyBufferLocked(buf *modBuffer, baseline string) (string, error) {
	content := baseline
	for _, batch := range buf.batches {
		applied, err := diff.Apply(content, batch)
		if err != nil {
			return "", err
		}
		content = applied
	}
	return content, nil
}

// Write buffers batch against file, requiring ACTIVE and a
// write-permitting isolation level. Writes never acquire locks;
// contention is deferred entirely to commit.
func (t *Transaction) Write(file *fileobject.File, batch types.DiffBatch) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireActiveLocked("txengine.Write"); err != nil {
		return err
	}
	if !t.isolation.PermitsWrites() {
		return vfsdberrors.New(vfsdberrors.WriteNotPermittedAtIsolation, "txengine.Write", vfsdberrors.ErrWriteNotPermitted)
	}

	buf := t.registerTouchLocked(file)
	if len(batch) == 0 {
		return nil
	}
	buf.batches = append(buf.batches, batch)
	return nil
}

// rollbackEntry is one accumulated compensating-rollback instruction,
// recorded just before each per-file version append so a partial commit
// can be undone in recording order.
type rollbackEntry struct {
	file      *fileobject.File
	txnStart  time.Time
	txnCommit time.Time
}

// commit acquires EXCLUSIVE locks on every written file in ascending
// file-id order, samples a commit timestamp, materializes each file's
// buffered batches onto its version log, and on partial failure runs
// the compensating rollback over whatever already landed.
func (t *Transaction) commit() error {
	t.mu.Lock()

	if err := t.requireActiveLocked("txengine.Commit"); err != nil {
		t.mu.Unlock()
		return err
	}

	// Only files with buffered batches participate in the commit; files
	// this transaction merely read hold no locks and gain no versions.
	fileIDs := make([]string, 0, len(t.buffers))
	for id, buf := range t.buffers {
		if len(buf.batches) > 0 {
			fileIDs = append(fileIDs, id)
		}
	}
	touched := append([]string(nil), t.touched...)

	if len(fileIDs) == 0 {
		t.status = types.Committed
		end := time.Now().UTC()
		err := t.engine.registry.Update(t.id, types.Committed, &end)
		t.mu.Unlock()
		t.releaseGates(touched)
		t.engine.forget(t.id)
		return err
	}

	buffers := t.buffers
	txnStart := t.startTime
	t.mu.Unlock()

	// A lock failure here is recoverable: the transaction stays ACTIVE
	// with its buffer untouched, so the caller may call Commit again or
	// Abort explicitly.
	acquired, _, ok := acquireSorted(t.engine.locks, t.id, fileIDs)
	if !ok {
		err := vfsdberrors.New(vfsdberrors.LockConflict, "txengine.Commit", vfsdberrors.ErrLockNotAcquired)
		t.engine.recordError(t.id, err)
		return err
	}
	defer releaseAll(t.engine.locks, t.id, acquired)

	commitTime := time.Now().UTC()

	var rollbackLog []rollbackEntry
	var commitErr error

	sortedIDs := append([]string(nil), fileIDs...)
	sort.Strings(sortedIDs)

	for _, id := range sortedIDs {
		buf := buffers[id]

		adjusted := commitTime
		if last := buf.file.LastCommitTime(); !adjusted.After(last) {
			adjusted = last.Add(time.Nanosecond)
		}

		updated, err := t.materialize(buf, t.isolation, txnStart)
		if err != nil {
			commitErr = err
			break
		}

		rollbackLog = append(rollbackLog, rollbackEntry{file: buf.file, txnStart: txnStart, txnCommit: adjusted})

		if err := buf.file.CommitVersionAt(updated, adjusted); err != nil {
			commitErr = err
			break
		}
	}

	defer func() {
		t.releaseGates(touched)
		t.engine.forget(t.id)
	}()

	if commitErr == nil {
		t.mu.Lock()
		t.status = types.Committed
		end := time.Now().UTC()
		err := t.engine.registry.Update(t.id, types.Committed, &end)
		t.mu.Unlock()
		return err
	}

	// Commit failed partway through: compensate every version that
	// already landed, all at one rollback timestamp.
	rollbackNow := time.Now().UTC()
	var rollbackErr error
	for _, entry := range rollbackLog {
		if err := entry.file.RollbackCommit(entry.txnStart, entry.txnCommit, rollbackNow); err != nil {
			rollbackErr = err
			break
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	end := time.Now().UTC()
	if rollbackErr != nil {
		t.status = types.RollbackFailed
		_ = t.engine.registry.Update(t.id, types.RollbackFailed, &end)
		critical := vfsdberrors.New(vfsdberrors.Critical, "txengine.Commit", rollbackErr)
		t.engine.recordError(t.id, critical)
		return critical
	}

	t.status = types.RolledBack
	_ = t.engine.registry.Update(t.id, types.RolledBack, &end)
	failed := vfsdberrors.New(vfsdberrors.CommitFailed, "txengine.Commit", commitErr)
	t.engine.recordError(t.id, failed)
	return failed
}

// materialize re-reads this file's isolation-appropriate baseline and
// applies the transaction's buffered batches over it - the same
// operation Read performs, used at commit time without re-acquiring the
// transaction's own mutex (commit already holds the relevant state).
func (t *Transaction) materialize(buf *modBuffer, isolation types.IsolationLevel, txnStart time.Time) (string, error) {
	readTime := txnStart
	if isolation != types.Snapshot {
		readTime = time.Now().UTC()
	}
	baseline, err := buf.file.ReadAt(readTime)
	if err != nil {
		return "", err
	}
	content := baseline
	for _, batch := range buf.batches {
		applied, err := diff.Apply(content, batch)
		if err != nil {
			return "", err
		}
		content = applied
	}
	return content, nil
}

// abort discards the buffer and finalizes ABORTED. No locks are held
// by an uncommitted transaction, so nothing to release beyond the
// per-file active-transaction gates.
func (t *Transaction) abort() error {
	t.mu.Lock()
	if err := t.requireActiveLocked("txengine.Abort"); err != nil {
		t.mu.Unlock()
		return err
	}
	t.status = types.Aborted
	end := time.Now().UTC()
	err := t.engine.registry.Update(t.id, types.Aborted, &end)
	touched := t.touched
	t.mu.Unlock()

	t.releaseGates(touched)
	t.engine.forget(t.id)
	return err
}

func (t *Transaction) releaseGates(fileIDs []string) {
	t.mu.Lock()
	buffers := t.buffers
	t.mu.Unlock()
	for _, id := range fileIDs {
		if buf, ok := buffers[id]; ok {
			buf.file.DecrementActive()
		}
	}
}
