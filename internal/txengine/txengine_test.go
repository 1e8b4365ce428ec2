package txengine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/vfsdb/internal/config"
	"github.com/kartikbazzad/vfsdb/internal/diff"
	vfsdberrors "github.com/kartikbazzad/vfsdb/internal/errors"
	"github.com/kartikbazzad/vfsdb/internal/fileobject"
	"github.com/kartikbazzad/vfsdb/internal/lock"
	"github.com/kartikbazzad/vfsdb/internal/registry"
	"github.com/kartikbazzad/vfsdb/internal/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg, err := registry.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return New(lock.New(), reg, config.DefaultConfig(), nil)
}

func diffBatchFor(t *testing.T, tx *Transaction, f *fileobject.File, newContent string) types.DiffBatch {
	t.Helper()
	current, err := tx.Read(f)
	if err != nil {
		t.Fatalf("Read before diffing: %v", err)
	}
	return diff.Diff(current, newContent)
}

// diffBatchForOrErr is diffBatchFor without a *testing.T dependency, for
// use inside goroutines (e.g. TestWriteWriteConflict's concurrent
// commits) where calling t.Fatalf off the test goroutine would panic.
func diffBatchForOrErr(tx *Transaction, f *fileobject.File, newContent string) (types.DiffBatch, error) {
	current, err := tx.Read(f)
	if err != nil {
		return nil, err
	}
	return diff.Diff(current, newContent), nil
}

// A single writer sees its own buffered write and publishes it on commit.
func TestSingleWriterRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	tx1, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	got, err := tx1.Read(f)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "" {
		t.Fatalf("initial read = %q, want empty", got)
	}

	if err := tx1.Write(f, diffBatchFor(t, tx1, f, "hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err = tx1.Read(f)
	if err != nil {
		t.Fatalf("Read after write: %v", err)
	}
	if got != "hello" {
		t.Fatalf("read after buffered write = %q, want %q", got, "hello")
	}

	if err := e.Commit(tx1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin tx2: %v", err)
	}
	got, err = tx2.Read(f)
	if err != nil {
		t.Fatalf("Read tx2: %v", err)
	}
	if got != "hello" {
		t.Fatalf("tx2 read = %q, want %q", got, "hello")
	}
	if err := e.Commit(tx2); err != nil {
		t.Fatalf("Commit tx2: %v", err)
	}
}

// A SNAPSHOT reader keeps seeing its start-time view across concurrent commits.
func TestSnapshotRepeatableRead(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	setup, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin setup: %v", err)
	}
	if err := setup.Write(f, diffBatchFor(t, setup, f, "a")); err != nil {
		t.Fatalf("Write setup: %v", err)
	}
	if err := e.Commit(setup); err != nil {
		t.Fatalf("Commit setup: %v", err)
	}

	t1, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin t1: %v", err)
	}
	first, err := t1.Read(f)
	if err != nil {
		t.Fatalf("t1 first read: %v", err)
	}
	if first != "a" {
		t.Fatalf("t1 first read = %q, want %q", first, "a")
	}

	t2, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin t2: %v", err)
	}
	if err := t2.Write(f, diffBatchFor(t, t2, f, "b")); err != nil {
		t.Fatalf("Write t2: %v", err)
	}
	if err := e.Commit(t2); err != nil {
		t.Fatalf("Commit t2: %v", err)
	}

	second, err := t1.Read(f)
	if err != nil {
		t.Fatalf("t1 second read: %v", err)
	}
	if second != "a" {
		t.Fatalf("t1 second read = %q, want unchanged %q", second, "a")
	}
}

// A READ_COMMITTED reader observes commits that finalize between its reads.
func TestReadCommittedVisibility(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	setup, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin setup: %v", err)
	}
	if err := setup.Write(f, diffBatchFor(t, setup, f, "a")); err != nil {
		t.Fatalf("Write setup: %v", err)
	}
	if err := e.Commit(setup); err != nil {
		t.Fatalf("Commit setup: %v", err)
	}

	t1, err := e.Begin(types.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin t1: %v", err)
	}
	first, err := t1.Read(f)
	if err != nil {
		t.Fatalf("t1 first read: %v", err)
	}
	if first != "a" {
		t.Fatalf("t1 first read = %q, want %q", first, "a")
	}

	t2, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin t2: %v", err)
	}
	if err := t2.Write(f, diffBatchFor(t, t2, f, "b")); err != nil {
		t.Fatalf("Write t2: %v", err)
	}
	if err := e.Commit(t2); err != nil {
		t.Fatalf("Commit t2: %v", err)
	}

	second, err := t1.Read(f)
	if err != nil {
		t.Fatalf("t1 second read: %v", err)
	}
	if second != "b" {
		t.Fatalf("t1 second read after t2 commit = %q, want %q", second, "b")
	}
}

// Write-write conflict: two SNAPSHOT transactions both write, then
// commit concurrently. The lock manager's non-blocking, ascending-id
// acquisition guarantees exactly one of the two wins the race for any
// file they both touch; the other either lands cleanly afterward (if it
// acquires only after the first fully released) or observes
// LockConflict. Both outcomes are acceptable; what must never happen
// is a corrupted or doubly-applied version log.
func TestWriteWriteConflict(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	var g errgroup.Group
	var mu sync.Mutex
	outcomes := make([]error, 0, 2)

	run := func(content string) func() error {
		return func() error {
			tx, err := e.Begin(types.Snapshot)
			if err != nil {
				return err
			}
			batch, err := diffBatchForOrErr(tx, f, content)
			if err != nil {
				return err
			}
			if err := tx.Write(f, batch); err != nil {
				return err
			}
			err = e.Commit(tx)
			mu.Lock()
			outcomes = append(outcomes, err)
			mu.Unlock()
			return nil
		}
	}

	g.Go(run("X"))
	g.Go(run("Y"))
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected harness error: %v", err)
	}

	successes := 0
	for _, err := range outcomes {
		if err == nil {
			successes++
			continue
		}
		if kind, ok := vfsdberrors.KindOf(err); !ok || kind != vfsdberrors.LockConflict {
			t.Fatalf("unexpected commit error: %v", err)
		}
	}
	if successes == 0 {
		t.Fatal("expected at least one of the two concurrent commits to succeed")
	}
	if f.VersionCount() != successes {
		t.Fatalf("version count = %d, want %d (one version per successful commit)", f.VersionCount(), successes)
	}
}

// A transaction that only reads must not lock, version, or conflict
// with anything at commit.
func TestReadOnlyCommitAppendsNoVersion(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	tx, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Read(f); err != nil {
		t.Fatalf("Read: %v", err)
	}

	// Another transaction grabs the file exclusively after the read; the
	// read-only commit must still succeed because it has nothing to lock.
	if !e.locks.Acquire(f.ID(), "someone-else", types.Exclusive) {
		t.Fatal("setup: exclusive acquire failed")
	}
	defer e.locks.Release(f.ID(), "someone-else")

	if err := e.Commit(tx); err != nil {
		t.Fatalf("read-only Commit: %v", err)
	}
	if n := f.VersionCount(); n != 0 {
		t.Fatalf("read-only commit appended %d version(s), want 0", n)
	}
	if got := f.ActiveCount(); got != 0 {
		t.Fatalf("active count after commit = %d, want 0", got)
	}
}

func TestWithTransactionCommits(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	err := WithTransaction(e, types.Snapshot, func(tx *Transaction) error {
		current, err := tx.Read(f)
		if err != nil {
			return err
		}
		return tx.Write(f, diff.Diff(current, "hello"))
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	check, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err := check.Read(f)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "hello" {
		t.Fatalf("read after WithTransaction = %q, want %q", got, "hello")
	}
}

func TestWithTransactionAbortsOnError(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	var id string
	boom := errors.New("boom")
	err := WithTransaction(e, types.Snapshot, func(tx *Transaction) error {
		id = tx.ID()
		current, rerr := tx.Read(f)
		if rerr != nil {
			return rerr
		}
		if werr := tx.Write(f, diff.Diff(current, "never lands")); werr != nil {
			return werr
		}
		return boom
	})
	if err != boom {
		t.Fatalf("WithTransaction returned %v, want the body's error", err)
	}

	meta, err := e.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if meta.Status != types.Aborted {
		t.Fatalf("status = %v, want ABORTED", meta.Status)
	}
	if n := f.VersionCount(); n != 0 {
		t.Fatalf("aborted transaction left %d version(s), want 0", n)
	}
}

// A commit that initially conflicts must succeed on retry once the
// contending holder releases.
func TestWithTransactionRetriesLockConflict(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	if !e.locks.Acquire(f.ID(), "contender", types.Exclusive) {
		t.Fatal("setup: exclusive acquire failed")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.locks.Release(f.ID(), "contender")
	}()

	// Write without reading: the contender's exclusive hold would reject
	// even the read path's brief shared acquisition, and only the commit
	// retry is under test here.
	err := WithTransaction(e, types.Snapshot, func(tx *Transaction) error {
		return tx.Write(f, diff.Diff("", "eventually"))
	})
	if err != nil {
		t.Fatalf("WithTransaction should have retried past the conflict: %v", err)
	}
	if n := f.VersionCount(); n != 1 {
		t.Fatalf("version count = %d, want 1", n)
	}
}

func TestWriteNotPermittedAtReadOnlyLevels(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	for _, level := range []types.IsolationLevel{types.ReadUncommitted, types.ReadCommitted} {
		tx, err := e.Begin(level)
		if err != nil {
			t.Fatalf("Begin(%v): %v", level, err)
		}
		err = tx.Write(f, diffBatchFor(t, tx, f, "nope"))
		kind, ok := vfsdberrors.KindOf(err)
		if !ok || kind != vfsdberrors.WriteNotPermittedAtIsolation {
			t.Fatalf("Write at %v returned %v, want WriteNotPermittedAtIsolation", level, err)
		}
	}
}

func TestInactiveTransactionAfterTerminal(t *testing.T) {
	e := newTestEngine(t)
	f := fileobject.New("f1", "doc.txt", 0, nil)

	tx, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Abort(tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := tx.Read(f); err == nil {
		t.Fatal("expected Read on an aborted transaction to fail")
	} else if kind, ok := vfsdberrors.KindOf(err); !ok || kind != vfsdberrors.InactiveTransaction {
		t.Fatalf("Read after abort returned %v, want InactiveTransaction", err)
	}

	if err := e.Commit(tx); err == nil {
		t.Fatal("expected Commit on an already-terminal transaction to fail")
	}
}

func TestNoOpCommitSucceedsWithoutBuffer(t *testing.T) {
	e := newTestEngine(t)
	tx, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit with empty buffer should succeed, got: %v", err)
	}
	meta, err := e.Status(tx.ID())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if meta.Status != types.Committed {
		t.Fatalf("status = %v, want COMMITTED", meta.Status)
	}
}

func TestStatusObservableAfterHandleDiscarded(t *testing.T) {
	e := newTestEngine(t)
	tx, err := e.Begin(types.Snapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	id := tx.ID()
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tx = nil //nolint:ineffassign // demonstrate the handle is no longer needed

	meta, err := e.Status(id)
	if err != nil {
		t.Fatalf("Status after discarding handle: %v", err)
	}
	if meta.Status != types.Committed {
		t.Fatalf("status = %v, want COMMITTED", meta.Status)
	}
}
