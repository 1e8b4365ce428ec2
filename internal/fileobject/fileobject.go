// Package fileobject implements the versioned file object: a snapshot
// string plus an ordered, append-only log of timestamped diff batches.
// Reads are point-in-time, commits append at a caller-chosen timestamp,
// and rollback is compensating: an inverse diff is appended rather than
// history rewritten, so earlier reads stay valid forever.
package fileobject

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kartikbazzad/vfsdb/internal/diff"
	"github.com/kartikbazzad/vfsdb/internal/logger"
	"github.com/kartikbazzad/vfsdb/internal/types"
)

// NewID generates an opaque unique file identifier.
func NewID() string {
	return uuid.NewString()
}

// File is one versioned file object: the id is stable for the object's
// lifetime, snapshot+versions materialize its history, and
// activeTxnCount gates Compact.
type File struct {
	mu sync.Mutex

	id   string
	name string

	snapshot     string
	snapshotTime time.Time // -inf is represented as the zero time.Time
	versions     []types.FileVersion

	activeTxnCount int

	// lastCommitTime is the high-water mark of the version timestamps
	// appended to this file (CommitVersionAt's t and RollbackCommit's
	// rollbackTime). When two commits sample the clock inside
	// the same tick, the transaction engine advances the second past
	// this mark before calling CommitVersionAt, keeping version
	// timestamps strictly monotonic per file.
	lastCommitTime time.Time

	readCache *lru.Cache[time.Time, string]
	log       *logger.Logger
}

// New creates an empty file object: snapshot "" at snapshot_time = -inf,
// no versions. cacheSize bounds the per-file LRU of materialized ReadAt
// results (0 disables caching).
func New(id, name string, cacheSize int, log *logger.Logger) *File {
	if log == nil {
		log = logger.Default()
	}
	f := &File{
		id:   id,
		name: name,
		log:  log.Named("fileobject"),
	}
	if cacheSize > 0 {
		c, err := lru.New[time.Time, string](cacheSize)
		if err == nil {
			f.readCache = c
		}
	}
	return f
}

// ID returns the file's stable identifier.
func (f *File) ID() string { return f.id }

// Name returns the file's display name (not a key; callers may rename
// freely, rename is external to this package since the directory layer
// owns naming).
func (f *File) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// SetName updates the display name.
func (f *File) SetName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
}

// ReadAt materializes snapshot plus every version with Timestamp <= t,
// in ascending timestamp order. Results are cached per timestamp and
// invalidated by any mutation.
func (f *File) ReadAt(t time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAtLocked(t)
}

func (f *File) readAtLocked(t time.Time) (string, error) {
	if f.readCache != nil {
		if v, ok := f.readCache.Get(t); ok {
			return v, nil
		}
	}

	content := f.snapshot
	for _, v := range f.versions {
		if v.Timestamp.After(t) {
			break
		}
		applied, err := diff.Apply(content, v.Batch)
		if err != nil {
			return "", err
		}
		content = applied
	}

	if f.readCache != nil {
		f.readCache.Add(t, content)
	}
	return content, nil
}

// CommitVersionAt appends a new version at timestamp t whose batch
// transforms the t-baseline (read_at(t) before this call) into
// newContent. The caller (txengine) is responsible for t being strictly
// greater than every existing version timestamp on this file.
func (f *File) CommitVersionAt(newContent string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	baseline, err := f.readAtLocked(t)
	if err != nil {
		return err
	}
	batch := diff.Diff(baseline, newContent)

	f.versions = append(f.versions, types.FileVersion{Timestamp: t, Batch: batch})
	if t.After(f.lastCommitTime) {
		f.lastCommitTime = t
	}
	f.invalidateCacheLocked()
	f.log.Debug("file %s committed version at %s (%d ops)", f.id, t.Format(time.RFC3339Nano), len(batch))
	return nil
}

// LastCommitTime returns the latest version timestamp appended to this
// file by CommitVersionAt or RollbackCommit, or the zero time if none
// has landed yet. Used
// by the transaction engine's monotonic commit-timestamp fallback.
func (f *File) LastCommitTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCommitTime
}

// RollbackCommit issues a compensating diff for the commit that landed at
// txnCommit: it appends, at rollbackTime, the diff from the post-commit
// state back to the pre-commit state (read_at(txnStart)). If no version
// exists at exactly txnCommit, this is a no-op - the commit never
// happened, or was already compensated.
func (f *File) RollbackCommit(txnStart, txnCommit, rollbackTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	found := false
	for _, v := range f.versions {
		if v.Timestamp.Equal(txnCommit) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	a, err := f.readAtLocked(txnStart)
	if err != nil {
		return err
	}
	b, err := f.readAtLocked(txnCommit)
	if err != nil {
		return err
	}
	batch := diff.Diff(b, a)

	f.versions = append(f.versions, types.FileVersion{Timestamp: rollbackTime, Batch: batch})
	if rollbackTime.After(f.lastCommitTime) {
		f.lastCommitTime = rollbackTime
	}
	f.invalidateCacheLocked()
	f.log.Warn("file %s compensating rollback of commit %s at %s", f.id,
		txnCommit.Format(time.RFC3339Nano), rollbackTime.Format(time.RFC3339Nano))
	return nil
}

// IncrementActive records that one more transaction is permitted to read
// this object, gating Compact.
func (f *File) IncrementActive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeTxnCount++
}

// DecrementActive undoes one IncrementActive.
func (f *File) DecrementActive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeTxnCount > 0 {
		f.activeTxnCount--
	}
}

// ActiveCount reports the current active-transaction gate value, for
// diagnostics.
func (f *File) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeTxnCount
}

// Compact materializes the state at upTo into the snapshot and clears
// the version log, succeeding only when no transaction is currently
// active against this object and every version timestamp is <= upTo.
// The active-transaction count is checked, never modified.
func (f *File) Compact(upTo time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.activeTxnCount != 0 {
		return false
	}
	for _, v := range f.versions {
		if v.Timestamp.After(upTo) {
			return false
		}
	}

	materialized, err := f.readAtLocked(upTo)
	if err != nil {
		return false
	}

	f.snapshot = materialized
	f.snapshotTime = upTo
	f.versions = nil
	f.invalidateCacheLocked()
	f.log.Info("file %s compacted up to %s", f.id, upTo.Format(time.RFC3339Nano))
	return true
}

// VersionCount returns the number of versions currently in the log, for
// Engine.Stats().
func (f *File) VersionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.versions)
}

func (f *File) invalidateCacheLocked() {
	if f.readCache != nil {
		f.readCache.Purge()
	}
}
