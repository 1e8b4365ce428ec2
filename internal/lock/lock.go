// Package lock implements the engine's non-blocking per-file lock
// manager: a single mutex guarding a map of file id to the set of
// transaction ids currently holding it and the mode they hold it in.
// Acquire never blocks - it returns immediately with whether the
// request succeeded - and there is no lock-upgrade path: a transaction
// that holds SHARED and requests EXCLUSIVE is refused, it must release
// and re-acquire.
package lock

import (
	"sync"

	"github.com/kartikbazzad/vfsdb/internal/types"
)

type fileLock struct {
	mode    types.LockMode
	holders map[string]struct{}
}

// Manager is the engine-wide lock table. The zero value is not usable;
// construct with New.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*fileLock)}
}

// Acquire attempts to grant txnID the requested mode on fileID. It never
// blocks: the policy is
//
//   - no entry yet for fileID: grant it, recording txnID as the sole holder.
//   - txnID already holds the lock: granted, unless it holds SHARED and
//     requests EXCLUSIVE (upgrade is refused).
//   - fileID is held SHARED and txnID requests SHARED: txnID joins the
//     holder set.
//   - anything else (fileID held EXCLUSIVE by someone else, or fileID held
//     SHARED and txnID requests EXCLUSIVE): refused.
func (m *Manager) Acquire(fileID, txnID string, requested types.LockMode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.locks[fileID]
	if !ok {
		m.locks[fileID] = &fileLock{
			mode:    requested,
			holders: map[string]struct{}{txnID: {}},
		}
		return true
	}

	if _, holds := current.holders[txnID]; holds {
		if current.mode == types.Shared && requested == types.Exclusive {
			return false
		}
		return true
	}

	if requested == types.Shared && current.mode == types.Shared {
		current.holders[txnID] = struct{}{}
		return true
	}

	return false
}

// Release drops txnID's hold on fileID, deleting the file's lock entry
// entirely once its holder set is empty.
func (m *Manager) Release(fileID, txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.locks[fileID]
	if !ok {
		return
	}
	if _, holds := current.holders[txnID]; !holds {
		return
	}

	delete(current.holders, txnID)
	if len(current.holders) == 0 {
		delete(m.locks, fileID)
	}
}

// Holders returns a snapshot of the transaction ids currently holding
// fileID's lock, for diagnostics. It returns nil if fileID is unlocked.
func (m *Manager) Holders(fileID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.locks[fileID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(current.holders))
	for id := range current.holders {
		out = append(out, id)
	}
	return out
}
