package errors

import (
	"sync"
	"time"
)

// ErrorTracker tracks error metrics for observability, with special
// handling for Critical errors: a transaction whose rollback itself
// failed leaves a file in an inconsistent state that needs external
// intervention, so each such occurrence is recorded as a CriticalAlert
// for the engine's diagnostics surface. Only the most recent 100 alerts
// are kept; older ones are dropped.
type ErrorTracker struct {
	mu             sync.RWMutex
	errorCounts    map[ErrorCategory]uint64
	lastOccurrence map[ErrorCategory]time.Time
	criticalAlerts []CriticalAlert
}

// CriticalAlert records one occurrence of a Critical (rollback-failed)
// error.
type CriticalAlert struct {
	TxnID       string
	Error       error
	OccurredAt  time.Time
	Description string
}

// NewErrorTracker creates a new error tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		errorCounts:    make(map[ErrorCategory]uint64),
		lastOccurrence: make(map[ErrorCategory]time.Time),
		criticalAlerts: make([]CriticalAlert, 0),
	}
}

// RecordError records an error occurrence for txnID, classified by
// category. Pass the category from Classifier.Classify.
func (et *ErrorTracker) RecordError(txnID string, err error, category ErrorCategory) {
	et.mu.Lock()
	defer et.mu.Unlock()

	now := time.Now().UTC()
	et.errorCounts[category]++
	et.lastOccurrence[category] = now

	if category == ErrorCritical {
		alert := CriticalAlert{
			TxnID:       txnID,
			Error:       err,
			OccurredAt:  now,
			Description: err.Error(),
		}
		et.criticalAlerts = append(et.criticalAlerts, alert)

		// Keep only the most recent 100 alerts.
		if len(et.criticalAlerts) > 100 {
			et.criticalAlerts = et.criticalAlerts[len(et.criticalAlerts)-100:]
		}
	}
}

// GetErrorCount returns the count of errors for a category.
func (et *ErrorTracker) GetErrorCount(category ErrorCategory) uint64 {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.errorCounts[category]
}

// GetLastOccurrence returns the last occurrence time for a category.
func (et *ErrorTracker) GetLastOccurrence(category ErrorCategory) time.Time {
	et.mu.RLock()
	defer et.mu.RUnlock()
	return et.lastOccurrence[category]
}

// CriticalAlerts returns a copy of all recorded critical alerts.
func (et *ErrorTracker) CriticalAlerts() []CriticalAlert {
	et.mu.RLock()
	defer et.mu.RUnlock()

	alerts := make([]CriticalAlert, len(et.criticalAlerts))
	copy(alerts, et.criticalAlerts)
	return alerts
}

// Reset clears all error tracking data.
func (et *ErrorTracker) Reset() {
	et.mu.Lock()
	defer et.mu.Unlock()

	et.errorCounts = make(map[ErrorCategory]uint64)
	et.lastOccurrence = make(map[ErrorCategory]time.Time)
	et.criticalAlerts = make([]CriticalAlert, 0)
}
