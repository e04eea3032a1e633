package sessionpool

import (
	"time"
)

// Metrics receives pool instrumentation. A nil Metrics disables collection.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveConnect records one driver Connect call.
	ObserveConnect(d time.Duration, err error)
	// ObserveTxStart records one BeginTx call.
	ObserveTxStart(readOnly bool, d time.Duration, err error)
	// ObserveTxEnd records the outcome ("commit", "rollback") of a transaction.
	ObserveTxEnd(readOnly bool, outcome string, err error)
	// ObserveLockWait records time spent waiting for the registry semaphore.
	ObserveLockWait(d time.Duration)
	// RecordReaped counts sessions reclaimed by a sweep.
	RecordReaped(n int)
	// RecordSessions reports the current registry size.
	RecordSessions(n int)
}

func (m *Manager) observeConnect(d time.Duration, err error) {
	if m.metrics != nil {
		m.metrics.ObserveConnect(d, err)
	}
}

func (m *Manager) observeTxStart(readOnly bool, d time.Duration, err error) {
	if m.metrics != nil {
		m.metrics.ObserveTxStart(readOnly, d, err)
	}
}

func (m *Manager) observeTxEnd(readOnly bool, outcome string, err error) {
	if m.metrics != nil {
		m.metrics.ObserveTxEnd(readOnly, outcome, err)
	}
}

func (m *Manager) observeLockWait(d time.Duration) {
	if m.metrics != nil {
		m.metrics.ObserveLockWait(d)
	}
}

func (m *Manager) recordReaped(n int) {
	if m.metrics != nil && n > 0 {
		m.metrics.RecordReaped(n)
	}
}

// recordSessions must be called with the semaphore held.
func (m *Manager) recordSessions() {
	if m.metrics != nil {
		m.metrics.RecordSessions(m.reg.len())
	}
}
