package sessionpool

import (
	"context"
	"sort"
	"time"
)

func (m *Manager) reaper() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.Sweep(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// Sweep runs one reaper pass and returns the number of sessions reclaimed.
//
// Under the semaphore it detaches every unreferenced session idle for at
// least IdleTimeout, together with every unreferenced session whose
// attachment was lost. The read transactions of the detached sessions are
// then committed and their attachments disconnected outside the lock, so a
// concurrent acquire for the same id gets a fresh attachment and never sees
// one being torn down. Sessions whose attachment died while still
// referenced stay registered, and are not reused, until their holders
// release them.
func (m *Manager) Sweep(ctx context.Context) int {
	if err := m.lock(ctx); err != nil {
		return 0
	}
	if m.closed {
		m.unlock()
		return 0
	}

	now := m.now()
	var victims []*dbSession
	for _, s := range m.reg.snapshot() {
		if s.opening != nil {
			continue
		}
		if s.att.IsValid() && !s.idle(now, m.idleTimeout) {
			continue
		}
		if s.refs > 0 {
			continue
		}
		m.reg.remove(s)
		victims = append(victims, s)
	}
	m.recordSessions()
	m.unlock()

	for _, s := range victims {
		m.teardown(ctx, s)
	}
	m.recordReaped(len(victims))
	if len(victims) > 0 {
		m.log.Debug("sweep reclaimed sessions", "count", len(victims))
	}
	return len(victims)
}

// teardown commits the read transaction and disconnects the attachment of
// an entry already removed from the registry. Failures are logged.
func (m *Manager) teardown(ctx context.Context, s *dbSession) {
	if s.readTx != nil && s.readTx.IsValid() {
		err := s.readTx.commit(ctx)
		m.observeTxEnd(true, "commit", err)
		if err != nil {
			m.log.Warn("read transaction commit failed", "session_id", s.id, "error", err)
		}
	}
	if s.att != nil && s.att.IsValid() {
		if err := s.att.conn.Close(ctx); err != nil {
			m.log.Warn("disconnect failed", "session_id", s.id, "attachment_id", s.att.ID(), "error", err)
		}
	}
	m.log.Debug("session reclaimed", "session_id", s.id)
}

// Stats is a snapshot of the registry.
type Stats struct {
	Sessions   []SessionInfo `json:"sessions"`
	InUse      int           `json:"in_use"`
	References int           `json:"references"`
	Waiting    int           `json:"waiting"`
}

// Stats returns a snapshot of every registered session sorted by id.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	if err := m.lock(ctx); err != nil {
		return Stats{}, err
	}
	st := Stats{Waiting: m.sem.Waiting()}
	for _, s := range m.reg.snapshot() {
		st.Sessions = append(st.Sessions, s.info())
		st.References += s.refs
		if s.refs > 0 {
			st.InUse++
		}
	}
	m.unlock()

	sort.Slice(st.Sessions, func(i, j int) bool {
		return st.Sessions[i].SessionID < st.Sessions[j].SessionID
	})
	return st, nil
}

// Lookup returns the registry view of one session.
func (m *Manager) Lookup(sessionID string) (SessionInfo, bool) {
	m.lockAlways()
	defer m.unlock()
	s := m.reg.get(sessionID)
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}
