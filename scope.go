package sessionpool

import (
	"context"
	"sync/atomic"
)

// ReadScope is a held read transaction. It embeds the transaction's query
// helpers and must be given back exactly once with Release.
type ReadScope struct {
	*Transaction
	m         *Manager
	sessionID string
	released  atomic.Bool
}

// AcquireReadTransaction wraps GetReadTransaction in a ReadScope whose
// Release is single use: a second call returns ErrDoubleRelease and leaves
// the reference count untouched.
func (m *Manager) AcquireReadTransaction(ctx context.Context, sessionID string) (*ReadScope, error) {
	_, tx, err := m.GetReadTransaction(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &ReadScope{Transaction: tx, m: m, sessionID: sessionID}, nil
}

// SessionID returns the session the scope was acquired for.
func (s *ReadScope) SessionID() string { return s.sessionID }

func (s *ReadScope) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return opError("ReadScope.Release", s.sessionID, ErrDoubleRelease, nil)
	}
	return s.m.ReleaseReadTransaction(s.sessionID)
}
