package sessionpool

import (
	"time"
)

// pending tracks an in-flight connect or transaction start. done is closed
// once err (if any) has been recorded.
type pending struct {
	done chan struct{}
	err  error
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

// dbSession is the registry record for one session id. Every field is
// guarded by the Manager semaphore.
type dbSession struct {
	id          string
	att         *Attachment
	readTx      *Transaction
	refs        int
	lastTouched time.Time

	opening    *pending // non-nil while the attachment is being connected
	txStarting *pending // non-nil while the read transaction is being started
}

// alive reports whether the entry holds a connected attachment.
func (s *dbSession) alive() bool {
	return s.opening == nil && s.att != nil && s.att.IsValid()
}

// idle reports whether the reaper may reclaim the entry at now.
func (s *dbSession) idle(now time.Time, threshold time.Duration) bool {
	return s.refs == 0 && s.opening == nil && s.txStarting == nil &&
		now.Sub(s.lastTouched) >= threshold
}

// SessionInfo is a point-in-time view of a registry entry.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	AttachmentID string    `json:"attachment_id,omitempty"`
	ReadTxID     string    `json:"read_tx_id,omitempty"`
	References   int       `json:"references"`
	LastTouched  time.Time `json:"last_touched"`
	Connected    bool      `json:"connected"`
	Opening      bool      `json:"opening"`
}

func (s *dbSession) info() SessionInfo {
	info := SessionInfo{
		SessionID:   s.id,
		References:  s.refs,
		LastTouched: s.lastTouched,
		Opening:     s.opening != nil,
	}
	if s.att != nil {
		info.AttachmentID = s.att.ID()
		info.Connected = s.att.IsValid()
	}
	if s.readTx != nil && s.readTx.IsValid() {
		info.ReadTxID = s.readTx.ID()
	}
	return info
}

// registry maps session ids to their records. It does no locking of its own.
type registry struct {
	sessions map[string]*dbSession
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*dbSession)}
}

func (r *registry) get(id string) *dbSession {
	return r.sessions[id]
}

func (r *registry) put(s *dbSession) {
	r.sessions[s.id] = s
}

// remove deletes s only if it is still the entry registered for its id.
func (r *registry) remove(s *dbSession) bool {
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
		return true
	}
	return false
}

func (r *registry) len() int {
	return len(r.sessions)
}

// snapshot returns the current entries in no particular order.
func (r *registry) snapshot() []*dbSession {
	out := make([]*dbSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
