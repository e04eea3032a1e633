package sessionpool

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Close stops the reaper, disconnects every session and disposes the
// driver's shared client if it is still live. Sessions that are still
// referenced are torn down too; their holders get ErrClosed or
// ErrStaleHandle afterwards. Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.dispose()
	})
	return m.closeErr
}

func (m *Manager) dispose() error {
	close(m.stopChan)
	<-m.done

	m.lockAlways()
	m.closed = true
	var victims []*dbSession
	for _, s := range m.reg.snapshot() {
		// Entries still connecting are cleaned up by their opener.
		if s.opening != nil {
			continue
		}
		if s.refs > 0 {
			m.log.Warn("closing session still in use", "session_id", s.id, "references", s.refs)
		}
		m.reg.remove(s)
		victims = append(victims, s)
	}
	m.recordSessions()
	m.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.disposeTimeout)
	defer cancel()
	for _, s := range victims {
		m.teardown(ctx, s)
	}

	var err error
	if m.driver.Live() {
		err = m.driver.Close()
	}
	m.log.Info("session pool closed", "sessions", len(victims))
	return err
}

// DisposeOnSignal closes the Manager when one of sigs arrives, SIGINT and
// SIGTERM when none are given. The returned channel is closed once Close
// has completed. stop unregisters the handler without closing.
func (m *Manager) DisposeOnSignal(sigs ...os.Signal) (done <-chan struct{}, stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sigs...)

	finished := make(chan struct{})
	quit := make(chan struct{})
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.log.Info("shutdown signal received, disposing session pool", "signal", sig.String())
			if err := m.Close(); err != nil && !errors.Is(err, ErrClosed) {
				m.log.Error("session pool dispose failed", "error", err)
			}
			close(finished)
		case <-quit:
		}
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() { close(quit) })
	}
	return finished, stop
}
