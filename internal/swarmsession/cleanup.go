package swarmsession

import (
	"context"
	"time"

	"github.com/agentswarm/orchestrator/internal/logging"
)

// StartCleanup launches a background sweep that closes sessions whose
// LastActiveAt has exceeded the configured TTL, mirroring
// session_manager.py's start_cleanup_task/_cleanup_expired_sessions.
// Calling it twice is a no-op; the returned stop function cancels the sweep
// and is also honored by ctx cancellation.
func (m *Manager) StartCleanup(ctx context.Context) (stop func()) {
	if m.cleanupCancel != nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cleanupCancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepExpired()
			}
		}
	}()

	return cancel
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	expired := m.expiredIDsLocked()
	m.mu.Unlock()

	for _, id := range expired {
		logging.Logger.Info().Str("sessionID", id).Msg("closing expired session")
		_ = m.Close(id)
	}
}

// evictExpiredLocked is called while m.mu is already held (from Create, when
// at capacity) to make room without waiting for the next sweep tick.
func (m *Manager) evictExpiredLocked() {
	for _, id := range m.expiredIDsLocked() {
		if e, ok := m.sessions[id]; ok {
			e.bus.Close()
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) expiredIDsLocked() []string {
	now := time.Now().UnixMilli()
	ttlMillis := m.cfg.SessionTTL.Milliseconds()
	var expired []string
	for id, e := range m.sessions {
		if e.running {
			continue
		}
		if now-e.session.LastActiveAt > ttlMillis {
			expired = append(expired, id)
		}
	}
	return expired
}
