// Package sharing issues and resolves short-lived read-only links to a
// completed swarm session's final report, so an operator can hand a result
// to someone without giving them API access to the orchestrator itself.
package sharing

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// ReportShare is the sharing metadata for one swarm session's final report.
type ReportShare struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionID"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Views     int       `json:"views"`
	MaxViews  int       `json:"maxViews,omitempty"` // 0 = unlimited
}

// ShareOptions configures a report share's lifetime.
type ShareOptions struct {
	ExpiresIn time.Duration
	MaxViews  int
}

// Manager issues and resolves report-share tokens for completed sessions.
// One token maps to exactly one session; re-sharing an already-shared
// session refreshes its options rather than minting a second token.
type Manager struct {
	mu        sync.RWMutex
	shares    map[string]*ReportShare // token -> share
	bySession map[string]string       // sessionID -> token
	baseURL   string
}

// NewManager creates a report-share manager whose links are rooted at
// baseURL (typically the orchestrator's own /share endpoint).
func NewManager(baseURL string) *Manager {
	if baseURL == "" {
		baseURL = "http://localhost:8080/share"
	}
	return &Manager{
		shares:    make(map[string]*ReportShare),
		bySession: make(map[string]string),
		baseURL:   baseURL,
	}
}

// Share mints (or refreshes) a share link for sessionID.
func (m *Manager) Share(sessionID string, opts ShareOptions) (*ReportShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, exists := m.bySession[sessionID]; exists {
		if share, ok := m.shares[token]; ok {
			applyOptions(share, opts)
			return share, nil
		}
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("sharing: generate token: %w", err)
	}

	share := &ReportShare{
		Token:     token,
		SessionID: sessionID,
		URL:       fmt.Sprintf("%s/%s", m.baseURL, token),
		CreatedAt: time.Now(),
	}
	applyOptions(share, opts)

	m.shares[token] = share
	m.bySession[sessionID] = token
	return share, nil
}

func applyOptions(share *ReportShare, opts ShareOptions) {
	if opts.ExpiresIn > 0 {
		share.ExpiresAt = time.Now().Add(opts.ExpiresIn)
	}
	if opts.MaxViews > 0 {
		share.MaxViews = opts.MaxViews
	}
}

// Unshare revokes sessionID's share link, if any.
func (m *Manager) Unshare(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.bySession[sessionID]
	if !exists {
		return fmt.Errorf("sharing: session not shared")
	}
	delete(m.shares, token)
	delete(m.bySession, sessionID)
	return nil
}

// Resolve looks up a share by token, rejecting it once expired or past its
// view limit, and records the view on success.
func (m *Manager) Resolve(token string) (*ReportShare, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	share, ok := m.shares[token]
	if !ok {
		return nil, fmt.Errorf("sharing: share not found")
	}
	if !share.ExpiresAt.IsZero() && time.Now().After(share.ExpiresAt) {
		return nil, fmt.Errorf("sharing: share expired")
	}
	if share.MaxViews > 0 && share.Views >= share.MaxViews {
		return nil, fmt.Errorf("sharing: share view limit exceeded")
	}
	share.Views++
	return share, nil
}

// BySession looks up sessionID's active share without consuming a view.
func (m *Manager) BySession(sessionID string) (*ReportShare, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, exists := m.bySession[sessionID]
	if !exists {
		return nil, false
	}
	share, ok := m.shares[token]
	return share, ok
}

// CleanExpired drops every share that has expired or exhausted its view
// limit, returning how many were removed.
func (m *Manager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for token, share := range m.shares {
		expired := !share.ExpiresAt.IsZero() && now.After(share.ExpiresAt)
		exhausted := share.MaxViews > 0 && share.Views >= share.MaxViews
		if expired || exhausted {
			delete(m.shares, token)
			delete(m.bySession, share.SessionID)
			count++
		}
	}
	return count
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b)[:22], nil
}
