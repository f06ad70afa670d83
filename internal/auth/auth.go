// Package auth manages the single admin account and its session tokens.
// State lives in the settings bucket under the "admin" key so it moves
// with the database file.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"espfleet/internal/secrets"
	"espfleet/internal/store"
)

const (
	// TokenTTL is how long a session token stays valid.
	TokenTTL = 30 * 24 * time.Hour
	// MaxSessions caps concurrent sessions; the oldest are evicted.
	MaxSessions = 64

	tokenBytes = 32
)

var (
	ErrNotConfigured  = errors.New("admin password not configured")
	ErrAlreadySetUp   = errors.New("admin password already configured")
	ErrBadCredentials = errors.New("invalid password")
)

type session struct {
	Token     string `json:"token"`
	CreatedAt string `json:"created_at"`
}

// Manager validates admin credentials and issues session tokens.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

func NewManager(s store.Store, logger *slog.Logger) *Manager {
	return &Manager{store: s, logger: logger, now: time.Now}
}

// Configured reports whether an admin password has been set.
func (m *Manager) Configured() (bool, error) {
	admin, err := m.store.GetSetting("admin")
	if err != nil {
		return false, err
	}
	hash, _ := admin["password_hash"].(string)
	return hash != "", nil
}

// Setup sets the admin password. It fails once a password exists;
// changing it afterwards goes through ChangePassword.
func (m *Manager) Setup(password string) error {
	if len(password) < 4 {
		return errors.New("password too short")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	admin, err := m.store.GetSetting("admin")
	if err != nil {
		return err
	}
	if hash, _ := admin["password_hash"].(string); hash != "" {
		return ErrAlreadySetUp
	}
	hash, err := secrets.HashPasscode(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin["password_hash"] = hash
	admin["sessions"] = []any{}
	return m.store.SetSetting("admin", admin)
}

// ChangePassword replaces the admin password and revokes all sessions.
func (m *Manager) ChangePassword(current, next string) error {
	if len(next) < 4 {
		return errors.New("password too short")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	admin, err := m.store.GetSetting("admin")
	if err != nil {
		return err
	}
	hash, _ := admin["password_hash"].(string)
	if hash == "" {
		return ErrNotConfigured
	}
	if !secrets.VerifyPasscode(hash, current) {
		return ErrBadCredentials
	}
	newHash, err := secrets.HashPasscode(next)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin["password_hash"] = newHash
	admin["sessions"] = []any{}
	return m.store.SetSetting("admin", admin)
}

// Login checks the password and returns a fresh session token.
func (m *Manager) Login(password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	admin, err := m.store.GetSetting("admin")
	if err != nil {
		return "", err
	}
	hash, _ := admin["password_hash"].(string)
	if hash == "" {
		return "", ErrNotConfigured
	}
	if !secrets.VerifyPasscode(hash, password) {
		return "", ErrBadCredentials
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	sessions := m.liveSessions(admin)
	sessions = append(sessions, session{
		Token:     token,
		CreatedAt: m.now().UTC().Format(time.RFC3339),
	})
	if len(sessions) > MaxSessions {
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt < sessions[j].CreatedAt })
		sessions = sessions[len(sessions)-MaxSessions:]
	}
	admin["sessions"] = encodeSessions(sessions)
	if err := m.store.SetSetting("admin", admin); err != nil {
		return "", err
	}
	return token, nil
}

// Validate reports whether token names a live session.
func (m *Manager) Validate(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	admin, err := m.store.GetSetting("admin")
	if err != nil {
		m.logger.Error("load admin settings", "err", err)
		return false
	}
	for _, s := range m.liveSessions(admin) {
		if s.Token == token {
			return true
		}
	}
	return false
}

// Logout revokes one session token. Unknown tokens are a no-op.
func (m *Manager) Logout(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	admin, err := m.store.GetSetting("admin")
	if err != nil {
		return err
	}
	sessions := m.liveSessions(admin)
	kept := sessions[:0]
	for _, s := range sessions {
		if s.Token != token {
			kept = append(kept, s)
		}
	}
	admin["sessions"] = encodeSessions(kept)
	return m.store.SetSetting("admin", admin)
}

// liveSessions decodes the stored session list, dropping expired entries.
func (m *Manager) liveSessions(admin map[string]any) []session {
	raw, _ := admin["sessions"].([]any)
	cutoff := m.now().Add(-TokenTTL)
	var out []session
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := session{}
		s.Token, _ = entry["token"].(string)
		s.CreatedAt, _ = entry["created_at"].(string)
		if s.Token == "" {
			continue
		}
		created, err := time.Parse(time.RFC3339, s.CreatedAt)
		if err != nil || created.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func encodeSessions(sessions []session) []any {
	out := make([]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{"token": s.Token, "created_at": s.CreatedAt})
	}
	return out
}
