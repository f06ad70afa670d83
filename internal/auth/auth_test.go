package auth

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"espfleet/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(s, logger)
}

func TestSetupAndLogin(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.Configured()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("configured before setup")
	}
	if _, err := m.Login("pass"); err != ErrNotConfigured {
		t.Fatalf("login before setup err = %v, want ErrNotConfigured", err)
	}

	if err := m.Setup("hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := m.Setup("other"); err != ErrAlreadySetUp {
		t.Fatalf("second setup err = %v, want ErrAlreadySetUp", err)
	}

	if _, err := m.Login("wrong"); err != ErrBadCredentials {
		t.Fatalf("wrong password err = %v, want ErrBadCredentials", err)
	}
	token, err := m.Login("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Validate(token) {
		t.Error("fresh token does not validate")
	}
	if m.Validate("bogus") {
		t.Error("bogus token validates")
	}

	if err := m.Logout(token); err != nil {
		t.Fatal(err)
	}
	if m.Validate(token) {
		t.Error("token validates after logout")
	}
}

func TestTokenExpiry(t *testing.T) {
	m := newTestManager(t)
	if err := m.Setup("hunter2"); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	m.now = func() time.Time { return base }
	token, err := m.Login("hunter2")
	if err != nil {
		t.Fatal(err)
	}

	m.now = func() time.Time { return base.Add(TokenTTL - time.Hour) }
	if !m.Validate(token) {
		t.Error("token expired before TTL")
	}

	m.now = func() time.Time { return base.Add(TokenTTL + time.Hour) }
	if m.Validate(token) {
		t.Error("token validates past TTL")
	}
}

func TestSessionCap(t *testing.T) {
	m := newTestManager(t)
	if err := m.Setup("hunter2"); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	var first string
	for i := 0; i < MaxSessions+1; i++ {
		// Distinct timestamps so eviction order is deterministic.
		tick := base.Add(time.Duration(i) * time.Second)
		m.now = func() time.Time { return tick }
		token, err := m.Login("hunter2")
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = token
		}
	}
	if m.Validate(first) {
		t.Error("oldest session survived past the cap")
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	m := newTestManager(t)
	if err := m.Setup("hunter2"); err != nil {
		t.Fatal(err)
	}
	token, err := m.Login("hunter2")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.ChangePassword("wrong", "newpass"); err != ErrBadCredentials {
		t.Fatalf("change with wrong current err = %v, want ErrBadCredentials", err)
	}
	if err := m.ChangePassword("hunter2", "newpass"); err != nil {
		t.Fatal(err)
	}
	if m.Validate(token) {
		t.Error("old session survived password change")
	}
	if _, err := m.Login("hunter2"); err != ErrBadCredentials {
		t.Fatalf("old password err = %v, want ErrBadCredentials", err)
	}
	if _, err := m.Login("newpass"); err != nil {
		t.Fatal(err)
	}
}
