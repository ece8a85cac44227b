package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndValidate(t *testing.T) {
	s := newStore(t, time.Hour)

	token, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(token) != 64 {
		t.Errorf("token length = %d", len(token))
	}

	userID, err := s.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "u1" {
		t.Errorf("userID = %q", userID)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	s := newStore(t, -time.Minute)

	token, err := s.Create("u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate(token); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	s := newStore(t, time.Hour)
	if _, err := s.Validate("nope"); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestDeleteForUser(t *testing.T) {
	s := newStore(t, time.Hour)
	t1, _ := s.Create("u1")
	t2, _ := s.Create("u1")
	t3, _ := s.Create("u2")

	if err := s.DeleteForUser("u1"); err != nil {
		t.Fatal(err)
	}
	for _, tok := range []string{t1, t2} {
		if _, err := s.Validate(tok); !errors.Is(err, ErrInvalid) {
			t.Errorf("expected invalid, got %v", err)
		}
	}
	if _, err := s.Validate(t3); err != nil {
		t.Errorf("u2 session should survive: %v", err)
	}
}

func TestSweep(t *testing.T) {
	expired := newStore(t, -time.Minute)
	expired.Create("u1")
	expired.Create("u2")

	n, err := expired.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("swept = %d", n)
	}
}
