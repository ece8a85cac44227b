package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/praetor/internal/shared/signing"
)

func newService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "approvals.db"),
		signing.NewSigner([]byte("approval-secret")), ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, nil)
}

func TestApproveWithValidToken(t *testing.T) {
	svc := newService(t, 30*time.Minute)

	a, err := svc.Create("r1", "t1", "drain", []string{"OnCall"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Token == "" {
		t.Fatal("no token returned")
	}

	if err := svc.Approve("t1", a.ID, a.Token); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Store().Get("t1", a.ID)
	if got.Status != StatusApproved || !got.Approved {
		t.Errorf("got = %+v", got)
	}

	// Consumed at most once.
	if err := svc.Approve("t1", a.ID, a.Token); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("err = %v", err)
	}
}

func TestApproveRejectsBadToken(t *testing.T) {
	svc := newService(t, 30*time.Minute)
	a, _ := svc.Create("r1", "t1", "drain", nil)
	if err := svc.Approve("t1", a.ID, a.Nonce+".deadbeefdeadbeef"); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("err = %v", err)
	}
}

func TestApproveRejectsExpired(t *testing.T) {
	svc := newService(t, -time.Millisecond)
	a, _ := svc.Create("r1", "t1", "drain", nil)
	if err := svc.Approve("t1", a.ID, a.Token); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v", err)
	}
}

func TestDeny(t *testing.T) {
	svc := newService(t, 30*time.Minute)
	a, _ := svc.Create("r1", "t1", "drain", nil)
	if err := svc.Deny("t1", a.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Store().Get("t1", a.ID)
	if got.Status != StatusDenied {
		t.Errorf("status = %q", got.Status)
	}
	if err := svc.Deny("t1", a.ID); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("err = %v", err)
	}
}

func TestWaitWakesOnDecision(t *testing.T) {
	svc := newService(t, 30*time.Minute)
	a, _ := svc.Create("r1", "t1", "drain", nil)

	done := make(chan Decision, 1)
	go func() {
		d, err := svc.Wait(context.Background(), "t1", a.ID, 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- d
	}()

	// Give the waiter a moment to register, then decide.
	time.Sleep(20 * time.Millisecond)
	if err := svc.Approve("t1", a.ID, a.Token); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-done:
		if d != DecisionApproved {
			t.Errorf("decision = %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake")
	}
}

func TestWaitObservesPriorDecision(t *testing.T) {
	svc := newService(t, 30*time.Minute)
	a, _ := svc.Create("r1", "t1", "drain", nil)
	svc.Deny("t1", a.ID)

	d, err := svc.Wait(context.Background(), "t1", a.ID, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if d != DecisionDenied {
		t.Errorf("decision = %q", d)
	}
}

func TestWaitTimeout(t *testing.T) {
	svc := newService(t, 30*time.Minute)
	a, _ := svc.Create("r1", "t1", "drain", nil)

	d, err := svc.Wait(context.Background(), "t1", a.ID, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if d != DecisionTimeout {
		t.Errorf("decision = %q", d)
	}
}

func TestTenantIsolation(t *testing.T) {
	svc := newService(t, 30*time.Minute)
	a, _ := svc.Create("r1", "t1", "drain", nil)
	if err := svc.Approve("t2", a.ID, a.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}
