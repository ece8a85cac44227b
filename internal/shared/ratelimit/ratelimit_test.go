package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenEmpty(t *testing.T) {
	l := New(5, 3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.allowAt("user:alice@example.com", now) {
			t.Fatalf("request %d within burst should pass", i)
		}
	}
	if l.allowAt("user:alice@example.com", now) {
		t.Fatal("request beyond burst should be dropped")
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	l := New(1, 1)
	now := time.Now()

	if !l.allowAt("apikey:k1", now) {
		t.Fatal("first subject should pass")
	}
	if l.allowAt("apikey:k1", now) {
		t.Fatal("first subject bucket should be empty")
	}
	if !l.allowAt("apikey:k2", now) {
		t.Fatal("second subject has its own bucket")
	}
}

func TestRefillReturnsToBurstAfterIdle(t *testing.T) {
	// burst/rps seconds of idle refills the bucket to exactly burst.
	l := New(5, 20)
	now := time.Now()

	for i := 0; i < 20; i++ {
		if !l.allowAt("user:bob@example.com", now) {
			t.Fatalf("drain request %d should pass", i)
		}
	}

	idle := now.Add(4 * time.Second) // 20 tokens / 5 rps
	if got := l.Tokens("user:bob@example.com", idle); got != 20 {
		t.Fatalf("expected bucket refilled to 20, got %v", got)
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := New(5, 5)
	old := time.Now().Add(-time.Hour)
	l.allowAt("user:stale@example.com", old)

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("expected 1 evicted bucket, got %d", removed)
	}
}
