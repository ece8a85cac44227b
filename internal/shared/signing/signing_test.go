package signing

import (
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner([]byte("test-secret"))

	payload := map[string]any{"run_id": "r1", "step_name": "ack", "nonce": "n1"}
	sig, err := s.Sign("", payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("", payload, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestSignIsKeyOrderIndependent(t *testing.T) {
	s := NewSigner([]byte("k"))

	a, err := s.Sign("", map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Sign("", map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("canonical signatures differ: %s vs %s", a, b)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := NewSigner([]byte("k"))

	sig, err := s.Sign("", map[string]any{"v": "good"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("", map[string]any{"v": "evil"}, sig); err == nil {
		t.Fatal("expected mismatch for tampered payload")
	}
}

func TestVerifyRejectsWrongPrefix(t *testing.T) {
	s := NewSigner([]byte("k"))

	payload := map[string]any{"v": 1}
	sig, err := s.Sign("chain-a", payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("chain-b", payload, sig); err == nil {
		t.Fatal("expected mismatch for different prefix")
	}
}

func TestDigestDeterministic(t *testing.T) {
	d1, err := Digest(map[string]any{"node": "n1", "count": 3})
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Digest(map[string]any{"count": 3, "node": "n1"})
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ: %s vs %s", d1, d2)
	}
	if len(d1) != 64 || strings.ToLower(d1) != d1 {
		t.Fatalf("expected lowercase hex sha256, got %q", d1)
	}
}
