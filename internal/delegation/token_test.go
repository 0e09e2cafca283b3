package delegation

import (
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"
)

func generateKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestIssueAndVerify_RoundTrip(t *testing.T) {
	pub, priv := generateKeyPair(t)
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	tok, err := Issue(priv, IssueParams{
		Delegator:    "agent:scheduler",
		Delegate:     "agent:worker-1",
		Scopes:       []string{"task:read", "task:write"},
		MaxCostUnits: 5.0,
		TokenID:      "tok-1",
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v := NewVerifier(pub, nil)
	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Delegator() != "agent:scheduler" {
		t.Errorf("Delegator() = %q", claims.Delegator())
	}
	if claims.Delegate() != "agent:worker-1" {
		t.Errorf("Delegate() = %q", claims.Delegate())
	}
	if claims.TokenID() != "tok-1" {
		t.Errorf("TokenID() = %q", claims.TokenID())
	}
	if claims.MaxCostUnits != 5.0 {
		t.Errorf("MaxCostUnits = %v", claims.MaxCostUnits)
	}
	if len(claims.Scopes) != 2 {
		t.Errorf("Scopes = %v", claims.Scopes)
	}
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	_, priv := generateKeyPair(t)
	otherPub, _ := generateKeyPair(t)
	now := time.Now()

	tok, err := Issue(priv, IssueParams{
		Delegator: "a", Delegate: "b", TokenID: "t1",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v := NewVerifier(otherPub, nil)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected rejection with mismatched public key")
	}
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	pub, priv := generateKeyPair(t)
	now := time.Now()

	tok, err := Issue(priv, IssueParams{
		Delegator: "a", Delegate: "b", TokenID: "t1",
		IssuedAt:  now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v := NewVerifier(pub, nil)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected rejection of expired token")
	}
}

func TestVerify_RejectsRevokedToken(t *testing.T) {
	pub, priv := generateKeyPair(t)
	now := time.Now()

	tok, err := Issue(priv, IssueParams{
		Delegator: "a", Delegate: "b", TokenID: "t1",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	store := NewMemoryRevocationStore()
	if err := store.Revoke("t1", "compromised", now); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	v := NewVerifier(pub, store)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected rejection of revoked token")
	}
}

func TestVerify_RejectsMissingJTI(t *testing.T) {
	pub, priv := generateKeyPair(t)
	now := time.Now()

	tok, err := Issue(priv, IssueParams{
		Delegator: "a", Delegate: "b", TokenID: "",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	v := NewVerifier(pub, nil)
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("expected rejection of token with empty jti")
	}
}

func TestCascadeRevoke_RevokesEntireTree(t *testing.T) {
	store := NewMemoryRevocationStore()
	// root -> a, b; a -> c; b -> c (diamond, shared descendant)
	must(t, store.RecordDelegation("root", "a"))
	must(t, store.RecordDelegation("root", "b"))
	must(t, store.RecordDelegation("a", "c"))
	must(t, store.RecordDelegation("b", "c"))

	n, err := CascadeRevoke(store, "root", "parent revoked", time.Now())
	if err != nil {
		t.Fatalf("CascadeRevoke: %v", err)
	}
	if n != 4 {
		t.Fatalf("revoked count = %d, want 4", n)
	}

	for _, id := range []string{"root", "a", "b", "c"} {
		revoked, err := store.IsRevoked(id)
		if err != nil {
			t.Fatalf("IsRevoked(%s): %v", id, err)
		}
		if !revoked {
			t.Errorf("%s should be revoked", id)
		}
	}
}

func TestCascadeRevoke_TerminatesOnCycle(t *testing.T) {
	store := NewMemoryRevocationStore()
	// a -> b -> c -> a (cycle)
	must(t, store.RecordDelegation("a", "b"))
	must(t, store.RecordDelegation("b", "c"))
	must(t, store.RecordDelegation("c", "a"))

	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = CascadeRevoke(store, "a", "cycle test", time.Now())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("CascadeRevoke did not terminate on a cyclic graph")
	}

	if err != nil {
		t.Fatalf("CascadeRevoke: %v", err)
	}
	if n != 3 {
		t.Fatalf("revoked count = %d, want 3", n)
	}
}

func TestCascadeRevoke_RespectsDepthCap(t *testing.T) {
	store := NewMemoryRevocationStore()
	// a single chain of 60 tokens: id-0 -> id-1 -> ... -> id-59
	const chainLen = 60
	for i := 0; i < chainLen-1; i++ {
		must(t, store.RecordDelegation(fmt.Sprintf("id-%d", i), fmt.Sprintf("id-%d", i+1)))
	}

	n, err := CascadeRevoke(store, "id-0", "depth cap test", time.Now())
	if err != nil {
		t.Fatalf("CascadeRevoke: %v", err)
	}
	// depth is capped at maxCascadeDepth (50): nodes id-0 (depth 0) through
	// id-50 (depth 50) get revoked and expansion stops there, so 51 nodes.
	want := maxCascadeDepth + 1
	if n != want {
		t.Fatalf("revoked count = %d, want %d", n, want)
	}

	revoked, _ := store.IsRevoked(fmt.Sprintf("id-%d", maxCascadeDepth))
	if !revoked {
		t.Errorf("id-%d should be revoked", maxCascadeDepth)
	}
	stillLive, _ := store.IsRevoked(fmt.Sprintf("id-%d", maxCascadeDepth+1))
	if stillLive {
		t.Errorf("id-%d should NOT be revoked (beyond depth cap)", maxCascadeDepth+1)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
