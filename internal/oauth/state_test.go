package oauth

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gatekeeper/internal/users"
)

func TestStateRoundTrip(t *testing.T) {
	codec, err := NewStateCodec("state-secret", 0, nil)
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}

	state, nonce, err := codec.Issue(users.ProviderGoogle, 42)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	claims, err := codec.Verify(state, users.ProviderGoogle, nonce)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if claims.LinkUserID != 42 || claims.Provider != users.ProviderGoogle {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if codec.TTL() != 10*time.Minute {
		t.Fatalf("expected default ttl, got %v", codec.TTL())
	}
}

func TestStateRejections(t *testing.T) {
	now := time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	codec, err := NewStateCodec("state-secret", time.Minute, func() time.Time { return clock })
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}
	state, nonce, err := codec.Issue(users.ProviderGitHub, 0)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	if _, err := codec.Verify(state, users.ProviderGoogle, nonce); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected provider mismatch, got %v", err)
	}
	if _, err := codec.Verify(state, users.ProviderGitHub, "other-nonce"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected nonce mismatch, got %v", err)
	}
	if _, err := codec.Verify(state, users.ProviderGitHub, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected missing nonce to fail, got %v", err)
	}

	forger, err := NewStateCodec("other-secret", time.Minute, func() time.Time { return clock })
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}
	forged, forgedNonce, err := forger.Issue(users.ProviderGitHub, 7)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := codec.Verify(forged, users.ProviderGitHub, forgedNonce); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected forged state to fail, got %v", err)
	}

	clock = now.Add(2 * time.Minute)
	if _, err := codec.Verify(state, users.ProviderGitHub, nonce); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected expired state to fail, got %v", err)
	}
}

func TestStateCodecRequiresSecret(t *testing.T) {
	if _, err := NewStateCodec(" ", 0, nil); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}
