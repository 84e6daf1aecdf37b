package domain

import (
	"testing"
	"time"
)

func TestSessionState_CanTransitionTo(t *testing.T) {
	allowed := map[SessionState][]SessionState{
		StateInitialized: {StateActive, StateError},
		StateActive:      {StateCompleted, StateError},
		StateCompleted:   {},
		StateError:       {},
	}
	all := []SessionState{StateInitialized, StateActive, StateCompleted, StateError}

	for from, nexts := range allowed {
		ok := make(map[SessionState]bool)
		for _, n := range nexts {
			ok[n] = true
		}
		for _, to := range all {
			got := from.CanTransitionTo(to)
			if got != ok[to] {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, ok[to])
			}
		}
	}
}

func TestSessionState_IsTerminal(t *testing.T) {
	if StateInitialized.IsTerminal() || StateActive.IsTerminal() {
		t.Error("Expected INITIALIZED and ACTIVE to be non-terminal")
	}
	if !StateCompleted.IsTerminal() || !StateError.IsTerminal() {
		t.Error("Expected COMPLETED and ERROR to be terminal")
	}
}

func TestEphemeralCredential_NeedsRefresh(t *testing.T) {
	now := time.Now()
	cred := &EphemeralCredential{
		Value:            "secret",
		ExpiresAt:        now.Add(60 * time.Second),
		IssuedForSession: "s1",
	}

	if cred.Expired(now) {
		t.Error("Expected credential to be valid")
	}
	if cred.NeedsRefresh(now, 10*time.Second) {
		t.Error("Expected no refresh needed 60s before expiry with 10s margin")
	}
	if !cred.NeedsRefresh(now.Add(55*time.Second), 10*time.Second) {
		t.Error("Expected refresh needed 5s before expiry with 10s margin")
	}
	if !cred.Expired(now.Add(61 * time.Second)) {
		t.Error("Expected credential to be expired after expiry")
	}
}
