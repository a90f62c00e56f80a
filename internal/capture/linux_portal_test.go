//go:build linux

package capture

import "testing"

func TestPortalNextHappyPath(t *testing.T) {
	state := PortalNone
	steps := []struct {
		ev    portalEventKind
		want  PortalState
	}{
		{evStart, PortalCreatingSession},
		{evCreateSessionOK, PortalSelectingSources},
		{evSelectSourcesOK, PortalStartingStream},
		{evStartStreamOK, PortalStartingStream},
	}
	for _, step := range steps {
		next, ce := portalNext(state, step.ev)
		if ce != nil {
			t.Fatalf("portalNext(%s, %d) returned error %v, want nil", state, step.ev, ce)
		}
		if next != step.want {
			t.Fatalf("portalNext(%s, %d) = %s, want %s", state, step.ev, next, step.want)
		}
		state = next
	}
}

func TestPortalNextDenials(t *testing.T) {
	cases := []struct {
		name     string
		state    PortalState
		ev       portalEventKind
		wantCode ErrorCode
	}{
		{"create denied", PortalCreatingSession, evResponseDenied, ErrPortalFailed},
		{"select cancelled", PortalSelectingSources, evResponseDenied, ErrUserCancelled},
		{"start denied", PortalStartingStream, evResponseDenied, ErrPortalFailed},
		{"no video node", PortalStartingStream, evNoVideoNode, ErrPortalFailed},
		{"call failed from any state", PortalSelectingSources, evCallFailed, ErrPortalFailed},
		{"session closed from any state", PortalStartingStream, evSessionClosed, ErrPortalClosed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			next, ce := portalNext(c.state, c.ev)
			if next != PortalNone {
				t.Fatalf("next state = %s, want PortalNone", next)
			}
			if ce == nil {
				t.Fatalf("expected an error, got nil")
			}
			if ce.Code != c.wantCode {
				t.Fatalf("error code = %s, want %s", ce.Code, c.wantCode)
			}
		})
	}
}

func TestPortalNextIgnoresUnexpectedEventInState(t *testing.T) {
	// An event that doesn't apply to the current state is a no-op: state
	// stays put, no error recorded.
	next, ce := portalNext(PortalNone, evSelectSourcesOK)
	if next != PortalNone || ce != nil {
		t.Fatalf("portalNext(PortalNone, evSelectSourcesOK) = (%s, %v), want (PortalNone, nil)", next, ce)
	}
}
