package capture

import "testing"

func TestReleaseRegistryExactlyOnce(t *testing.T) {
	closedCount := 0
	reg := newReleaseRegistry()
	payload := &releasePayload{
		kind:    handleVideo,
		primary: &nativeResource{Closer: func() { closedCount++ }},
	}
	handle := reg.register(payload)

	if ce := reg.Release(handle); ce != nil {
		t.Fatalf("first Release returned error: %v", ce)
	}
	if closedCount != 1 {
		t.Fatalf("closer ran %d times, want 1", closedCount)
	}

	// A second Release of the same (now-removed) handle is an error, not a
	// second close.
	if ce := reg.Release(handle); ce == nil {
		t.Fatalf("second Release on a consumed handle should return an error")
	}
	if closedCount != 1 {
		t.Fatalf("closer ran %d times after second Release, want 1", closedCount)
	}
}

func TestReleaseRegistryZeroHandleIsNoop(t *testing.T) {
	reg := newReleaseRegistry()
	if ce := reg.Release(0); ce != nil {
		t.Fatalf("Release(0) returned error: %v", ce)
	}
}

func TestReleaseRegistryUnknownHandle(t *testing.T) {
	reg := newReleaseRegistry()
	if ce := reg.Release(12345); ce == nil {
		t.Fatalf("Release of an unknown handle should return an error")
	} else if ce.Code != ErrInvalidArg {
		t.Fatalf("error code = %s, want %s", ce.Code, ErrInvalidArg)
	}
}

func TestReleasePayloadPlaneResourcesAllRun(t *testing.T) {
	ran := make([]bool, 3)
	payload := &releasePayload{
		kind: handleVideo,
		planeResources: []*nativeResource{
			{Closer: func() { ran[0] = true }},
			{Closer: func() { ran[1] = true }},
			{Closer: func() { ran[2] = true }},
		},
	}
	payload.release()
	for i, v := range ran {
		if !v {
			t.Errorf("plane resource %d closer did not run", i)
		}
	}
}

func TestReleasePayloadNilPrimaryIsSafe(t *testing.T) {
	payload := &releasePayload{kind: handleAudio}
	payload.release() // must not panic
	payload.release() // idempotent, must not panic or double-run anything
}
