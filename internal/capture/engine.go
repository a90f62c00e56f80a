package capture

// Session is the application-facing handle for one capture. Concrete
// sessions are created by an Engine and are backend-specific underneath,
// but every backend implements exactly this surface — the delivery
// contract's operations exposed to the application.
type Session interface {
	// Configure stores the request and pre-negotiates where the backend
	// can do so cheaply (both Windows backends can query producer
	// dimensions immediately; the Linux backend cannot until the portal
	// dialog completes, so it only records the request here).
	Configure(target Target, video VideoFormat, audio *AudioFormat) error

	// Start transitions the session to running and begins asynchronous
	// delivery to callback. On Linux this may return before the first
	// frame — the portal dialog drives the rest. On Windows this blocks
	// until the worker thread is spawned.
	Start(callback Callback, userData any) error

	// Stop transitions back to configured: cancels pending portal work,
	// signals the worker to quit, joins it, and tears down GPU/stream
	// resources. Idempotent once the session is already configured
	// (not running).
	Stop() error

	// ReleaseBuffer is mandatory per delivered buffer. handle is the
	// FrameBuffer.Handle value delivered to the callback.
	ReleaseBuffer(handle uintptr) error

	// GetConfiguredVideoFormat returns the negotiated format once
	// streaming has started, otherwise the last requested format.
	GetConfiguredVideoFormat() VideoFormat

	// IsRunning reports whether the session believes a producer stream
	// is currently in the streaming state.
	IsRunning() bool

	// LastError returns the most recent asynchronous failure recorded
	// for this session, or nil.
	LastError() *CaptureError

	// Close tears down the session; safe to call after Stop. Every
	// backend implements it as Stop, so it frees nothing beyond what
	// Stop frees.
	Close() error
}

// Engine is the platform capture facade: enumeration, default-format
// selection, and session construction. NewEngine (linux_engine.go /
// windows_engine.go, selected by build tag) returns the concrete
// implementation for the running GOOS.
type Engine interface {
	DeviceEnumerator

	// GetDefaultFormats returns a reasonable (video, audio) pair for
	// target, per the documented defaults: BGRA-class pixel format,
	// native/native-inferred resolution where cheap, 30 FPS, and
	// 48 kHz/2ch/F32 audio. audio is always non-nil; callers that don't
	// want audio simply don't pass it to Configure.
	GetDefaultFormats(targetID string) (VideoFormat, AudioFormat, error)

	// NewSession creates a new, unconfigured session bound to this
	// engine's backend.
	NewSession() (Session, error)

	// Close releases engine-wide resources. Neither platform engine holds
	// any, so both implementations return nil without doing work.
	Close() error
}
