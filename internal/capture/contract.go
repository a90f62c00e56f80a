// Package capture implements the shared screen/window capture engine: one
// delivery contract (this file), a Linux backend over the desktop portal and
// PipeWire, and two Windows backends (DXGI Desktop Duplication and Windows
// Graphics Capture). Platform selection happens through build-tagged
// constructors; callers only ever see the types defined here.
package capture

import "sync"

// TargetKind discriminates the variants of Target.
type TargetKind int

const (
	TargetDisplay TargetKind = iota
	TargetWindow
	TargetRegion
)

// Target names exactly one capturable surface: a monitor, a window, or a
// sub-region of one. ID is a platform-specific opaque string (see
// parseDisplayTarget/parseWindowTarget on Windows and the portal
// placeholders in linux_engine.go).
type Target struct {
	Kind TargetKind
	ID   string

	// Only meaningful when Kind == TargetRegion. The rectangle is stored
	// with the session but no backend crops to it: delivered frames always
	// cover the full source (DXGI captures the whole output; on Linux a
	// region target only widens the portal's source types).
	X, Y, W, H int
}

// PixelFormat enumerates the pixel layouts a backend may negotiate.
type PixelFormat int

const (
	PixelUnknown PixelFormat = iota
	PixelBGRA32
	PixelRGBA32
	PixelARGB32
	PixelABGR32
	PixelBGRX32
	PixelRGB24
	PixelBGR24
	PixelI420
	PixelNV12
	PixelNV21
	PixelYUY2
	PixelUYVY
	PixelMJPEG
)

func (p PixelFormat) String() string {
	switch p {
	case PixelBGRA32:
		return "BGRA32"
	case PixelRGBA32:
		return "RGBA32"
	case PixelARGB32:
		return "ARGB32"
	case PixelABGR32:
		return "ABGR32"
	case PixelBGRX32:
		return "BGRX32"
	case PixelRGB24:
		return "RGB24"
	case PixelBGR24:
		return "BGR24"
	case PixelI420:
		return "I420"
	case PixelNV12:
		return "NV12"
	case PixelNV21:
		return "NV21"
	case PixelYUY2:
		return "YUY2"
	case PixelUYVY:
		return "UYVY"
	case PixelMJPEG:
		return "MJPEG"
	default:
		return "Unknown"
	}
}

// BytesPerPixel returns the packed bytes-per-pixel for single-plane formats.
// Planar formats (I420, NV12, NV21) are not expressible as a single value and
// return 0; use the plane table (planes.go) for those.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelBGRA32, PixelRGBA32, PixelARGB32, PixelABGR32, PixelBGRX32:
		return 4
	case PixelRGB24, PixelBGR24:
		return 3
	case PixelYUY2, PixelUYVY:
		return 2
	default:
		return 0
	}
}

// Rational is a frame-rate numerator/denominator pair, e.g. {30, 1} or
// {30000, 1001}.
type Rational struct {
	Num uint32
	Den uint32
}

// OutputPreference selects between CPU-readable pixels and a zero-copy
// GPU-shareable handle. A backend may fall back from GPU to CPU when the
// preferred path is unavailable; the negotiated format and the delivered
// buffer's ContentType reflect what actually happened.
type OutputPreference int

const (
	OutputCPU OutputPreference = iota
	OutputGPU
)

// VideoFormat describes a video stream, both as requested (before
// negotiation) and as negotiated (after the producer accepts it). A width or
// height of 0 in a request means "native"; a zero Rational means "use the
// backend default". DRMModifier is only meaningful once negotiated, and only
// on Linux GPU-bound frames.
type VideoFormat struct {
	Pixel       PixelFormat
	Width       int
	Height      int
	FrameRate   Rational
	Preference  OutputPreference
	DRMModifier uint64
}

// SampleFormat enumerates audio sample encodings.
type SampleFormat int

const (
	SampleU8 SampleFormat = iota
	SampleS16
	SampleS32
	SampleF32
)

// AudioFormat describes the optional loopback audio sibling stream.
type AudioFormat struct {
	Sample   SampleFormat
	Channels int
	RateHz   int
}

// DefaultVideoFormat returns the documented fallback: BGRA-class pixel
// format, 1920x1080 when no producer is available yet (the Windows engine
// overrides Width/Height with the output's real size for DXGI
// "Adapter<n>_Output<n>" targets; other targets keep 1920x1080), and 30 FPS.
func DefaultVideoFormat(pixel PixelFormat) VideoFormat {
	return VideoFormat{
		Pixel:      pixel,
		Width:      1920,
		Height:     1080,
		FrameRate:  Rational{Num: 30, Den: 1},
		Preference: OutputCPU,
	}
}

// DefaultAudioFormat returns the documented fallback: 48 kHz stereo F32.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Sample: SampleF32, Channels: 2, RateHz: 48000}
}

// normalizeVideoFormat fills in backend-agnostic defaults for zero/invalid
// fields. Backends call this during configure and pass their
// platform-specific pixel default as fallbackPixel (BGRX32 on Linux, BGRA32
// on Windows).
func normalizeVideoFormat(requested VideoFormat, fallbackPixel PixelFormat) VideoFormat {
	f := requested
	if f.Pixel == PixelUnknown {
		f.Pixel = fallbackPixel
	}
	if f.FrameRate.Num == 0 || f.FrameRate.Den == 0 {
		f.FrameRate = Rational{Num: 30, Den: 1}
	}
	return f
}

// BufferType discriminates video vs. audio delivered buffers.
type BufferType int

const (
	BufferVideo BufferType = iota
	BufferAudio
)

// ContentType describes how the pixel/sample data is made available.
type ContentType int

const (
	ContentCPU ContentType = iota
	ContentGPUDMABufFD
	ContentGPUD3D11Handle
)

// Plane is one row-major (or tiled, for GPU handles) data region within a
// delivered buffer. Ptr is a host pointer for CPU content; for GPU content
// it carries the shareable handle itself (the duplicated DMABUF fd on
// Linux, the shared NT handle on Windows), and Offset/Subresource locate
// the plane within that resource.
type Plane struct {
	Ptr        uintptr
	Width      int
	Height     int
	Stride     int
	Offset     uintptr
	Subresource uint32
}

// FrameBuffer is a fully self-describing delivered unit. The application
// owns it from delivery until it calls Session.ReleaseBuffer with Handle.
type FrameBuffer struct {
	Type        BufferType
	Content     ContentType
	TimestampUs int64

	Video VideoFrameInfo
	Audio AudioFrameInfo

	Planes   []Plane
	DataSize int

	// Cursor passthrough (DXGI only; always zero on WGC and Linux, which do
	// not fill these fields). This reports the platform cursor, it never
	// composites it into the pixel data.
	CursorX, CursorY int32
	CursorVisible    bool

	// Handle is opaque to the application; pass it back to ReleaseBuffer
	// unchanged. Internally it addresses a *releasePayload.
	Handle uintptr

	UserData any
}

// VideoFrameInfo is FrameBuffer's video-specific header, valid when
// Type == BufferVideo.
type VideoFrameInfo struct {
	Pixel  PixelFormat
	Width  int
	Height int
}

// AudioFrameInfo is FrameBuffer's audio-specific header, valid when
// Type == BufferAudio.
type AudioFrameInfo struct {
	Sample      SampleFormat
	Channels    int
	RateHz      int
	FrameCount  int
}

// Callback is invoked by a backend-owned thread for every delivered buffer.
// It must never re-enter the session's Start/Stop/Configure methods; doing so
// can deadlock, because Stop waits for the very backend thread that is
// running the callback. The application owns buf until it calls
// ReleaseBuffer(buf.Handle).
type Callback func(buf *FrameBuffer)

// DeviceInfo is one entry returned by EnumerateDisplays/EnumerateWindows.
type DeviceInfo struct {
	ID        string
	Name      string
	IsDefault bool
}

// DeviceEnumerator is the external collaborator the engine facade calls for
// display/window listings. The core never implements real enumeration logic
// itself beyond the Windows backends' own monitor/window walkers; on Linux
// it is satisfied by two well-known placeholders.
type DeviceEnumerator interface {
	EnumerateDisplays() ([]DeviceInfo, error)
	EnumerateWindows() ([]DeviceInfo, error)
}

// sharedState is the common session bookkeeping every backend embeds. It
// holds exactly the fields listed in the session-state data model: whether
// the session is configured/running, requested and negotiated formats, the
// target, the audio flag, the callback pair, and the last error. Backends
// add their own private state alongside this, never in place of it.
type sharedState struct {
	mu sync.Mutex

	configured bool
	running    bool

	target         Target
	requestedVideo VideoFormat
	requestedAudio *AudioFormat
	negotiatedVideo VideoFormat
	audioRequested  bool

	callback Callback
	userData any

	lastErr *CaptureError
}

func (s *sharedState) setLastError(err *CaptureError) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// LastError returns the most recently recorded asynchronous failure, or nil.
func (s *sharedState) LastError() *CaptureError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IsRunning reports whether the session believes a producer stream is
// currently in the streaming state (testable property 2).
func (s *sharedState) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetConfiguredVideoFormat returns the negotiated format if streaming has
// started, otherwise the last requested format.
func (s *sharedState) GetConfiguredVideoFormat() VideoFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiatedVideo.Pixel != PixelUnknown {
		return s.negotiatedVideo
	}
	return s.requestedVideo
}
