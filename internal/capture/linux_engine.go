//go:build linux

package capture

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/MichealReed/miniAV-sub000/internal/logging"
)

// linuxSession implements Session on top of a portalSession (4.2) and a
// pipeWireStream (4.3). Configure only records the request: the portal
// dialog, and therefore the negotiated format, cannot happen until Start
// because it requires a user-facing round trip.
type linuxSession struct {
	sharedState

	registry *releaseRegistry
	portal   *portalSession
	pw       *pipeWireStream
	cancel   context.CancelFunc
	log      *slog.Logger
}

func newLinuxSession() (*linuxSession, error) {
	return &linuxSession{registry: newReleaseRegistry(), log: logging.L("capture.linux")}, nil
}

func (s *linuxSession) Configure(target Target, video VideoFormat, audio *AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return newError(ErrAlreadyRunning, "cannot reconfigure a running session", nil)
	}
	s.target = target
	s.requestedVideo = normalizeVideoFormat(video, PixelBGRX32)
	s.requestedAudio = audio
	s.audioRequested = audio != nil
	s.negotiatedVideo = s.requestedVideo
	s.configured = true
	return nil
}

func (s *linuxSession) Start(callback Callback, userData any) error {
	s.mu.Lock()
	if !s.configured {
		s.mu.Unlock()
		return newError(ErrNotInitialized, "Start called before Configure", nil)
	}
	if s.running {
		s.mu.Unlock()
		return newError(ErrAlreadyRunning, "session already running", nil)
	}
	s.callback = callback
	s.userData = userData
	target := s.target
	wantAudio := s.audioRequested
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	portal, err := newPortalSession()
	if err != nil {
		cancel()
		return s.fail(newError(ErrPortalFailed, "connecting to session bus", err))
	}
	s.portal = portal

	videoNode, audioNode, haveAudio, err := portal.run(ctx, target, wantAudio)
	if err != nil {
		cancel()
		if ce, ok := err.(*CaptureError); ok {
			return s.fail(ce)
		}
		return s.fail(newError(ErrPortalFailed, "portal negotiation failed", err))
	}

	remote, err := portal.openPipeWireRemote()
	if err != nil {
		cancel()
		return s.fail(newError(ErrPortalFailed, "opening PipeWire remote", err))
	}
	// pw_context_connect_fd takes ownership of the fd; os.File.Fd() alone
	// would leave Go's finalizer racing to close the same descriptor, so we
	// hand cgo a duplicate and close the *os.File ourselves.
	remoteFD, err := unix.FcntlInt(remote.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	remote.Close()
	if err != nil {
		cancel()
		return s.fail(newError(ErrSystemCallFailed, "duplicating PipeWire remote fd", err))
	}

	pw, err := newPipeWireStream(s, remoteFD, videoNode, audioNode, haveAudio)
	if err != nil {
		cancel()
		return s.fail(newError(ErrStreamFailed, "starting PipeWire pipeline", err))
	}
	s.pw = pw

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *linuxSession) fail(ce *CaptureError) error {
	s.setLastError(ce)
	return ce
}

func (s *linuxSession) Stop() error {
	s.mu.Lock()
	s.running = false
	pw := s.pw
	portal := s.portal
	cancel := s.cancel
	s.pw, s.portal, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pw != nil {
		pw.stop()
		pw.teardown()
	}
	if portal != nil {
		portal.close()
	}
	return nil
}

func (s *linuxSession) ReleaseBuffer(handle uintptr) error {
	return s.registry.Release(handle)
}

func (s *linuxSession) Close() error {
	return s.Stop()
}

func (s *linuxSession) markRunning() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

func (s *linuxSession) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *linuxSession) setNegotiatedVideo(v VideoFormat) {
	s.mu.Lock()
	s.negotiatedVideo = v
	s.mu.Unlock()
}

// linuxEngine is the GOOS=linux Engine. Enumeration returns the two
// portal-mediated placeholders (4.2's "Enumeration" note): the portal
// itself drives the real picker UI, so there is no out-of-process list to
// return ahead of time.
type linuxEngine struct{}

// NewEngine constructs the Linux capture engine.
func NewEngine() (Engine, error) {
	return &linuxEngine{}, nil
}

func (e *linuxEngine) EnumerateDisplays() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "portal_display", Name: "Screen (via desktop portal)", IsDefault: true}}, nil
}

func (e *linuxEngine) EnumerateWindows() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "portal_window", Name: "Window (via desktop portal)", IsDefault: true}}, nil
}

func (e *linuxEngine) GetDefaultFormats(targetID string) (VideoFormat, AudioFormat, error) {
	if targetID != "portal_display" && targetID != "portal_window" {
		return VideoFormat{}, AudioFormat{}, newError(ErrDeviceNotFound, fmt.Sprintf("unknown target %q", targetID), nil)
	}
	return DefaultVideoFormat(PixelBGRX32), DefaultAudioFormat(), nil
}

func (e *linuxEngine) NewSession() (Session, error) {
	return newLinuxSession()
}

func (e *linuxEngine) Close() error { return nil }
