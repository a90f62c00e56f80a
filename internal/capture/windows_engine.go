//go:build windows

package capture

import (
	"strings"
	"time"
)

// windowsEngine dispatches NewSession to one of the two producers based on
// the target kind: DXGI Desktop Duplication for displays/regions, Windows
// Graphics Capture for windows. Enumeration is likewise split between the
// two backends' own walkers (windows_monitor.go, windows_window.go).
type windowsEngine struct {
	registry     *releaseRegistry
	pollInterval time.Duration
	wgcPoll      time.Duration
}

// NewEngine constructs the platform engine. Both poll intervals are fixed
// at 0 (no pacing sleep) and no configuration is read; sessions created
// later all share these values.
func NewEngine() (Engine, error) {
	return &windowsEngine{
		registry:     newReleaseRegistry(),
		pollInterval: 0,
		wgcPoll:      0,
	}, nil
}

func (e *windowsEngine) EnumerateDisplays() ([]DeviceInfo, error) {
	return enumerateMonitors()
}

func (e *windowsEngine) EnumerateWindows() ([]DeviceInfo, error) {
	return enumerateWindows()
}

func (e *windowsEngine) GetDefaultFormats(targetID string) (VideoFormat, AudioFormat, error) {
	video := DefaultVideoFormat(PixelBGRA32)
	if strings.HasPrefix(targetID, "Adapter") {
		if adapterIdx, outputIdx, err := parseDisplayTarget(targetID); err == nil {
			if w, h, err := screenBoundsFor(adapterIdx, outputIdx); err == nil {
				video.Width, video.Height = w, h
			}
		}
	}
	return video, DefaultAudioFormat(), nil
}

func (e *windowsEngine) NewSession() (Session, error) {
	return &windowsSession{registry: e.registry, pollInterval: e.pollInterval}, nil
}

func (e *windowsEngine) Close() error { return nil }

// windowsSession defers to the concrete backend chosen at Configure time; it
// exists so NewSession can hand back a Session before the target kind (and
// therefore the backend) is known.
type windowsSession struct {
	registry     *releaseRegistry
	pollInterval time.Duration
	backend      Session
}

func (s *windowsSession) Configure(target Target, video VideoFormat, audio *AudioFormat) error {
	switch target.Kind {
	case TargetWindow:
		hwnd, err := parseWindowTarget(target.ID)
		if err != nil {
			return err
		}
		s.backend = newWGCBackend(hwnd, s.registry)
	case TargetDisplay, TargetRegion:
		adapterIdx, outputIdx, err := parseDisplayTarget(target.ID)
		if err != nil {
			return err
		}
		s.backend = newDXGIBackend(adapterIdx, outputIdx, s.registry, s.pollInterval)
	default:
		return newError(ErrInvalidArg, "unknown target kind", nil)
	}
	return s.backend.Configure(target, video, audio)
}

func (s *windowsSession) Start(callback Callback, userData any) error {
	if s.backend == nil {
		return newError(ErrNotInitialized, "Start called before Configure", nil)
	}
	return s.backend.Start(callback, userData)
}

func (s *windowsSession) Stop() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Stop()
}

func (s *windowsSession) ReleaseBuffer(handle uintptr) error {
	return s.registry.Release(handle)
}

func (s *windowsSession) GetConfiguredVideoFormat() VideoFormat {
	if s.backend == nil {
		return DefaultVideoFormat(PixelBGRA32)
	}
	return s.backend.GetConfiguredVideoFormat()
}

func (s *windowsSession) IsRunning() bool {
	return s.backend != nil && s.backend.IsRunning()
}

func (s *windowsSession) LastError() *CaptureError {
	if s.backend == nil {
		return nil
	}
	return s.backend.LastError()
}

func (s *windowsSession) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

var _ Engine = (*windowsEngine)(nil)
var _ Session = (*windowsSession)(nil)
