//go:build windows

package capture

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/MichealReed/miniAV-sub000/internal/logging"
)

// audioLoopback is the "Loopback Audio Bridge" external collaborator
// (4.6/External Interfaces): WASAPI loopback capture of the default
// render endpoint, used both by the DXGI backend (system audio) and the
// WGC backend (also system audio — WGC has no per-process audio capture
// API of its own, so PID-targeted windows still get system-wide loopback,
// noted as a documented limitation rather than a bug).
type audioLoopback struct {
	mu sync.Mutex

	enumerator    uintptr
	device        uintptr
	audioClient   uintptr
	captureClient uintptr
	mixFormat     waveFormatEx

	onBuffer func(buf *FrameBuffer)
	registry *releaseRegistry
	userData any

	stopCh chan struct{}
	doneCh chan struct{}

	log *slog.Logger
}

var (
	ole32DLLAudio           = syscall.NewLazyDLL("ole32.dll")
	procCoCreateInstance    = ole32DLLAudio.NewProc("CoCreateInstance")
)

var (
	clsidMMDeviceEnumerator = comGUID{0xBCDE0395, 0xE52F, 0x467C, [8]byte{0x8E, 0x3D, 0xC4, 0x57, 0x92, 0x91, 0x69, 0x2E}}
	iidIMMDeviceEnumerator  = comGUID{0xA95664D2, 0x9614, 0x4F35, [8]byte{0xA7, 0x46, 0xDE, 0x8D, 0xB6, 0x36, 0x17, 0xE6}}
	iidIAudioClient         = comGUID{0x1CB9AD4C, 0xDBFA, 0x4c32, [8]byte{0xB1, 0x78, 0xC2, 0xF5, 0x68, 0xA7, 0x03, 0xB2}}
	iidIAudioCaptureClient  = comGUID{0xC8ADBD64, 0xE71E, 0x48a0, [8]byte{0xA4, 0xDE, 0x18, 0x5C, 0x39, 0x5C, 0xD3, 0x17}}
)

const (
	eRender                = 0
	eConsole               = 0
	audclntStreamLoopback  = 0x00020000
	audclntShareModeShared = 0
	clsctxAll              = 0x1 | 0x2 | 0x4 | 0x10

	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3
	audioClientInitialize       = 3
	audioClientGetBufferSize    = 4
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4
	capClientGetNextPacketSize  = 7
)

type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// newAudioLoopback constructs the bridge, shared by both Windows backends
// (WGC's per-window targets and DXGI's per-monitor targets): WASAPI
// loopback capture has no per-window or per-adapter scoping of its own, so
// both just get the default render endpoint's system-wide loopback.
func newAudioLoopback(registry *releaseRegistry, onBuffer func(buf *FrameBuffer), userData any) *audioLoopback {
	return &audioLoopback{registry: registry, onBuffer: onBuffer, userData: userData, log: logging.L("wasapi-loopback")}
}

func (w *audioLoopback) start() error {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	ready := make(chan error, 1)
	go w.run(ready)
	return <-ready
}

func (w *audioLoopback) run(ready chan<- error) {
	defer close(w.doneCh)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := w.initWASAPI(); err != nil {
		ready <- err
		return
	}
	ready <- nil

	bytesPerFrame := int(w.mixFormat.BlockAlign)
	const sleepMs = 10

	for {
		select {
		case <-w.stopCh:
			w.teardown()
			return
		default:
		}

		var packetSize uint32
		if _, err := comCall(w.captureClient, capClientGetNextPacketSize, uintptr(unsafe.Pointer(&packetSize))); err != nil {
			time.Sleep(sleepMs * time.Millisecond)
			continue
		}
		if packetSize == 0 {
			time.Sleep(sleepMs * time.Millisecond)
			continue
		}

		var dataPtr uintptr
		var numFrames, flags uint32
		if _, err := comCall(w.captureClient, capClientGetBuffer,
			uintptr(unsafe.Pointer(&dataPtr)), uintptr(unsafe.Pointer(&numFrames)),
			uintptr(unsafe.Pointer(&flags)), 0, 0); err != nil {
			time.Sleep(sleepMs * time.Millisecond)
			continue
		}

		if numFrames > 0 && dataPtr != 0 {
			w.deliver(dataPtr, int(numFrames), bytesPerFrame)
		}
		comCall(w.captureClient, capClientReleaseBuffer, uintptr(numFrames))
	}
}

func (w *audioLoopback) deliver(dataPtr uintptr, numFrames, bytesPerFrame int) {
	if w.onBuffer == nil {
		return
	}
	size := numFrames * bytesPerFrame
	host := make([]byte, size)
	copy(host, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))

	payload := &releasePayload{kind: handleAudio, primary: &nativeResource{Closer: func() { _ = host }}}
	fb := &FrameBuffer{
		Type: BufferAudio, Content: ContentCPU, TimestampUs: time.Now().UnixMicro(),
		Audio: AudioFrameInfo{
			Sample:     SampleF32,
			Channels:   int(w.mixFormat.Channels),
			RateHz:     int(w.mixFormat.SamplesPerSec),
			FrameCount: numFrames,
		},
		Planes:   []Plane{{Ptr: uintptr(unsafe.Pointer(&host[0])), Stride: size}},
		DataSize: size,
	}
	if w.registry != nil {
		fb.Handle = w.registry.register(payload)
		fb.UserData = w.userData
	}
	w.onBuffer(fb)
}

func (w *audioLoopback) initWASAPI() error {
	hr, _, _ := procCoInitializeEx.Call(0, 0)
	if int32(hr) < 0 && uint32(hr) != 1 { // S_FALSE tolerated (already initialized)
		return fmt.Errorf("CoInitializeEx: 0x%08X", uint32(hr))
	}

	var enumerator uintptr
	hr, _, _ = syscall.SyscallN(procCoCreateInstance.Addr(),
		uintptr(unsafe.Pointer(&clsidMMDeviceEnumerator)), 0, clsctxAll,
		uintptr(unsafe.Pointer(&iidIMMDeviceEnumerator)), uintptr(unsafe.Pointer(&enumerator)))
	if int32(hr) < 0 {
		return fmt.Errorf("CoCreateInstance MMDeviceEnumerator: 0x%08X", uint32(hr))
	}
	w.enumerator = enumerator

	var device uintptr
	if _, err := comCall(enumerator, mmdeGetDefaultAudioEndpoint, uintptr(eRender), uintptr(eConsole), uintptr(unsafe.Pointer(&device))); err != nil {
		return fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
	}
	w.device = device

	var audioClient uintptr
	if _, err := comCall(device, mmDeviceActivate, uintptr(unsafe.Pointer(&iidIAudioClient)), clsctxAll, 0, uintptr(unsafe.Pointer(&audioClient))); err != nil {
		return fmt.Errorf("Activate IAudioClient: %w", err)
	}
	w.audioClient = audioClient

	var mixFormatPtr uintptr
	if _, err := comCall(audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mixFormatPtr))); err != nil {
		return fmt.Errorf("GetMixFormat: %w", err)
	}
	w.mixFormat = *(*waveFormatEx)(unsafe.Pointer(mixFormatPtr))

	bufferDuration := int64(200 * 10000)
	_, err := comCall(audioClient, audioClientInitialize,
		uintptr(audclntShareModeShared), uintptr(audclntStreamLoopback),
		uintptr(bufferDuration), 0, mixFormatPtr, 0)
	if err != nil {
		return fmt.Errorf("IAudioClient::Initialize: %w", err)
	}

	var captureClient uintptr
	if _, err := comCall(audioClient, audioClientGetService, uintptr(unsafe.Pointer(&iidIAudioCaptureClient)), uintptr(unsafe.Pointer(&captureClient))); err != nil {
		return fmt.Errorf("GetService IAudioCaptureClient: %w", err)
	}
	w.captureClient = captureClient

	if _, err := comCall(audioClient, audioClientStart); err != nil {
		return fmt.Errorf("IAudioClient::Start: %w", err)
	}
	return nil
}

func (w *audioLoopback) teardown() {
	if w.audioClient != 0 {
		comCall(w.audioClient, audioClientStop)
	}
	comRelease(w.captureClient)
	comRelease(w.audioClient)
	comRelease(w.device)
	comRelease(w.enumerator)
}

func (w *audioLoopback) stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}
