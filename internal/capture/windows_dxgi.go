//go:build windows

package capture

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/MichealReed/miniAV-sub000/internal/logging"
)

// dxgiBackend implements the DXGI Desktop Duplication producer (4.4): a
// dedicated worker thread polling AcquireNextFrame, with the documented
// access-lost/device-removed recovery and GPU/CPU output paths. One
// instance captures exactly one monitor. Configure does not check
// Target.Kind; window targets never reach this backend because
// windows_engine.go routes them to the WGC backend.
type dxgiBackend struct {
	sharedState

	registry *releaseRegistry
	log      *slog.Logger

	adapterIndex, outputIndex int

	device      uintptr
	context     uintptr
	duplication uintptr
	staging     uintptr
	gpuTexture  uintptr

	width, height int

	audio *audioLoopback

	stopCh chan struct{}
	doneCh chan struct{}

	cursorX, cursorY atomic.Int32
	cursorVisible    atomic.Bool

	// Secure-desktop tracking (4.7): DXGI often just times out rather than
	// returning ACCESS_LOST when the desktop switches to Winlogon/a
	// screensaver, so the worker polls desktop identity independently of
	// the AcquireNextFrame result.
	desktopSwitched  atomic.Bool
	secureDesktop    atomic.Bool
	lastDesktopCheck time.Time

	pollInterval time.Duration
}

func newDXGIBackend(adapterIndex, outputIndex int, registry *releaseRegistry, pollInterval time.Duration) *dxgiBackend {
	return &dxgiBackend{
		adapterIndex: adapterIndex,
		outputIndex:  outputIndex,
		registry:     registry,
		pollInterval: pollInterval,
		log:          logging.L("dxgi"),
	}
}

// parseDisplayTarget parses the documented "Adapter<n>_Output<n>" display
// device ID (4.4, scenario 4's literal "Adapter0_Output0") into the GPU
// adapter index and the IDXGIOutput index within that adapter.
func parseDisplayTarget(id string) (adapterIdx, outputIdx int, err error) {
	n, scanErr := fmt.Sscanf(id, "Adapter%d_Output%d", &adapterIdx, &outputIdx)
	if scanErr != nil || n != 2 {
		return 0, 0, newError(ErrInvalidArg, fmt.Sprintf("invalid display target %q, want \"Adapter<n>_Output<n>\"", id), scanErr)
	}
	return adapterIdx, outputIdx, nil
}

func (b *dxgiBackend) Configure(target Target, video VideoFormat, audio *AudioFormat) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return newError(ErrAlreadyRunning, "cannot reconfigure a running session", nil)
	}
	b.target = target
	b.requestedVideo = normalizeVideoFormat(video, PixelBGRA32)
	b.requestedAudio = audio
	b.audioRequested = audio != nil
	b.negotiatedVideo = b.requestedVideo
	b.configured = true
	return nil
}

// Start sequences audio-then-video like the WGC backend: the loopback
// bridge starts first, covering §6's "null identifier meaning default
// system output" case for monitor capture, so no samples drop while DXGI
// duplication spins up.
func (b *dxgiBackend) Start(callback Callback, userData any) error {
	b.mu.Lock()
	if !b.configured {
		b.mu.Unlock()
		return newError(ErrNotInitialized, "Start called before Configure", nil)
	}
	if b.running {
		b.mu.Unlock()
		return newError(ErrAlreadyRunning, "session already running", nil)
	}
	b.callback = callback
	b.userData = userData
	wantAudio := b.audioRequested
	b.mu.Unlock()

	if wantAudio {
		loop := newAudioLoopback(b.registry, b.deliverAudio, userData)
		if err := loop.start(); err != nil {
			b.log.Warn("audio loopback start failed, continuing video-only", "error", err)
		} else {
			b.audio = loop
		}
	}

	if err := b.initDXGI(); err != nil {
		if b.audio != nil {
			b.audio.stop()
			b.audio = nil
		}
		return b.fail(newError(ErrStreamFailed, "DXGI init failed", err))
	}

	b.mu.Lock()
	nf := b.requestedVideo
	nf.Width, nf.Height = b.width, b.height
	b.negotiatedVideo = nf
	b.running = true
	b.mu.Unlock()

	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.workerLoop()
	return nil
}

// deliverAudio forwards a loopback-captured buffer to the session callback,
// the same delivery path video frames use.
func (b *dxgiBackend) deliverAudio(buf *FrameBuffer) {
	if cb := b.callback; cb != nil {
		cb(buf)
	}
}

func (b *dxgiBackend) fail(ce *CaptureError) error {
	b.setLastError(ce)
	return ce
}

// workerLoop implements the exact per-iteration algorithm from the DXGI
// producer design: check for stop, release the previous frame, acquire
// with a bounded timeout, classify the HRESULT, and on success produce
// either a GPU-shareable texture or a CPU-mapped copy per preference.
func (b *dxgiBackend) workerLoop() {
	defer close(b.doneCh)
	consecutiveFailures := 0

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		b.checkDesktopSwitch()

		var frameInfo dxgiOutDuplFrameInfo
		var resource uintptr
		hr, _, _ := syscall.SyscallN(
			comVtblFn(b.duplication, dxgiDuplAcquireNextFrame),
			b.duplication, uintptr(500),
			uintptr(unsafe.Pointer(&frameInfo)), uintptr(unsafe.Pointer(&resource)),
		)
		hresult := uint32(hr)

		switch hresult {
		case dxgiErrWaitTimeout:
			continue
		case dxgiErrAccessLost:
			b.log.Warn("DXGI access lost, reinitializing")
			b.releaseDXGI()
			time.Sleep(200 * time.Millisecond)
			if err := b.initDXGI(); err != nil {
				b.setLastError(newError(ErrStreamFailed, "DXGI reinit after access-lost failed", err))
				return
			}
			continue
		case dxgiErrDeviceRemoved, dxgiErrDeviceReset:
			consecutiveFailures++
			b.log.Warn("DXGI device error", "hresult", fmt.Sprintf("0x%08X", hresult), "failures", consecutiveFailures)
			b.releaseDXGI()
			if consecutiveFailures >= 3 {
				b.setLastError(newError(ErrStreamFailed, "DXGI device repeatedly removed/reset", nil))
				return
			}
			time.Sleep(500 * time.Millisecond)
			if err := b.initDXGI(); err != nil {
				b.setLastError(newError(ErrStreamFailed, "DXGI reinit after device error failed", err))
				return
			}
			continue
		}
		if int32(hr) < 0 {
			b.setLastError(newError(ErrStreamFailed, fmt.Sprintf("AcquireNextFrame: 0x%08X", hresult), nil))
			return
		}
		consecutiveFailures = 0

		if frameInfo.PointerVisible != 0 {
			b.cursorX.Store(frameInfo.PointerPositionX)
			b.cursorY.Store(frameInfo.PointerPositionY)
		}
		b.cursorVisible.Store(frameInfo.PointerVisible != 0)

		if frameInfo.LastPresentTime == 0 {
			comRelease(resource)
			syscall.SyscallN(comVtblFn(b.duplication, dxgiDuplReleaseFrame), b.duplication)
			continue
		}

		b.produceFrame(resource, frameInfo)
		syscall.SyscallN(comVtblFn(b.duplication, dxgiDuplReleaseFrame), b.duplication)

		if b.pollInterval > 0 {
			time.Sleep(b.pollInterval)
		}
	}
}

func (b *dxgiBackend) produceFrame(resource uintptr, info dxgiOutDuplFrameInfo) {
	var texture uintptr
	if _, err := comCall(resource, vtblQueryInterface, uintptr(unsafe.Pointer(&iidID3D11Texture2D)), uintptr(unsafe.Pointer(&texture))); err != nil {
		comRelease(resource)
		b.log.Warn("QueryInterface ID3D11Texture2D failed", "error", err)
		return
	}
	comRelease(resource)
	defer comRelease(texture)

	b.mu.Lock()
	prefersGPU := b.requestedVideo.Preference == OutputGPU
	b.mu.Unlock()

	var fb *FrameBuffer
	var payload *releasePayload
	var err error
	if prefersGPU {
		fb, payload, err = b.gpuFrame(texture, info)
	}
	if fb == nil {
		fb, payload, err = b.cpuFrame(texture, info)
	}
	if err != nil {
		b.log.Warn("frame skipped", "error", err)
		return
	}

	handle := b.registry.register(payload)
	fb.Handle = handle
	fb.UserData = b.userData
	fb.CursorX = b.cursorX.Load()
	fb.CursorY = b.cursorY.Load()
	fb.CursorVisible = b.cursorVisible.Load()
	if cb := b.callback; cb != nil {
		cb(fb)
	}
}

// gpuFrame copies into a DEFAULT+SHARED texture and hands back its shared
// handle — the zero-copy GPU path. Falls back to the caller trying the CPU
// path when shared-resource creation fails (documented GPU→CPU fallback).
func (b *dxgiBackend) gpuFrame(texture uintptr, info dxgiOutDuplFrameInfo) (*FrameBuffer, *releasePayload, error) {
	desc := d3d11Texture2DDesc{
		Width: uint32(b.width), Height: uint32(b.height), MipLevels: 1, ArraySize: 1,
		Format: dxgiFormatB8G8R8A8, SampleCount: 1, SampleQuality: 0,
		Usage: d3d11UsageDefault, BindFlags: d3d11BindShaderResource,
		MiscFlags: dxgiResourceMiscShared | dxgiResourceMiscSharedNTHandle,
	}
	var shared uintptr
	hr, _, _ := syscall.SyscallN(comVtblFn(b.device, d3d11DeviceCreateTexture2D), b.device,
		uintptr(unsafe.Pointer(&desc)), 0, uintptr(unsafe.Pointer(&shared)))
	if int32(hr) < 0 {
		return nil, nil, fmt.Errorf("CreateTexture2D(shared): 0x%08X", uint32(hr))
	}
	syscall.SyscallN(comVtblFn(b.context, d3d11CtxCopyResource), b.context, shared, texture)

	sharedHandle, err := dxgiCreateSharedHandle(shared)
	if err != nil {
		comRelease(shared)
		return nil, nil, fmt.Errorf("creating shared handle: %w", err)
	}

	planes := DerivePlanes(PixelBGRA32, b.width, b.height, sharedHandle, 0)
	payload := &releasePayload{kind: handleVideo, primary: &nativeResource{Closer: func() { comRelease(shared) }}}
	fb := &FrameBuffer{
		Type: BufferVideo, Content: ContentGPUD3D11Handle, TimestampUs: info.LastPresentTime,
		Video: VideoFrameInfo{Pixel: PixelBGRA32, Width: b.width, Height: b.height},
		Planes: planes, DataSize: TotalSize(planes),
	}
	return fb, payload, nil
}

func (b *dxgiBackend) cpuFrame(texture uintptr, info dxgiOutDuplFrameInfo) (*FrameBuffer, *releasePayload, error) {
	syscall.SyscallN(comVtblFn(b.context, d3d11CtxCopyResource), b.context, b.staging, texture)

	var mapped d3d11MappedSubresource
	hr, _, _ := syscall.SyscallN(comVtblFn(b.context, d3d11CtxMap), b.context, b.staging, 0, 1, 0, uintptr(unsafe.Pointer(&mapped)))
	if int32(hr) < 0 {
		return nil, nil, fmt.Errorf("Map staging texture: 0x%08X", uint32(hr))
	}

	rowBytes := b.width * 4
	host := make([]byte, rowBytes*b.height)
	if int(mapped.RowPitch) == rowBytes {
		src := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData)), b.height*rowBytes)
		copy(host, src)
	} else {
		for y := 0; y < b.height; y++ {
			src := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData+uintptr(y*int(mapped.RowPitch)))), rowBytes)
			copy(host[y*rowBytes:], src)
		}
	}
	syscall.SyscallN(comVtblFn(b.context, d3d11CtxUnmap), b.context, b.staging, 0)

	planes := DerivePlanes(PixelBGRA32, b.width, b.height, uintptr(unsafe.Pointer(&host[0])), 0)
	payload := &releasePayload{kind: handleVideo, primary: &nativeResource{Closer: func() { _ = host }}}
	fb := &FrameBuffer{
		Type: BufferVideo, Content: ContentCPU, TimestampUs: info.LastPresentTime,
		Video: VideoFrameInfo{Pixel: PixelBGRA32, Width: b.width, Height: b.height},
		Planes: planes, DataSize: len(host),
	}
	return fb, payload, nil
}

func (b *dxgiBackend) initDXGI() error {
	factory, err := createDXGIFactory1()
	if err != nil {
		return err
	}
	defer comRelease(factory)

	adapter, err := dxgiEnumAdapter(factory, b.adapterIndex)
	if err != nil {
		return err
	}
	defer comRelease(adapter)

	device, context, err := createD3D11DeviceForAdapter(adapter)
	if err != nil {
		return err
	}

	var output uintptr
	if _, err = comCall(adapter, dxgiAdapterEnumOutputs, uintptr(b.outputIndex), uintptr(unsafe.Pointer(&output))); err != nil {
		comRelease(context)
		comRelease(device)
		return fmt.Errorf("IDXGIAdapter::EnumOutputs: %w", err)
	}

	var output1 uintptr
	_, err = comCall(output, vtblQueryInterface, uintptr(unsafe.Pointer(&iidIDXGIOutput1)), uintptr(unsafe.Pointer(&output1)))
	comRelease(output)
	if err != nil {
		comRelease(context)
		comRelease(device)
		return fmt.Errorf("QueryInterface IDXGIOutput1: %w", err)
	}
	defer comRelease(output1)

	var duplication uintptr
	if _, err = comCall(output1, dxgiOutput1DuplicateOutput, device, uintptr(unsafe.Pointer(&duplication))); err != nil {
		comRelease(context)
		comRelease(device)
		return fmt.Errorf("IDXGIOutput1::DuplicateOutput: %w", err)
	}

	var duplDesc dxgiOutDuplDesc
	hr, _, _ := syscall.SyscallN(comVtblFn(duplication, dxgiDuplGetDesc), duplication, uintptr(unsafe.Pointer(&duplDesc)))
	if int32(hr) < 0 {
		comRelease(duplication)
		comRelease(context)
		comRelease(device)
		return fmt.Errorf("IDXGIOutputDuplication::GetDesc: 0x%08X", uint32(hr))
	}
	width, height := int(duplDesc.ModeDesc.Width), int(duplDesc.ModeDesc.Height)
	if width <= 0 || height <= 0 {
		comRelease(duplication)
		comRelease(context)
		comRelease(device)
		return fmt.Errorf("invalid duplication dimensions %dx%d", width, height)
	}

	stagingDesc := d3d11Texture2DDesc{
		Width: uint32(width), Height: uint32(height), MipLevels: 1, ArraySize: 1,
		Format: dxgiFormatB8G8R8A8, SampleCount: 1, SampleQuality: 0,
		Usage: d3d11UsageStaging, CPUAccessFlags: d3d11CPUAccessRead,
	}
	var staging uintptr
	hr, _, _ = syscall.SyscallN(comVtblFn(device, d3d11DeviceCreateTexture2D), device, uintptr(unsafe.Pointer(&stagingDesc)), 0, uintptr(unsafe.Pointer(&staging)))
	if int32(hr) < 0 {
		comRelease(duplication)
		comRelease(context)
		comRelease(device)
		return fmt.Errorf("CreateTexture2D(staging): 0x%08X", uint32(hr))
	}

	b.device, b.context, b.duplication, b.staging = device, context, duplication, staging
	b.width, b.height = width, height
	return nil
}

// checkDesktopSwitch polls the input desktop's name at most twice a second
// (500ms) and flags a one-shot transition when it changes name, matching the
// documented desktop-switch detection rate. It never itself falls back to
// GDI — the spec carries no GDI backend — it only records the transition so
// the application can choose to re-request the current format.
func (b *dxgiBackend) checkDesktopSwitch() {
	now := time.Now()
	if now.Sub(b.lastDesktopCheck) < 500*time.Millisecond {
		return
	}
	b.lastDesktopCheck = now

	threadID, _, _ := procGetCurrentThreadId.Call()
	currentDesk, _, _ := procGetThreadDesktop.Call(threadID)
	if currentDesk == 0 {
		return
	}
	currentName := desktopName(currentDesk)

	inputDesk, _, _ := procOpenInputDesktop.Call(0, 0, uintptr(desktopGenericAll))
	if inputDesk == 0 {
		return
	}
	defer procCloseDesktop.Call(inputDesk)
	inputName := desktopName(inputDesk)

	onSecure := inputName != "" && !strings.EqualFold(inputName, "Default")
	wasSecure := b.secureDesktop.Swap(onSecure)
	if onSecure != wasSecure {
		b.desktopSwitched.Store(true)
	}

	if currentName != inputName {
		b.log.Info("desktop changed", "from", currentName, "to", inputName)
		b.desktopSwitched.Store(true)
	}
}

func desktopName(hDesk uintptr) string {
	var buf [128]uint16
	var needed uint32
	ret, _, _ := procGetUserObjectInformationW.Call(
		hDesk, uoiName, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)*2), uintptr(unsafe.Pointer(&needed)))
	if ret == 0 {
		return ""
	}
	n := int(needed / 2)
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			n = i
			break
		}
	}
	return syscall.UTF16ToString(buf[:n])
}

// ConsumeDesktopSwitch reports and clears a pending secure-desktop
// transition (4.7 supplemental feature). Part of the optional
// DesktopSwitchAware interface, not the core Session contract.
func (b *dxgiBackend) ConsumeDesktopSwitch() bool {
	return b.desktopSwitched.CompareAndSwap(true, false)
}

// OnSecureDesktop reports whether the input desktop is currently the Secure
// Desktop (UAC prompt, lock screen, screensaver).
func (b *dxgiBackend) OnSecureDesktop() bool {
	return b.secureDesktop.Load()
}

func (b *dxgiBackend) releaseDXGI() {
	if b.staging != 0 {
		comRelease(b.staging)
		b.staging = 0
	}
	if b.duplication != 0 {
		comRelease(b.duplication)
		b.duplication = 0
	}
	if b.context != 0 {
		comRelease(b.context)
		b.context = 0
	}
	if b.device != 0 {
		comRelease(b.device)
		b.device = 0
	}
}

func (b *dxgiBackend) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	stopCh := b.stopCh
	doneCh := b.doneCh
	audio := b.audio
	b.audio = nil
	b.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		<-doneCh
	}
	b.releaseDXGI()

	if audio != nil {
		audio.stop()
	}
	return nil
}

func (b *dxgiBackend) ReleaseBuffer(handle uintptr) error { return b.registry.Release(handle) }
func (b *dxgiBackend) Close() error                       { return b.Stop() }

// DesktopSwitchAware is implemented only by *dxgiBackend (4.7): WGC has no
// equivalent signal. It is not part of the core Session contract, and the
// windowsSession that windowsEngine.NewSession returns wraps the backend
// without implementing it, so asserting such a Session against this
// interface fails.
type DesktopSwitchAware interface {
	OnSecureDesktop() bool
	ConsumeDesktopSwitch() bool
}

var _ Session = (*dxgiBackend)(nil)
var _ DesktopSwitchAware = (*dxgiBackend)(nil)
