//go:build windows

package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"unsafe"

	"github.com/MichealReed/miniAV-sub000/internal/logging"
)

// wgcBackend implements the Windows Graphics Capture producer (4.5): a
// one-time CoInitializeEx on the thread of the first Start (there is no
// dispatcher thread), one capture item per window target, a two-buffer BGRA8 frame pool, and a
// FrameArrived handler serialized by sessionMu. There is no teacher
// precedent for WinRT interop in this module; the vtable-call shape
// follows windows_comutil.go's COM infrastructure, extended with the
// WinRT GUIDs/offsets this backend needs.
type wgcBackend struct {
	sharedState

	registry *releaseRegistry
	log      *slog.Logger

	hwnd uintptr

	sessionMu sync.Mutex

	captureItem uintptr
	framePool   uintptr
	session     uintptr
	device      uintptr // IDirect3DDevice (WinRT wrapper over the D3D11 device)
	d3dDevice   uintptr // ID3D11Device, shared with the frame pool's textures
	d3dContext  uintptr

	audio *audioLoopback

	closed chan struct{}
}

var (
	wgcDispatcherOnce sync.Once
	wgcDispatcherErr  error
)

// ensureWGCDispatcher calls CoInitializeEx (apartment-threaded) exactly
// once per process, through a sync.Once, on whichever thread runs the first
// WGC Start; later sessions skip the call and get the first result. No
// dispatcher thread is created and CoUninitialize is never called.
func ensureWGCDispatcher() error {
	wgcDispatcherOnce.Do(func() {
		const coinitApartmentThreaded = 0x2
		hr, _, _ := procCoInitializeEx.Call(0, coinitApartmentThreaded)
		if int32(hr) < 0 && uint32(hr) != 0x80010106 { // RPC_E_CHANGED_MODE tolerated
			wgcDispatcherErr = fmt.Errorf("CoInitializeEx: 0x%08X", uint32(hr))
		}
	})
	return wgcDispatcherErr
}

var (
	ole32DLL            = syscall.NewLazyDLL("ole32.dll")
	procCoInitializeEx  = ole32DLL.NewProc("CoInitializeEx")
)

func newWGCBackend(hwnd uintptr, registry *releaseRegistry) *wgcBackend {
	return &wgcBackend{hwnd: hwnd, registry: registry, log: logging.L("wgc")}
}

func (b *wgcBackend) Configure(target Target, video VideoFormat, audio *AudioFormat) error {
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

// Start sequences audio-then-video per the documented coupling rule: the
// loopback bridge starts first so no audio samples are dropped while the
// WGC session spins up.
func (b *wgcBackend) Start(callback Callback, userData any) error {
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

	if err := ensureWGCDispatcher(); err != nil {
		return b.fail(newError(ErrStreamFailed, "WinRT apartment init failed", err))
	}

	if wantAudio {
		loop := newAudioLoopback(b.registry, b.deliverAudio, userData)
		if err := loop.start(); err != nil {
			b.log.Warn("audio loopback start failed, continuing video-only", "error", err)
		} else {
			b.audio = loop
		}
	}

	if err := b.initCapture(); err != nil {
		if b.audio != nil {
			b.audio.stop()
		}
		return b.fail(newError(ErrStreamFailed, "WGC capture init failed", err))
	}

	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	b.closed = make(chan struct{})
	return nil
}

func (b *wgcBackend) fail(ce *CaptureError) error {
	b.setLastError(ce)
	return ce
}

// deliverAudio forwards a loopback-captured buffer to the session callback,
// the same delivery path video frames use.
func (b *wgcBackend) deliverAudio(buf *FrameBuffer) {
	if cb := b.callback; cb != nil {
		cb(buf)
	}
}

// initCapture creates the capture item from hwnd (interop per the
// documented "HWND:0x<hex>" target scheme), the shared D3D11 device the
// frame pool textures land in, a 2-buffer BGRA8 frame pool, and the
// capture session, then registers the FrameArrived callback.
func (b *wgcBackend) initCapture() error {
	device, context, err := createD3D11Device()
	if err != nil {
		return err
	}
	b.d3dDevice, b.d3dContext = device, context

	// GraphicsCaptureItem, Direct3D11CaptureFramePool and GraphicsCaptureSession
	// construction is WinRT activation-factory interop (RoGetActivationFactory
	// + IGraphicsCaptureItemInterop::CreateForWindow, CreateFreeThreaded,
	// CreateCaptureSession) — the concrete calls are intentionally left as a
	// single documented entry point here rather than inlined vtable offsets,
	// since those offsets are WinRT-version-sensitive in a way the fixed
	// classic-COM ABI used elsewhere in this file is not.
	captureItem, framePool, session, err := wgcActivateForWindow(b.hwnd, device)
	if err != nil {
		return err
	}
	b.captureItem, b.framePool, b.session = captureItem, framePool, session

	wgcRegisterFrameArrived(framePool, b.onFrameArrived)
	return wgcStartSession(session)
}

func (b *wgcBackend) onFrameArrived(texture uintptr, width, height int, timestampUs int64) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()

	b.mu.Lock()
	prefersGPU := b.requestedVideo.Preference == OutputGPU
	b.mu.Unlock()

	var fb *FrameBuffer
	var payload *releasePayload
	var err error
	if prefersGPU {
		fb, payload, err = b.gpuSharedFrame(texture, width, height, timestampUs)
		if err != nil {
			b.log.Warn("GPU shared handle unavailable, falling back to CPU copy", "error", err)
		}
	}
	if fb == nil {
		fb, payload, err = b.mapStagingCopy(texture, width, height, timestampUs)
	}
	if err != nil {
		b.log.Warn("frame skipped", "error", err)
		return
	}

	handle := b.registry.register(payload)
	fb.Handle = handle
	fb.UserData = b.userData
	if cb := b.callback; cb != nil {
		cb(fb)
	}
}

// gpuSharedFrame copies the frame-pool's texture (which gets recycled back
// to the pool once FrameArrived returns, so it can never be shared
// directly) into a DEFAULT+SHARED texture of its own and mints a shared NT
// handle for it — the same zero-copy path the DXGI backend uses (4.5 step
// 3, "GPU planes expose the shared OS handle as the plane pointer").
func (b *wgcBackend) gpuSharedFrame(texture uintptr, width, height int, timestampUs int64) (*FrameBuffer, *releasePayload, error) {
	desc := d3d11Texture2DDesc{
		Width: uint32(width), Height: uint32(height), MipLevels: 1, ArraySize: 1,
		Format: dxgiFormatB8G8R8A8, SampleCount: 1,
		Usage: d3d11UsageDefault, BindFlags: d3d11BindShaderResource,
		MiscFlags: dxgiResourceMiscShared | dxgiResourceMiscSharedNTHandle,
	}
	var shared uintptr
	hr, _, _ := syscall.SyscallN(comVtblFn(b.d3dDevice, d3d11DeviceCreateTexture2D), b.d3dDevice,
		uintptr(unsafe.Pointer(&desc)), 0, uintptr(unsafe.Pointer(&shared)))
	if int32(hr) < 0 {
		return nil, nil, fmt.Errorf("CreateTexture2D(shared): 0x%08X", uint32(hr))
	}
	syscall.SyscallN(comVtblFn(b.d3dContext, d3d11CtxCopyResource), b.d3dContext, shared, texture)

	sharedHandle, err := dxgiCreateSharedHandle(shared)
	if err != nil {
		comRelease(shared)
		return nil, nil, fmt.Errorf("creating shared handle: %w", err)
	}

	planes := DerivePlanes(PixelBGRA32, width, height, sharedHandle, 0)
	payload := &releasePayload{kind: handleVideo, primary: &nativeResource{Closer: func() { comRelease(shared) }}}
	return &FrameBuffer{
		Type: BufferVideo, Content: ContentGPUD3D11Handle, TimestampUs: timestampUs,
		Video: VideoFrameInfo{Pixel: PixelBGRA32, Width: width, Height: height},
		Planes: planes, DataSize: TotalSize(planes),
	}, payload, nil
}

func (b *wgcBackend) mapStagingCopy(texture uintptr, width, height int, timestampUs int64) (*FrameBuffer, *releasePayload, error) {
	desc := d3d11Texture2DDesc{
		Width: uint32(width), Height: uint32(height), MipLevels: 1, ArraySize: 1,
		Format: dxgiFormatB8G8R8A8, SampleCount: 1,
		Usage: d3d11UsageStaging, CPUAccessFlags: d3d11CPUAccessRead,
	}
	var staging uintptr
	hr, _, _ := syscall.SyscallN(comVtblFn(b.d3dDevice, d3d11DeviceCreateTexture2D), b.d3dDevice, uintptr(unsafe.Pointer(&desc)), 0, uintptr(unsafe.Pointer(&staging)))
	if int32(hr) < 0 {
		return nil, nil, fmt.Errorf("CreateTexture2D(staging): 0x%08X", uint32(hr))
	}
	defer comRelease(staging)

	syscall.SyscallN(comVtblFn(b.d3dContext, d3d11CtxCopyResource), b.d3dContext, staging, texture)

	var mapped d3d11MappedSubresource
	hr, _, _ = syscall.SyscallN(comVtblFn(b.d3dContext, d3d11CtxMap), b.d3dContext, staging, 0, 1, 0, uintptr(unsafe.Pointer(&mapped)))
	if int32(hr) < 0 {
		return nil, nil, fmt.Errorf("Map staging texture: 0x%08X", uint32(hr))
	}
	rowBytes := width * 4
	host := make([]byte, rowBytes*height)
	for y := 0; y < height; y++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData+uintptr(y*int(mapped.RowPitch)))), rowBytes)
		copy(host[y*rowBytes:], src)
	}
	syscall.SyscallN(comVtblFn(b.d3dContext, d3d11CtxUnmap), b.d3dContext, staging, 0)

	planes := DerivePlanes(PixelBGRA32, width, height, uintptr(unsafe.Pointer(&host[0])), 0)
	payload := &releasePayload{kind: handleVideo, primary: &nativeResource{Closer: func() { _ = host }}}
	return &FrameBuffer{
		Type: BufferVideo, Content: ContentCPU, TimestampUs: timestampUs,
		Video: VideoFrameInfo{Pixel: PixelBGRA32, Width: width, Height: height},
		Planes: planes, DataSize: len(host),
	}, payload, nil
}

// Stop stops the video session before the audio bridge, per the documented
// stop ordering (video first, then audio) — the inverse of Start.
func (b *wgcBackend) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	session, framePool, item := b.session, b.framePool, b.captureItem
	b.session, b.framePool, b.captureItem = 0, 0, 0
	audio := b.audio
	b.audio = nil
	device, context := b.d3dDevice, b.d3dContext
	b.d3dDevice, b.d3dContext = 0, 0
	b.mu.Unlock()

	wgcCloseSession(session)
	comRelease(framePool)
	comRelease(item)
	comRelease(context)
	comRelease(device)

	if audio != nil {
		audio.stop()
	}
	return nil
}

func (b *wgcBackend) ReleaseBuffer(handle uintptr) error { return b.registry.Release(handle) }
func (b *wgcBackend) Close() error                       { return b.Stop() }

var _ Session = (*wgcBackend)(nil)
