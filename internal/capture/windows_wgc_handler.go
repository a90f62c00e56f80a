//go:build windows

package capture

import (
	"sync"
	"syscall"
	"unsafe"
)

// frameArrivedHandler is a hand-built COM object implementing
// ITypedEventHandler<Direct3D11CaptureFramePool*, object*>: a 4-entry
// vtable (IUnknown's 3 plus Invoke) backed by a Go callback, the same
// "build the vtable by hand" approach windows_comutil.go's comCall
// machinery assumes on the calling side — this is the producing side.
type frameArrivedHandler struct {
	lpVtbl   uintptr
	vtbl     [4]uintptr
	refCount int32
	onFrame  func(texture uintptr, width, height int, timestampUs int64)
	framePool uintptr
}

var handlerRegistry sync.Map // uintptr(handler) -> *frameArrivedHandler

var frameArrivedInvokeCB = syscall.NewCallback(func(this, sender, args uintptr) uintptr {
	v, ok := handlerRegistry.Load(this)
	if !ok {
		return 0
	}
	h := v.(*frameArrivedHandler)

	const vtblTryGetNextFrame = 6
	var frame uintptr
	if _, err := comCall(h.framePool, vtblTryGetNextFrame, uintptr(unsafe.Pointer(&frame))); err != nil || frame == 0 {
		return 0
	}
	defer comRelease(frame)

	const vtblGetSurface = 7
	var surface uintptr
	comCall(frame, vtblGetSurface, uintptr(unsafe.Pointer(&surface)))
	defer comRelease(surface)

	texture, width, height, err := surfaceToTexture2D(surface)
	if err != nil {
		return 0
	}
	defer comRelease(texture)

	h.onFrame(texture, width, height, frameSystemRelativeTimeUs(frame))
	return 0
})

var queryInterfaceThunk = syscall.NewCallback(func(this, riid, ppv uintptr) uintptr {
	*(*uintptr)(unsafe.Pointer(ppv)) = this
	addRefThunkCall(this)
	return 0
})

var addRefThunk = syscall.NewCallback(func(this uintptr) uintptr { return addRefThunkCall(this) })
var releaseThunk = syscall.NewCallback(func(this uintptr) uintptr { return releaseThunkCall(this) })

func addRefThunkCall(this uintptr) uintptr {
	v, ok := handlerRegistry.Load(this)
	if !ok {
		return 1
	}
	h := v.(*frameArrivedHandler)
	h.refCount++
	return uintptr(h.refCount)
}

func releaseThunkCall(this uintptr) uintptr {
	v, ok := handlerRegistry.Load(this)
	if !ok {
		return 0
	}
	h := v.(*frameArrivedHandler)
	h.refCount--
	if h.refCount <= 0 {
		handlerRegistry.Delete(this)
		return 0
	}
	return uintptr(h.refCount)
}

// registerFrameArrivedThunk builds the handler object and calls
// add_FrameArrived on framePool with it.
func registerFrameArrivedThunk(framePool uintptr, onFrame func(texture uintptr, width, height int, timestampUs int64)) {
	h := &frameArrivedHandler{refCount: 1, onFrame: onFrame, framePool: framePool}
	h.vtbl = [4]uintptr{queryInterfaceThunk, addRefThunk, releaseThunk, frameArrivedInvokeCB}

	selfPtr := uintptr(unsafe.Pointer(h))
	vtblPtr := uintptr(unsafe.Pointer(&h.vtbl[0]))
	// A COM object's first field is a pointer to its vtable; since h is
	// Go-managed memory, the handle we register and hand to add_FrameArrived
	// is the address of that vtable pointer slot, matching what a native
	// caller would dereference through obj->lpVtbl.
	h.lpVtbl = vtblPtr
	handlerRegistry.Store(selfPtr, h)

	const vtblAddFrameArrived = 5
	var token int64
	comCall(framePool, vtblAddFrameArrived, selfPtr, uintptr(unsafe.Pointer(&token)))
}

// surfaceToTexture2D extracts the ID3D11Texture2D backing an
// IDirect3DSurface via its DXGI interop access interface, and reads the
// texture's width/height from its description.
func surfaceToTexture2D(surface uintptr) (texture uintptr, width, height int, err error) {
	iidDXGIInterfaceAccess := comGUID{0xA9B3D012, 0x3DF2, 0x4EE3, [8]byte{0xB8, 0xD1, 0x86, 0x95, 0xF4, 0x57, 0xD3, 0xC1}}
	const vtblGetInterface = 3
	var access uintptr
	if _, err = comCall(surface, vtblQueryInterface, uintptr(unsafe.Pointer(&iidDXGIInterfaceAccess)), uintptr(unsafe.Pointer(&access))); err != nil {
		return 0, 0, 0, err
	}
	defer comRelease(access)

	if _, err = comCall(access, vtblGetInterface, uintptr(unsafe.Pointer(&iidID3D11Texture2D)), uintptr(unsafe.Pointer(&texture))); err != nil {
		return 0, 0, 0, err
	}

	const vtblGetDesc = 10
	var desc d3d11Texture2DDesc
	comCall(texture, vtblGetDesc, uintptr(unsafe.Pointer(&desc)))
	return texture, int(desc.Width), int(desc.Height), nil
}

// frameSystemRelativeTimeUs reads Direct3D11CaptureFrame.SystemRelativeTime
// (a WinRT TimeSpan, 100ns ticks) and converts to microseconds.
func frameSystemRelativeTimeUs(frame uintptr) int64 {
	const vtblGetSystemRelativeTime = 8
	var ticks int64
	comCall(frame, vtblGetSystemRelativeTime, uintptr(unsafe.Pointer(&ticks)))
	return ticks / 10
}
