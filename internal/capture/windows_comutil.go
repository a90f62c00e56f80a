//go:build windows

package capture

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// COM vtable-call infrastructure, shared by the DXGI and Windows Graphics
// Capture backends. Pure Go, no cgo — every interface method is invoked by
// indexing the object's vtable directly and issuing a raw syscall.

type comGUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// comCall invokes a COM vtable method at the given index. obj is a pointer
// to a COM interface (pointer to pointer to vtable).
func comCall(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	fnPtr := *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))

	all := make([]uintptr, 0, 1+len(args))
	all = append(all, obj)
	all = append(all, args...)
	ret, _, _ := syscall.SyscallN(fnPtr, all...)

	if int32(ret) < 0 {
		return ret, fmt.Errorf("COM vtable[%d] HRESULT 0x%08X", vtableIdx, uint32(ret))
	}
	return ret, nil
}

// comVtblFn resolves a vtable slot to a raw function pointer for call sites
// that need SyscallN directly (multi-return HRESULT calls where comCall's
// single-return signature doesn't fit, e.g. AcquireNextFrame's two out
// params).
func comVtblFn(obj uintptr, idx int) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

// comRelease calls IUnknown::Release (vtable index 2). Safe on a zero obj.
func comRelease(obj uintptr) {
	if obj == 0 {
		return
	}
	fn := comVtblFn(obj, 2)
	syscall.SyscallN(fn, obj)
}

func comAddRef(obj uintptr) {
	if obj == 0 {
		return
	}
	fn := comVtblFn(obj, 1)
	syscall.SyscallN(fn, obj)
}

const vtblQueryInterface = 0

// --- shared DLL procs ---

var (
	d3d11DLL  = syscall.NewLazyDLL("d3d11.dll")
	dxgiDLL   = syscall.NewLazyDLL("dxgi.dll")
	user32DLL = syscall.NewLazyDLL("user32.dll")
	kernel32DLL = syscall.NewLazyDLL("kernel32.dll")

	procD3D11CreateDevice   = d3d11DLL.NewProc("D3D11CreateDevice")
	procCreateDXGIFactory1  = dxgiDLL.NewProc("CreateDXGIFactory1")

	procGetSystemMetrics = user32DLL.NewProc("GetSystemMetrics")
	procEnumWindows      = user32DLL.NewProc("EnumWindows")
	procGetWindowTextW   = user32DLL.NewProc("GetWindowTextW")
	procIsWindowVisible  = user32DLL.NewProc("IsWindowVisible")
	procGetWindowLongW   = user32DLL.NewProc("GetWindowLongW")
	procGetParent        = user32DLL.NewProc("GetParent")
	procGetWindowThreadProcessId = user32DLL.NewProc("GetWindowThreadProcessId")
	procDwmGetWindowAttribute    = syscall.NewLazyDLL("dwmapi.dll").NewProc("DwmGetWindowAttribute")

	procOpenInputDesktop          = user32DLL.NewProc("OpenInputDesktop")
	procSetThreadDesktop          = user32DLL.NewProc("SetThreadDesktop")
	procCloseDesktop              = user32DLL.NewProc("CloseDesktop")
	procGetThreadDesktop          = user32DLL.NewProc("GetThreadDesktop")
	procGetUserObjectInformationW = user32DLL.NewProc("GetUserObjectInformationW")
	procGetCurrentThreadId        = kernel32DLL.NewProc("GetCurrentThreadId")
)

const uoiName = 2

// D3D11/DXGI constants (ABI-fixed, must be exact).
const (
	d3dDriverTypeHardware = 1
	d3dDriverTypeUnknown  = 0
	d3dFeatureLevel11_0   = 0xb000
	d3dFeatureLevel10_0   = 0xa000
	d3d11SDKVersion       = 7

	d3d11CreateDeviceBGRASupport = 0x20

	d3d11UsageDefault  = 0
	d3d11UsageStaging  = 3
	d3d11CPUAccessRead = 0x20000
	d3d11BindShaderResource = 0x8
	dxgiFormatB8G8R8A8 = 87
	dxgiResourceMiscShared         = 0x2
	dxgiResourceMiscSharedNTHandle = 0x800
	dxgiSharedResourceRead         = 0x80000000

	dxgiErrWaitTimeout   = 0x887A0027
	dxgiErrAccessLost    = 0x887A0026
	dxgiErrInvalidCall   = 0x887A0001
	dxgiErrDeviceRemoved = 0x887A0005
	dxgiErrDeviceReset   = 0x887A0007
	dxgiErrNotFound      = 0x887A0002

	desktopGenericAll = 0x10000000

	smCxScreen = 0
	smCyScreen = 1

	gwlStyle   = -16
	gwlExStyle = -20
	wsChild    = 0x40000000
	wsExToolWindow = 0x00000080
	dwmwaCloaked  = 14

	// DXGI/D3D11 vtable indices.
	dxgiFactory1EnumAdapters1  = 12
	dxgiAdapterEnumOutputs     = 7
	dxgiOutputGetDesc          = 7
	dxgiOutput1DuplicateOutput = 22
	dxgiDuplGetDesc            = 7
	dxgiDuplAcquireNextFrame   = 8
	dxgiDuplReleaseFrame       = 14
	dxgiResource1CreateSharedHandle = 13
	d3d11DeviceCreateTexture2D = 5
	d3d11CtxMap                = 14
	d3d11CtxUnmap              = 15
	d3d11CtxCopyResource       = 47
)

var (
	iidIDXGIDevice     = comGUID{0x54ec77fa, 0x1377, 0x44e6, [8]byte{0x8c, 0x32, 0x88, 0xfd, 0x5f, 0x44, 0xc8, 0x4c}}
	iidID3D11Texture2D = comGUID{0x6f15aaf2, 0xd208, 0x4e89, [8]byte{0x9a, 0xb4, 0x48, 0x95, 0x35, 0xd3, 0x4f, 0x9c}}
	iidIDXGIOutput1    = comGUID{0x00cddea8, 0x939b, 0x4b83, [8]byte{0xa3, 0x40, 0xa6, 0x85, 0x22, 0x66, 0x66, 0xcc}}
	iidIDXGIResource   = comGUID{0x035f3ab4, 0x482e, 0x4e50, [8]byte{0xb4, 0x1f, 0x8a, 0x7f, 0x8b, 0xd8, 0x96, 0x0b}}
	iidIDXGIResource1  = comGUID{0x30961379, 0x4609, 0x4a41, [8]byte{0x99, 0x8e, 0x54, 0xfe, 0x56, 0x7e, 0xe0, 0xc1}}
	iidIDXGIFactory1   = comGUID{0x770aae78, 0xf26f, 0x4dba, [8]byte{0xa8, 0x29, 0x25, 0x3c, 0x83, 0xd1, 0xb3, 0x87}}
)

type dxgiRational struct {
	Numerator   uint32
	Denominator uint32
}

type dxgiModeDesc struct {
	Width            uint32
	Height           uint32
	RefreshRate      dxgiRational
	Format           uint32
	ScanlineOrdering uint32
	Scaling          uint32
}

type dxgiOutDuplDesc struct {
	ModeDesc                   dxgiModeDesc
	Rotation                   uint32
	DesktopImageInSystemMemory int32
}

type dxgiOutDuplFrameInfo struct {
	LastPresentTime           int64
	LastMouseUpdateTime       int64
	AccumulatedFrames         uint32
	RectsCoalesced            int32
	ProtectedContentMaskedOut int32
	PointerPositionX          int32
	PointerPositionY          int32
	PointerVisible            int32
	TotalMetadataBufferSize   uint32
	PointerShapeBufferSize    uint32
}

type dxgiOutputDesc struct {
	DeviceName        [32]uint16
	Left              int32
	Top               int32
	Right             int32
	Bottom            int32
	AttachedToDesktop int32
	Rotation          uint32
	Monitor           uintptr
}

type d3d11Texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32
	SampleQuality  uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

type d3d11MappedSubresource struct {
	PData      uintptr
	RowPitch   uint32
	DepthPitch uint32
}

// createD3D11Device builds a hardware D3D11 device/context pair, trying
// feature level 11.0 then falling back to 10.0 (the documented fallback
// rule for GPUs/drivers that don't expose the higher level).
func createD3D11Device() (device, context uintptr, err error) {
	for _, level := range []uint32{d3dFeatureLevel11_0, d3dFeatureLevel10_0} {
		fl := level
		var actual uint32
		hr, _, _ := procD3D11CreateDevice.Call(
			0,
			uintptr(d3dDriverTypeHardware),
			0,
			uintptr(d3d11CreateDeviceBGRASupport),
			uintptr(unsafe.Pointer(&fl)),
			1,
			uintptr(d3d11SDKVersion),
			uintptr(unsafe.Pointer(&device)),
			uintptr(unsafe.Pointer(&actual)),
			uintptr(unsafe.Pointer(&context)),
		)
		if int32(hr) >= 0 {
			return device, context, nil
		}
	}
	return 0, 0, fmt.Errorf("D3D11CreateDevice failed at both feature levels 11.0 and 10.0")
}

// createDXGIFactory1 opens the factory used to enumerate adapters by index,
// the only way to reach a non-default GPU ("Adapter<n>_..." device IDs) —
// a device created without specifying an adapter always binds to the
// system's default one, which is what the single-adapter walk in earlier
// revisions of this backend did.
func createDXGIFactory1() (uintptr, error) {
	var factory uintptr
	hr, _, _ := procCreateDXGIFactory1.Call(uintptr(unsafe.Pointer(&iidIDXGIFactory1)), uintptr(unsafe.Pointer(&factory)))
	if int32(hr) < 0 {
		return 0, fmt.Errorf("CreateDXGIFactory1: 0x%08X", uint32(hr))
	}
	return factory, nil
}

// dxgiEnumAdapter resolves adapterIndex to an IDXGIAdapter via
// IDXGIFactory1::EnumAdapters1. The returned interface is also a valid
// IDXGIAdapter1 but only the IDXGIAdapter vtable slots used elsewhere in
// this package (EnumOutputs) are exercised.
func dxgiEnumAdapter(factory uintptr, adapterIndex int) (uintptr, error) {
	var adapter uintptr
	hr, _, _ := syscall.SyscallN(comVtblFn(factory, dxgiFactory1EnumAdapters1), factory, uintptr(adapterIndex), uintptr(unsafe.Pointer(&adapter)))
	if int32(hr) < 0 {
		return 0, fmt.Errorf("IDXGIFactory1::EnumAdapters1(%d): 0x%08X", adapterIndex, uint32(hr))
	}
	return adapter, nil
}

// createD3D11DeviceForAdapter builds a device/context pair bound to a
// specific adapter (as opposed to createD3D11Device's default-adapter
// pick), trying feature level 11.0 then 10.0 same as createD3D11Device.
// D3D_DRIVER_TYPE must be UNKNOWN whenever an explicit adapter is passed.
func createD3D11DeviceForAdapter(adapter uintptr) (device, context uintptr, err error) {
	for _, level := range []uint32{d3dFeatureLevel11_0, d3dFeatureLevel10_0} {
		fl := level
		var actual uint32
		hr, _, _ := procD3D11CreateDevice.Call(
			adapter,
			uintptr(d3dDriverTypeUnknown),
			0,
			uintptr(d3d11CreateDeviceBGRASupport),
			uintptr(unsafe.Pointer(&fl)),
			1,
			uintptr(d3d11SDKVersion),
			uintptr(unsafe.Pointer(&device)),
			uintptr(unsafe.Pointer(&actual)),
			uintptr(unsafe.Pointer(&context)),
		)
		if int32(hr) >= 0 {
			return device, context, nil
		}
	}
	return 0, 0, fmt.Errorf("D3D11CreateDevice(adapter) failed at both feature levels 11.0 and 10.0")
}

// dxgiCreateSharedHandle queries resource for IDXGIResource1 and mints a
// read-only NT shared handle the application can open on another device
// (or process) and must CloseHandle itself — the zero-copy GPU-handle path
// (4.4 "GPU output path" / 4.5 step 3).
func dxgiCreateSharedHandle(resource uintptr) (uintptr, error) {
	var res1 uintptr
	if _, err := comCall(resource, vtblQueryInterface, uintptr(unsafe.Pointer(&iidIDXGIResource1)), uintptr(unsafe.Pointer(&res1))); err != nil {
		return 0, fmt.Errorf("QueryInterface IDXGIResource1: %w", err)
	}
	defer comRelease(res1)

	var handle uintptr
	hr, _, _ := syscall.SyscallN(comVtblFn(res1, dxgiResource1CreateSharedHandle), res1,
		0, uintptr(dxgiSharedResourceRead), 0, uintptr(unsafe.Pointer(&handle)))
	if int32(hr) < 0 {
		return 0, fmt.Errorf("IDXGIResource1::CreateSharedHandle: 0x%08X", uint32(hr))
	}
	return handle, nil
}
