//go:build windows

package capture

import (
	"fmt"
	"strings"
	"syscall"
	"unsafe"
)

// enumerateMonitors walks every DXGI adapter and every output on it via
// IDXGIFactory1, and returns one DeviceInfo per attached display with ID
// "Adapter<adapter index>_Output<output index>" (4.4/§6's documented
// display device-identifier scheme).
func enumerateMonitors() ([]DeviceInfo, error) {
	factory, err := createDXGIFactory1()
	if err != nil {
		return nil, newError(ErrSystemCallFailed, "CreateDXGIFactory1", err)
	}
	defer comRelease(factory)

	var monitors []DeviceInfo
	for a := 0; ; a++ {
		adapter, err := dxgiEnumAdapter(factory, a)
		if err != nil {
			// EnumAdapters1 returning an error at index a, having succeeded
			// for 0..a-1, means the adapter list is exhausted.
			break
		}

		for o := 0; ; o++ {
			var output uintptr
			hr, _, _ := syscall.SyscallN(comVtblFn(adapter, dxgiAdapterEnumOutputs), adapter, uintptr(o), uintptr(unsafe.Pointer(&output)))
			if int32(hr) < 0 {
				if uint32(hr) != dxgiErrNotFound {
					comRelease(adapter)
					return nil, newError(ErrSystemCallFailed, fmt.Sprintf("EnumOutputs(adapter=%d, output=%d): 0x%08X", a, o, uint32(hr)), nil)
				}
				break
			}

			var desc dxgiOutputDesc
			hr, _, _ = syscall.SyscallN(comVtblFn(output, dxgiOutputGetDesc), output, uintptr(unsafe.Pointer(&desc)))
			comRelease(output)
			if int32(hr) < 0 {
				continue
			}
			if desc.AttachedToDesktop == 0 {
				continue
			}

			name := syscall.UTF16ToString(desc.DeviceName[:])
			monitors = append(monitors, DeviceInfo{
				ID:        fmt.Sprintf("Adapter%d_Output%d", a, o),
				Name:      strings.TrimSpace(name),
				IsDefault: desc.Left == 0 && desc.Top == 0,
			})
		}
		comRelease(adapter)
	}

	if len(monitors) == 0 {
		return nil, newError(ErrDeviceNotFound, "no attached displays found", nil)
	}
	return monitors, nil
}

func screenBoundsFor(adapterIdx, outputIdx int) (width, height int, err error) {
	factory, e := createDXGIFactory1()
	if e != nil {
		return 0, 0, e
	}
	defer comRelease(factory)

	adapter, e := dxgiEnumAdapter(factory, adapterIdx)
	if e != nil {
		return 0, 0, e
	}
	defer comRelease(adapter)

	var output uintptr
	if _, e = comCall(adapter, dxgiAdapterEnumOutputs, uintptr(outputIdx), uintptr(unsafe.Pointer(&output))); e != nil {
		return 0, 0, e
	}
	defer comRelease(output)

	var desc dxgiOutputDesc
	hr, _, _ := syscall.SyscallN(comVtblFn(output, dxgiOutputGetDesc), output, uintptr(unsafe.Pointer(&desc)))
	if int32(hr) < 0 {
		return 0, 0, fmt.Errorf("GetDesc: 0x%08X", uint32(hr))
	}
	return int(desc.Right - desc.Left), int(desc.Bottom - desc.Top), nil
}
