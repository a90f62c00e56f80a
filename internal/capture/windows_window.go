//go:build windows

package capture

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"unsafe"
)

// enumerateWindows lists top-level capturable windows: visible, not a
// child, not a tool window, not DWM-cloaked, not owned by this process, and
// carrying a non-empty title — the filter set the Windows Graphics Capture
// target picker documents (4.5 "Enumeration").
func enumerateWindows() ([]DeviceInfo, error) {
	var windows []DeviceInfo
	ownPID := uint32(os.Getpid())

	cb := syscall.NewCallback(func(hwnd uintptr, lparam uintptr) uintptr {
		if vis, _, _ := procIsWindowVisible.Call(hwnd); vis == 0 {
			return 1
		}
		if style, _, _ := procGetWindowLongW.Call(hwnd, uintptr(gwlStyle)); uint32(style)&wsChild != 0 {
			return 1
		}
		if exStyle, _, _ := procGetWindowLongW.Call(hwnd, uintptr(gwlExStyle)); uint32(exStyle)&wsExToolWindow != 0 {
			return 1
		}
		if parent, _, _ := procGetParent.Call(hwnd); parent != 0 {
			return 1
		}

		var cloaked uint32
		procDwmGetWindowAttribute.Call(hwnd, uintptr(dwmwaCloaked), uintptr(unsafe.Pointer(&cloaked)), unsafe.Sizeof(cloaked))
		if cloaked != 0 {
			return 1
		}

		var pid uint32
		procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
		if pid == ownPID {
			return 1
		}

		title := windowTitle(hwnd)
		if title == "" {
			return 1
		}

		windows = append(windows, DeviceInfo{
			ID:   fmt.Sprintf("HWND:0x%X", uint64(hwnd)),
			Name: title,
		})
		return 1
	})

	procEnumWindows.Call(cb, 0)
	return windows, nil
}

func windowTitle(hwnd uintptr) string {
	buf := make([]uint16, 256)
	n, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if n == 0 {
		return ""
	}
	return syscall.UTF16ToString(buf[:n])
}

// parseWindowTarget parses the documented "HWND:0x<hex>" window device ID
// (4.5/§6) back into the native HWND value.
func parseWindowTarget(id string) (uintptr, error) {
	s := id
	if len(s) > 5 && s[:5] == "HWND:" {
		s = s[5:]
	}
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	h, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, newError(ErrInvalidArg, fmt.Sprintf("invalid window target %q, want \"HWND:0x<hex>\"", id), err)
	}
	return uintptr(h), nil
}
