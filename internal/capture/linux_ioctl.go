//go:build linux

package capture

import "golang.org/x/sys/unix"

// ioctlPtr is the thin raw-syscall wrapper DMA-BUF sync needs: the ioctl
// constant isn't part of golang.org/x/sys/unix's generated set (it's a
// newer DRM uapi addition), so we issue it directly instead of adding a
// cgo dependency just for one ioctl number.
func ioctlPtr(fd uintptr, req uintptr, arg uintptr) (uintptr, uintptr, error) {
	r1, r2, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return r1, r2, errno
	}
	return r1, r2, nil
}
