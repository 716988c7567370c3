//go:build darwin

package ioloop

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// writev builds the iovec array by hand. Callers pass only non-empty buffers (see gather).
func writev(fd int, iovs [][]byte) (int, error) {
	if len(iovs) == 0 {
		return 0, nil
	}
	vecs := make([]syscall.Iovec, len(iovs))
	for i := range iovs {
		vecs[i].Base = &iovs[i][0]
		vecs[i].SetLen(len(iovs[i]))
	}
	r, _, e := syscall.Syscall(syscall.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&vecs[0])), uintptr(len(vecs)))
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}

func accept(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err = unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}
