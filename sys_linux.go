//go:build linux

package ioloop

import (
	"golang.org/x/sys/unix"
)

func writev(fd int, iovs [][]byte) (int, error) {
	return unix.Writev(fd, iovs)
}

func accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}
