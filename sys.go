//go:build linux || darwin

package ioloop

import (
	"golang.org/x/sys/unix"
)

// sysCalls is the non-blocking syscall surface a Handle drives. EAGAIN surfaces as
// ErrWouldBlock and EINTR is retried.
type sysCalls interface {
	read(fd int, p []byte) (int, error)
	writev(fd int, iovs [][]byte) (int, error)
	connect(fd int, sa unix.Sockaddr) error
	// socketError reports the outcome of a pending connect.
	socketError(fd int) error
	accept(fd int) (int, unix.Sockaddr, error)
	close(fd int) error
}

type unixSys struct{}

func (unixSys) read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

func (unixSys) writev(fd int, iovs [][]byte) (int, error) {
	for {
		n, err := writev(fd, iovs)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

func (unixSys) connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

func (unixSys) socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func (unixSys) accept(fd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := accept(fd)
		switch err {
		case nil:
			return nfd, sa, nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, nil, ErrWouldBlock
		default:
			return -1, nil, err
		}
	}
}

func (unixSys) close(fd int) error {
	return unix.Close(fd)
}
