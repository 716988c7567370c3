//go:build linux || darwin

package ioloop

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Adopt wraps a duplicate of conn's descriptor in a CONNECTED handle. The caller keeps
// ownership of conn and may close it; the handle owns the duplicate.
func (l *Loop) Adopt(conn syscall.Conn) (*Handle, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "adopt")
	}
	var fd int
	var dupErr error
	err = raw.Control(func(sysfd uintptr) {
		fd, dupErr = unix.Dup(int(sysfd))
	})
	if err != nil {
		return nil, errors.Wrap(err, "adopt")
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("dup", dupErr)
	}
	unix.CloseOnExec(fd)
	h, err := l.OpenStream(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return h, nil
}
