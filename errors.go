//go:build linux || darwin

package ioloop

import (
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrWouldBlock never reaches a callback, the handle waits for the next readiness event instead.
	ErrWouldBlock        = errors.New("operation would block")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrCancelled         = errors.New("operation cancelled")
	ErrIO                = errors.New("i/o error")
	ErrInvalidState      = errors.New("invalid handle state")
	ErrAlreadyConnecting = errors.New("handle is already connecting")
	ErrFDInUse           = errors.New("fd already owned by a live handle")
	ErrUnsupportedAddr   = errors.New("unsupported address type")
	ErrLoopRunning       = errors.New("loop is already running")
	ErrLoopClosed        = errors.New("loop is closed")
	ErrNoActiveTargets   = errors.New("no active targets")
)

// IOError is an OS failure reported by read, write or accept.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// ConnectError is delivered to a ConnectHandler when the pending connect fails.
type ConnectError struct {
	Addr net.Addr
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Addr == nil {
		return "connect: " + e.Err.Error()
	}
	return "connect " + e.Addr.String() + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectionFailed
}

func invalidState(op string, state State) error {
	return errors.Wrapf(ErrInvalidState, "%s on %s handle", op, state)
}
