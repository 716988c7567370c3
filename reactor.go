package ioloop

import (
	"strings"
	"time"
)

const defEventsBufferSize = 128

// Interest is a set of readiness conditions on a file descriptor.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (i Interest) String() string {
	var parts []string
	if i&InterestRead != 0 {
		parts = append(parts, "read")
	}
	if i&InterestWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Reactor is the readiness notification primitive the loop drives. Notifications are level
// triggered: a ready condition is reported on every Wait until it is consumed or unwatched.
// Error and hangup conditions are reported as both read and write readiness.
type Reactor interface {
	// Watch adds in to the interest set of fd.
	Watch(fd int, in Interest) error
	// Unwatch removes in from the interest set of fd. An empty set deregisters fd.
	Unwatch(fd int, in Interest) error
	// Wait blocks for up to timeout (forever if negative) and calls fn once per ready fd.
	Wait(timeout time.Duration, fn func(fd int, ready Interest)) (int, error)
	// Wakeup interrupts a blocked Wait. It is safe to call from any goroutine.
	Wakeup() error
	Close() error
}

func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	msec := int(timeout / time.Millisecond)
	if timeout%time.Millisecond != 0 {
		msec++
	}
	return msec
}
