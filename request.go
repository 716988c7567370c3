//go:build linux || darwin

package ioloop

import (
	"net"
)

// ConnectRequest is the in-flight record of a connect. A handle holds at most one.
type ConnectRequest struct {
	handle  *Handle
	addr    net.Addr
	local   bool
	err     error  // outcome already known when connect(2) returned
	tick    uint64 // loop iteration the request was issued in
	handler ConnectHandler
	done    bool
}

// Handle returns the connecting handle.
func (r *ConnectRequest) Handle() *Handle {
	return r.handle
}

// Addr returns the remote address.
func (r *ConnectRequest) Addr() net.Addr {
	return r.addr
}

// Local reports whether the OS settled the connect synchronously (loopback, datagram or an
// immediate refusal). The outcome is still delivered on the next writability event.
func (r *ConnectRequest) Local() bool {
	return r.local
}

func (r *ConnectRequest) finish(err error) {
	if r.done {
		return
	}
	r.done = true
	if r.handler != nil {
		r.handler.OnConnect(r, err)
	}
}
