//go:build linux || darwin

package ioloop

// ConnectHandler receives the single terminal outcome of a ConnectRequest.
// err is nil on success, a *ConnectError on failure, or ErrCancelled when the
// handle was closed first.
type ConnectHandler interface {
	OnConnect(req *ConnectRequest, err error)
}

// ReadHandler receives newly read bytes. data is only valid for the duration of the call
// unless the loop Allocator hands out fresh memory. On end of stream err is io.EOF, on
// failure an *IOError; data is nil in both cases.
type ReadHandler interface {
	OnRead(h *Handle, data []byte, err error)
}

// WriteHandler receives the single terminal outcome of a WriteBucket.
type WriteHandler interface {
	OnWrite(b *WriteBucket, err error)
}

// CloseHandler is invoked once the handle reaches CLOSED.
type CloseHandler interface {
	OnClose(h *Handle)
}

// AcceptHandler receives connections accepted by a listening handle.
type AcceptHandler interface {
	OnAccept(server *Handle, client *Handle, err error)
}

type ConnectFunc func(req *ConnectRequest, err error)

func (f ConnectFunc) OnConnect(req *ConnectRequest, err error) { f(req, err) }

type ReadFunc func(h *Handle, data []byte, err error)

func (f ReadFunc) OnRead(h *Handle, data []byte, err error) { f(h, data, err) }

type WriteFunc func(b *WriteBucket, err error)

func (f WriteFunc) OnWrite(b *WriteBucket, err error) { f(b, err) }

type CloseFunc func(h *Handle)

func (f CloseFunc) OnClose(h *Handle) { f(h) }

type AcceptFunc func(server *Handle, client *Handle, err error)

func (f AcceptFunc) OnAccept(server *Handle, client *Handle, err error) { f(server, client, err) }

// Allocator supplies destination memory for reads.
type Allocator interface {
	Alloc(h *Handle, size int) []byte
}

type AllocatorFunc func(h *Handle, size int) []byte

func (f AllocatorFunc) Alloc(h *Handle, size int) []byte { return f(h, size) }

// heapAllocator hands out a fresh slice per read so handlers may retain data.
type heapAllocator struct{}

func (heapAllocator) Alloc(_ *Handle, size int) []byte {
	return make([]byte, size)
}
