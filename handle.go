//go:build linux || darwin

package ioloop

import (
	"net"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateListening
	StateFailed
	StateClosing
	StateClosed
)

var stateNames = [...]string{"uninitialized", "connecting", "connected", "listening", "failed", "closing", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Handle is one socket and its I/O state. Every method must be called on the loop
// goroutine (or before Run starts).
type Handle struct {
	id            HandleID
	loop          *Loop
	fd            int
	sotype        int
	state         State
	readHandler   ReadHandler
	acceptHandler AcceptHandler
	closeHandler  CloseHandler
	connectReq    *ConnectRequest
	readArmed     bool
	writeArmed    bool
	readDone      bool
	writeQueue    *queue.Queue
	writeErr      error
	stats         HandleStats
	data          interface{}
}

func (h *Handle) ID() HandleID {
	return h.id
}

func (h *Handle) FD() int {
	return h.fd
}

func (h *Handle) Loop() *Loop {
	return h.loop
}

func (h *Handle) State() State {
	return h.state
}

// Datagram reports whether the socket preserves message boundaries.
func (h *Handle) Datagram() bool {
	return h.sotype == unix.SOCK_DGRAM
}

// QueueLen is the number of write buckets waiting on the handle.
func (h *Handle) QueueLen() int {
	return h.writeQueue.Length()
}

func (h *Handle) ReadArmed() bool {
	return h.readArmed
}

func (h *Handle) WriteArmed() bool {
	return h.writeArmed
}

func (h *Handle) Stats() HandleStats {
	return h.stats
}

// SetData attaches an application value to the handle.
func (h *Handle) SetData(v interface{}) {
	h.data = v
}

func (h *Handle) Data() interface{} {
	return h.data
}

// LocalAddr returns the address the socket is bound to.
func (h *Handle) LocalAddr() net.Addr {
	sa, err := unix.Getsockname(h.fd)
	if err != nil {
		return nil
	}
	return addrOf(sa, h.sotype)
}

// RemoteAddr returns the peer address of a connected socket.
func (h *Handle) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(h.fd)
	if err != nil {
		return nil
	}
	return addrOf(sa, h.sotype)
}

// Connect starts a non-blocking connect to addr. handler receives the outcome exactly once,
// from the loop, never from within Connect.
func (h *Handle) Connect(addr net.Addr, handler ConnectHandler) (*ConnectRequest, error) {
	if h.connectReq != nil {
		return nil, ErrAlreadyConnecting
	}
	if h.state != StateUninitialized {
		return nil, invalidState("connect", h.state)
	}
	sa, _, _, err := sockaddrOf(addr)
	if err != nil {
		return nil, err
	}
	req := &ConnectRequest{
		handle:  h,
		addr:    addr,
		handler: handler,
		tick:    h.loop.tick,
	}
	err = h.loop.sys.connect(h.fd, sa)
	switch {
	case err == nil:
		req.local = true
	case err == unix.EINPROGRESS || err == unix.EINTR:
	default:
		req.local = true
		req.err = err
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] connecting to %s local:%t", h.fd, addr, req.local)
	}
	h.connectReq = req
	h.state = StateConnecting
	if err = h.syncWatchers(); err != nil {
		h.connectReq = nil
		h.state = StateFailed
		return nil, err
	}
	return req, nil
}

// SetReadHandler registers the read handler. Reading starts once the handle is connected.
// A nil handler stops reading.
func (h *Handle) SetReadHandler(handler ReadHandler) error {
	switch h.state {
	case StateUninitialized, StateConnecting, StateConnected:
	default:
		return invalidState("read", h.state)
	}
	h.readHandler = handler
	return h.syncWatchers()
}

// Write queues bufs as one bucket. The bucket completes after every byte has been accepted
// by the OS; buckets complete in the order they were written.
func (h *Handle) Write(bufs []Buf, handler WriteHandler) (*WriteBucket, error) {
	switch h.state {
	case StateConnecting, StateConnected:
	default:
		return nil, invalidState("write", h.state)
	}
	if h.writeErr != nil {
		return nil, errors.Wrapf(ErrInvalidState, "write after failure: %v", h.writeErr)
	}
	b := newWriteBucket(h, bufs, handler)
	if h.state == StateConnected && !h.writeArmed {
		if err := h.watch(InterestWrite); err != nil {
			return nil, err
		}
	}
	h.writeQueue.Add(b)
	return b, nil
}

// Close releases the handle. Before it returns, a pending connect and every queued bucket
// receive ErrCancelled in the order they were issued, then the close handler is invoked.
// A nil handler keeps the one set by SetCloseHandler.
func (h *Handle) Close(handler CloseHandler) error {
	if h.state == StateClosing || h.state == StateClosed {
		return invalidState("close", h.state)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] closing %s handle, %d queued writes", h.fd, h.state, h.writeQueue.Length())
	}
	if handler != nil {
		h.closeHandler = handler
	}
	h.state = StateClosing
	if err := h.syncWatchers(); err != nil {
		log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", h.fd, err)
	}
	if req := h.connectReq; req != nil {
		h.connectReq = nil
		req.finish(ErrCancelled)
	}
	h.failQueue(ErrCancelled)
	if err := h.loop.sys.close(h.fd); err != nil {
		log.Error().Msgf("[%d] got error while closing socket: %+v", h.fd, err)
	}
	h.state = StateClosed
	h.readHandler = nil
	h.acceptHandler = nil
	h.loop.registry.remove(h)
	h.loop.stats.HandlesClosed++
	if h.closeHandler != nil {
		h.closeHandler.OnClose(h)
	}
	return nil
}

// SetCloseHandler registers the handler invoked when the handle reaches CLOSED, including
// a forced close at loop shutdown.
func (h *Handle) SetCloseHandler(handler CloseHandler) {
	h.closeHandler = handler
}

// onWritable handles write readiness: connect completion or a drain pass.
func (h *Handle) onWritable() {
	switch h.state {
	case StateConnecting:
		h.completeConnect()
	case StateConnected:
		h.drain()
	}
}

func (h *Handle) completeConnect() {
	req := h.connectReq
	if req == nil || req.tick == h.loop.tick {
		// the readiness was collected before the connect was issued
		return
	}
	err := req.err
	if err == nil {
		err = h.loop.sys.socketError(h.fd)
	}
	h.connectReq = nil
	if err != nil {
		cerr := &ConnectError{Addr: req.addr, Err: err}
		log.Debug().Msgf("[%d] %v", h.fd, cerr)
		h.state = StateFailed
		h.writeErr = cerr
		if err := h.syncWatchers(); err != nil {
			log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", h.fd, err)
		}
		req.finish(cerr)
		h.failQueue(cerr)
		return
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] connected to %s", h.fd, req.addr)
	}
	h.state = StateConnected
	if err := h.syncWatchers(); err != nil {
		h.failWrites(&IOError{Op: "watch", Err: err})
	}
	req.finish(nil)
}

// onReadable handles read readiness: accepting on listeners, one read otherwise.
func (h *Handle) onReadable() {
	switch h.state {
	case StateListening:
		h.acceptPending()
		return
	case StateConnected:
	default:
		return
	}
	handler := h.readHandler
	if handler == nil || h.readDone {
		return
	}
	buf := h.loop.alloc.Alloc(h, h.loop.config.ReadBufferSize)
	if len(buf) == 0 {
		h.stopReading()
		handler.OnRead(h, nil, &IOError{Op: "alloc", Err: unix.ENOBUFS})
		return
	}
	n, err := h.loop.sys.read(h.fd, buf)
	h.stats.ReadCalls++
	switch {
	case err == nil && n > 0:
		h.stats.BytesRead += uint64(n)
		h.loop.stats.BytesRead += uint64(n)
		handler.OnRead(h, buf[:n], nil)
	case err == nil:
		if h.Datagram() {
			return
		}
		h.stopReading()
		handler.OnRead(h, nil, errEOF)
	case err == ErrWouldBlock:
	default:
		if !h.Datagram() {
			h.stopReading()
		}
		handler.OnRead(h, nil, &IOError{Op: "read", Err: err})
	}
}

func (h *Handle) stopReading() {
	h.readDone = true
	if err := h.syncWatchers(); err != nil {
		log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", h.fd, err)
	}
}

// syncWatchers arms or disarms both watchers to match the handle state.
func (h *Handle) syncWatchers() error {
	var wantRead, wantWrite bool
	switch h.state {
	case StateConnecting:
		wantWrite = true
	case StateConnected:
		wantRead = h.readHandler != nil && !h.readDone
		wantWrite = h.writeQueue.Length() > 0
	case StateListening:
		wantRead = h.acceptHandler != nil
	}
	var add, del Interest
	if wantRead != h.readArmed {
		if wantRead {
			add |= InterestRead
		} else {
			del |= InterestRead
		}
	}
	if wantWrite != h.writeArmed {
		if wantWrite {
			add |= InterestWrite
		} else {
			del |= InterestWrite
		}
	}
	var err error
	if del != 0 {
		err = h.unwatch(del)
	}
	if add != 0 {
		if werr := h.watch(add); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (h *Handle) watch(in Interest) error {
	wasArmed := h.readArmed || h.writeArmed
	if err := h.loop.reactor.Watch(h.fd, in); err != nil {
		return errors.Wrapf(err, "watch %s", in)
	}
	if in&InterestRead != 0 {
		h.readArmed = true
	}
	if in&InterestWrite != 0 {
		h.writeArmed = true
	}
	if !wasArmed {
		h.loop.registry.armed++
	}
	return nil
}

// unwatch always clears the armed flags, the fd is unusable for those events either way.
func (h *Handle) unwatch(in Interest) error {
	wasArmed := h.readArmed || h.writeArmed
	err := h.loop.reactor.Unwatch(h.fd, in)
	if in&InterestRead != 0 {
		h.readArmed = false
	}
	if in&InterestWrite != 0 {
		h.writeArmed = false
	}
	if wasArmed && !h.readArmed && !h.writeArmed {
		h.loop.registry.armed--
	}
	if err != nil {
		return errors.Wrapf(err, "unwatch %s", in)
	}
	return nil
}
