//go:build linux || darwin

package ioloop

import (
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Pump is a collaborator driven by the loop once per iteration, after readiness dispatch.
type Pump interface {
	// Pending reports whether the pump has outstanding work that keeps the loop alive.
	Pending() bool
	// Deadline is the next time the pump needs to run, if any.
	Deadline() (time.Time, bool)
	Pump(now time.Time)
}

type Option func(*Loop)

// WithAllocator sets where read buffers come from.
func WithAllocator(alloc Allocator) Option {
	return func(l *Loop) {
		l.alloc = alloc
	}
}

// WithReactor replaces the platform readiness primitive.
func WithReactor(reactor Reactor) Option {
	return func(l *Loop) {
		l.reactor = reactor
	}
}

func withSys(sys sysCalls) Option {
	return func(l *Loop) {
		l.sys = sys
	}
}

// Loop is a single-goroutine reactor. It owns the registry of handles; all handle
// operations and callbacks happen on the goroutine running it.
type Loop struct {
	Name          string
	config        LoopConfig
	isRunning     *atomic.Bool
	stopRequested *atomic.Bool
	closed        bool
	reactor       Reactor
	sys           sysCalls
	alloc         Allocator
	registry      *Registry
	pumps         []Pump
	tick          uint64
	iovs          [][]byte
	stats         LoopStats
}

func NewLoop(config LoopConfig, opts ...Option) (*Loop, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	if config.MaxOpenFiles > 0 {
		raiseOpenFilesLimit(config.MaxOpenFiles)
	}
	l := &Loop{
		Name:          config.Name,
		config:        config,
		isRunning:     atomic.NewBool(false),
		stopRequested: atomic.NewBool(false),
		sys:           unixSys{},
		alloc:         heapAllocator{},
		registry:      newRegistry(),
		iovs:          make([][]byte, 0, 16),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.reactor == nil {
		reactor, err := openReactor(config.EventBufferSize)
		if err != nil {
			log.Error().Msgf("can't open poller: %+v", err)
			return nil, err
		}
		l.reactor = reactor
	}
	return l, nil
}

func (l *Loop) Config() LoopConfig {
	return l.config
}

func (l *Loop) Registry() *Registry {
	return l.registry
}

// Open wraps an existing descriptor in an UNINITIALIZED handle, ready for Connect.
func (l *Loop) Open(fd int) (*Handle, error) {
	return l.openFd(fd, StateUninitialized)
}

// OpenStream wraps a descriptor that is already connected, such as one end of a socketpair.
func (l *Loop) OpenStream(fd int) (*Handle, error) {
	return l.openFd(fd, StateConnected)
}

func (l *Loop) openFd(fd int, state State) (*Handle, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("fcntl", err)
	}
	sotype, err := socketType(fd)
	if err != nil {
		// pipes and other non-sockets behave as streams
		sotype = unix.SOCK_STREAM
	}
	return l.open(fd, sotype, state)
}

func (l *Loop) open(fd, sotype int, state State) (*Handle, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	h := &Handle{
		loop:       l,
		fd:         fd,
		sotype:     sotype,
		state:      state,
		writeQueue: queue.New(),
	}
	id, err := l.registry.add(h)
	if err != nil {
		return nil, err
	}
	h.id = id
	l.stats.HandlesOpened++
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] opened %s handle %d", fd, state, id)
	}
	return h, nil
}

// Dial creates a socket suited to addr and connects it. The handle is returned even though
// the connect completes later through handler.
func (l *Loop) Dial(addr net.Addr, handler ConnectHandler) (*Handle, *ConnectRequest, error) {
	_, family, sotype, err := sockaddrOf(addr)
	if err != nil {
		return nil, nil, err
	}
	fd, err := newSocket(family, sotype)
	if err != nil {
		return nil, nil, err
	}
	setSocketOptions(fd, l.config, family, sotype)
	h, err := l.open(fd, sotype, StateUninitialized)
	if err != nil {
		unix.Close(fd)
		return nil, nil, err
	}
	req, err := h.Connect(addr, handler)
	if err != nil {
		h.Close(nil)
		return nil, nil, err
	}
	return h, req, nil
}

func (l *Loop) AddPump(p Pump) {
	l.pumps = append(l.pumps, p)
}

func (l *Loop) RemovePump(p Pump) {
	for i, cur := range l.pumps {
		if cur == p {
			l.pumps = append(l.pumps[:i], l.pumps[i+1:]...)
			return
		}
	}
}

// Alive reports whether any handle is armed or any pump has pending work.
func (l *Loop) Alive() bool {
	if l.registry.Armed() > 0 {
		return true
	}
	for _, p := range l.pumps {
		if p.Pending() {
			return true
		}
	}
	return false
}

// Run drives the loop until nothing is armed or Stop is called.
func (l *Loop) Run() error {
	if l.closed {
		return ErrLoopClosed
	}
	if !l.isRunning.CAS(false, true) {
		return ErrLoopRunning
	}
	defer l.isRunning.Store(false)
	if l.config.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for !l.stopRequested.Load() && l.Alive() {
		evCount, err := l.runOnce(l.nextTimeout())
		if err != nil {
			log.Error().Msgf("got error while waiting for the net events: %+v", err)
			return err
		}
		if log.Debug().Enabled() {
			log.Debug().Msgf("processed %d netpoll events", evCount)
		}
	}
	l.stopRequested.Store(false)
	return nil
}

// Poll runs a single iteration, waiting at most timeout for readiness.
func (l *Loop) Poll(timeout time.Duration) (int, error) {
	if l.closed {
		return 0, ErrLoopClosed
	}
	if !l.isRunning.CAS(false, true) {
		return 0, ErrLoopRunning
	}
	defer l.isRunning.Store(false)
	return l.runOnce(timeout)
}

// Stop asks a running loop to return. It is safe to call from any goroutine.
func (l *Loop) Stop() {
	l.stopRequested.Store(true)
	if err := l.reactor.Wakeup(); err != nil {
		log.Error().Msgf("got error while waking up event loop: %+v", err)
	}
}

func (l *Loop) runOnce(timeout time.Duration) (int, error) {
	l.tick++
	l.stats.Iterations++
	evCount, err := l.reactor.Wait(timeout, l.dispatch)
	l.stats.Events += uint64(evCount)
	if err != nil {
		return evCount, err
	}
	l.runPumps()
	return evCount, nil
}

func (l *Loop) dispatch(fd int, ready Interest) {
	h, ok := l.registry.lookupFd(fd)
	if !ok {
		if err := l.reactor.Unwatch(fd, InterestRead|InterestWrite); err != nil {
			log.Debug().Msgf("[%d] error occurs while detaching fd from netpoll: %v", fd, err)
		}
		return
	}
	if ready&InterestWrite != 0 && h.writeArmed {
		h.onWritable()
	}
	if ready&InterestRead != 0 && h.readArmed {
		h.onReadable()
	}
}

func (l *Loop) runPumps() {
	if len(l.pumps) == 0 {
		return
	}
	now := time.Now()
	for _, p := range append([]Pump(nil), l.pumps...) {
		p.Pump(now)
	}
}

func (l *Loop) nextTimeout() time.Duration {
	var next time.Time
	found := false
	for _, p := range l.pumps {
		deadline, ok := p.Deadline()
		if !ok {
			continue
		}
		if !found || deadline.Before(next) {
			next, found = deadline, true
		}
	}
	if !found {
		return -1
	}
	timeout := time.Until(next)
	if timeout < 0 {
		return 0
	}
	return timeout
}

// Close shuts the loop down: pumps are closed, every remaining handle is force closed and
// the reactor is released. It must not be called while the loop is running.
func (l *Loop) Close() error {
	if l.isRunning.Load() {
		return ErrLoopRunning
	}
	if l.closed {
		return ErrLoopClosed
	}
	l.closed = true
	for _, p := range append([]Pump(nil), l.pumps...) {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Error().Msgf("got error while closing pump: %+v", err)
			}
		}
	}
	l.pumps = nil
	handles := l.registry.Handles()
	if len(handles) > 0 {
		log.Info().Msgf("event loop %s: force closing %d handles", l.Name, len(handles))
	}
	for _, h := range handles {
		if h.state != StateClosing && h.state != StateClosed {
			h.Close(nil)
		}
	}
	l.logStats()
	return l.reactor.Close()
}
