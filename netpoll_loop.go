//go:build linux

package ioloop

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

// Poller is the epoll Reactor.
type Poller struct {
	fd       int // epoll fd
	wakeFd   int // eventfd used by Wakeup
	events   []unix.EpollEvent
	interest map[int]Interest
}

func openReactor(eventsBufferSize int) (Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Fd: int32(wakeFd), Events: unix.EPOLLIN})
	if err != nil {
		unix.Close(wakeFd)
		unix.Close(fd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	if eventsBufferSize < defEventsBufferSize {
		eventsBufferSize = defEventsBufferSize
	}
	return &Poller{
		fd:       fd,
		wakeFd:   wakeFd,
		events:   make([]unix.EpollEvent, eventsBufferSize),
		interest: make(map[int]Interest),
	}, nil
}

func (p *Poller) Close() error {
	err := unix.Close(p.wakeFd)
	if err != nil {
		log.Error().Msgf("got error while closing eventfd: %+v", err)
	}
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *Poller) Watch(fd int, in Interest) error {
	cur := p.interest[fd]
	next := cur | in
	if next == cur {
		return nil
	}
	op, name := unix.EPOLL_CTL_MOD, "epoll_ctl mod"
	if cur == 0 {
		op, name = unix.EPOLL_CTL_ADD, "epoll_ctl add"
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] watch %s -> %s", fd, cur, next)
	}
	err := unix.EpollCtl(p.fd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(next)})
	if err != nil {
		return os.NewSyscallError(name, err)
	}
	p.interest[fd] = next
	return nil
}

func (p *Poller) Unwatch(fd int, in Interest) error {
	cur, ok := p.interest[fd]
	if !ok {
		return nil
	}
	next := cur &^ in
	if next == cur {
		return nil
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] unwatch %s -> %s", fd, cur, next)
	}
	if next == 0 {
		delete(p.interest, fd)
		err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
		if err != nil {
			return os.NewSyscallError("epoll_ctl del", err)
		}
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(next)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	p.interest[fd] = next
	return nil
}

func (p *Poller) Wait(timeout time.Duration, fn func(fd int, ready Interest)) (int, error) {
	evCount, err := unix.EpollWait(p.fd, p.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	dispatched := 0
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Fd)
		if fd == p.wakeFd {
			p.drainWakeup()
			continue
		}
		var ready Interest
		if event.Events&readEvents != 0 {
			ready |= InterestRead
		}
		if event.Events&writeEvents != 0 {
			ready |= InterestWrite
		}
		if event.Events&errorEvents != 0 {
			ready |= InterestRead | InterestWrite
		}
		dispatched++
		fn(fd, ready)
	}
	return dispatched, nil
}

func (p *Poller) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

func (p *Poller) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func toEpoll(in Interest) uint32 {
	var events uint32
	if in&InterestRead != 0 {
		events |= readEvents
	}
	if in&InterestWrite != 0 {
		events |= writeEvents
	}
	return events
}
