//go:build darwin

package ioloop

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// KqueuePoller is the kqueue Reactor. Read and write interest map onto the EVFILT_READ and
// EVFILT_WRITE filters of the same ident.
type KqueuePoller struct {
	fd       int
	wakeRd   int
	wakeWr   int
	events   []unix.Kevent_t
	changes  []unix.Kevent_t
	interest map[int]Interest
}

func openReactor(eventsBufferSize int) (Reactor, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	var pipe [2]int
	if err = unix.Pipe(pipe[:]); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, pfd := range pipe {
		unix.CloseOnExec(pfd)
		if err = unix.SetNonblock(pfd, true); err != nil {
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			unix.Close(fd)
			return nil, os.NewSyscallError("fcntl", err)
		}
	}
	if eventsBufferSize < defEventsBufferSize {
		eventsBufferSize = defEventsBufferSize
	}
	p := &KqueuePoller{
		fd:       fd,
		wakeRd:   pipe[0],
		wakeWr:   pipe[1],
		events:   make([]unix.Kevent_t, eventsBufferSize),
		interest: make(map[int]Interest),
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, p.wakeRd, unix.EVFILT_READ, unix.EV_ADD)
	if _, err = unix.Kevent(fd, []unix.Kevent_t{ev}, nil, nil); err != nil {
		p.Close()
		return nil, os.NewSyscallError("kevent add", err)
	}
	return p, nil
}

func (p *KqueuePoller) Close() error {
	for _, fd := range []int{p.wakeRd, p.wakeWr} {
		if err := unix.Close(fd); err != nil {
			log.Error().Msgf("got error while closing wakeup pipe: %+v", err)
		}
	}
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *KqueuePoller) Watch(fd int, in Interest) error {
	cur := p.interest[fd]
	add := in &^ cur
	if add == 0 {
		return nil
	}
	if err := p.apply(fd, add, unix.EV_ADD); err != nil {
		return os.NewSyscallError("kevent add", err)
	}
	p.interest[fd] = cur | add
	return nil
}

func (p *KqueuePoller) Unwatch(fd int, in Interest) error {
	cur := p.interest[fd]
	del := in & cur
	if del == 0 {
		return nil
	}
	next := cur &^ del
	if next == 0 {
		delete(p.interest, fd)
	} else {
		p.interest[fd] = next
	}
	if err := p.apply(fd, del, unix.EV_DELETE); err != nil {
		return os.NewSyscallError("kevent delete", err)
	}
	return nil
}

func (p *KqueuePoller) apply(fd int, in Interest, flags int) error {
	p.changes = p.changes[:0]
	if in&InterestRead != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, flags)
		p.changes = append(p.changes, ev)
	}
	if in&InterestWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, flags)
		p.changes = append(p.changes, ev)
	}
	_, err := unix.Kevent(p.fd, p.changes, nil, nil)
	return err
}

func (p *KqueuePoller) Wait(timeout time.Duration, fn func(fd int, ready Interest)) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	evCount, err := unix.Kevent(p.fd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent wait", err)
	}
	dispatched := 0
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		fd := int(event.Ident)
		if fd == p.wakeRd {
			p.drainWakeup()
			continue
		}
		var ready Interest
		switch event.Filter {
		case unix.EVFILT_READ:
			ready = InterestRead
		case unix.EVFILT_WRITE:
			ready = InterestWrite
		}
		if event.Flags&unix.EV_ERROR != 0 {
			ready = InterestRead | InterestWrite
		}
		dispatched++
		fn(fd, ready)
	}
	return dispatched, nil
}

func (p *KqueuePoller) Wakeup() error {
	_, err := unix.Write(p.wakeWr, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write pipe", err)
	}
	return nil
}

func (p *KqueuePoller) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeRd, buf[:])
		if n <= 0 && err != unix.EINTR {
			return
		}
	}
}
