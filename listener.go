//go:build linux || darwin

package ioloop

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	defBacklog         = 128
	maxAcceptsPerEvent = 16
)

// Listen binds a stream socket to addr and accepts connections into CONNECTED handles
// handed to handler. Close the returned handle to stop listening.
func (l *Loop) Listen(addr net.Addr, backlog int, handler AcceptHandler) (*Handle, error) {
	if handler == nil {
		return nil, errors.New("listen: nil accept handler")
	}
	sa, family, sotype, err := sockaddrOf(addr)
	if err != nil {
		return nil, err
	}
	if sotype != unix.SOCK_STREAM {
		return nil, errors.Wrapf(ErrUnsupportedAddr, "listen on %s", addr.Network())
	}
	fd, err := newSocket(family, sotype)
	if err != nil {
		return nil, err
	}
	setListenerOptions(fd, family)
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if backlog <= 0 {
		backlog = defBacklog
	}
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	h, err := l.open(fd, sotype, StateListening)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	h.acceptHandler = handler
	if err = h.syncWatchers(); err != nil {
		h.Close(nil)
		return nil, err
	}
	log.Info().Msgf("[%d] listening on %s", fd, h.LocalAddr())
	return h, nil
}

func (h *Handle) acceptPending() {
	for i := 0; i < maxAcceptsPerEvent && h.state == StateListening; i++ {
		nfd, _, err := h.loop.sys.accept(h.fd)
		if err == ErrWouldBlock {
			return
		}
		if err != nil {
			log.Error().Msgf("[%d] got error while accept connection: %+v", h.fd, err)
			h.acceptHandler.OnAccept(h, nil, &IOError{Op: "accept", Err: err})
			return
		}
		setSocketOptions(nfd, h.loop.config, socketFamily(nfd), h.sotype)
		client, err := h.loop.open(nfd, h.sotype, StateConnected)
		if err != nil {
			h.loop.sys.close(nfd)
			h.acceptHandler.OnAccept(h, nil, err)
			continue
		}
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] accepted fd %d from %s", h.fd, nfd, client.RemoteAddr())
		}
		h.acceptHandler.OnAccept(h, client, nil)
	}
}
