//go:build linux || darwin

package ioloop

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// setSocketOptions prepares a socket for the loop: non-blocking, configured kernel buffer
// sizes and, for TCP, no Nagle delay.
func setSocketOptions(fd int, config LoopConfig, family, sotype int) {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		log.Error().Msgf("[%d] got error while setting socket options O_NONBLOCK: %+v", fd, err)
	}
	if config.SocketRcvBuf > 0 {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, config.SocketRcvBuf)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_RCVBUF: %+v", fd, err)
		}
	}
	if config.SocketSndBuf > 0 {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, config.SocketSndBuf)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_SNDBUF: %+v", fd, err)
		}
	}
	if sotype == unix.SOCK_STREAM && (family == unix.AF_INET || family == unix.AF_INET6) {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			log.Error().Msgf("[%d] got error while setting socket options TCP_NODELAY: %+v", fd, err)
		}
	}
}

func setListenerOptions(fd int, family int) {
	if family != unix.AF_INET && family != unix.AF_INET6 {
		return
	}
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		log.Error().Msgf("[%d] got error while setting socket options SO_REUSEADDR: %+v", fd, err)
	}
}
