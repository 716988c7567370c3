//go:build linux || darwin

package ioloop

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// sockaddrOf converts a Go address into the OS form plus the family and socket type a
// socket needs to reach it.
func sockaddrOf(addr net.Addr) (sa unix.Sockaddr, family int, sotype int, err error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		sa, family, err = inetSockaddr(a.IP, a.Port, a.Zone)
		return sa, family, unix.SOCK_STREAM, err
	case *net.UDPAddr:
		sa, family, err = inetSockaddr(a.IP, a.Port, a.Zone)
		return sa, family, unix.SOCK_DGRAM, err
	case *net.UnixAddr:
		sotype = unix.SOCK_STREAM
		if a.Net == "unixgram" {
			sotype = unix.SOCK_DGRAM
		}
		return &unix.SockaddrUnix{Name: a.Name}, unix.AF_UNIX, sotype, nil
	}
	return nil, 0, 0, errors.Wrapf(ErrUnsupportedAddr, "%T", addr)
}

func inetSockaddr(ip net.IP, port int, zone string) (unix.Sockaddr, int, error) {
	if len(ip) == 0 {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip16)
		if zone != "" {
			if idx, err := strconv.Atoi(zone); err == nil {
				sa.ZoneId = uint32(idx)
			} else if ifi, err := net.InterfaceByName(zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, errors.Wrapf(ErrUnsupportedAddr, "ip %v", ip)
}

// addrOf is the inverse of sockaddrOf for sockets of type sotype.
func addrOf(sa unix.Sockaddr, sotype int) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
		if sotype == unix.SOCK_DGRAM {
			return &net.UDPAddr{IP: ip, Port: a.Port}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		var zone string
		if a.ZoneId != 0 {
			zone = strconv.Itoa(int(a.ZoneId))
		}
		if sotype == unix.SOCK_DGRAM {
			return &net.UDPAddr{IP: ip, Port: a.Port, Zone: zone}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port, Zone: zone}
	case *unix.SockaddrUnix:
		network := "unix"
		if sotype == unix.SOCK_DGRAM {
			network = "unixgram"
		}
		return &net.UnixAddr{Name: a.Name, Net: network}
	}
	return nil
}

// newSocket creates a non-blocking, close-on-exec socket.
func newSocket(family, sotype int) (int, error) {
	fd, err := unix.Socket(family, sotype, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("fcntl", err)
	}
	return fd, nil
}

func socketType(fd int) (int, error) {
	sotype, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return 0, os.NewSyscallError("getsockopt", err)
	}
	return sotype, nil
}

func socketFamily(fd int) int {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return unix.AF_UNSPEC
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	case *unix.SockaddrUnix:
		return unix.AF_UNIX
	}
	return unix.AF_UNSPEC
}
