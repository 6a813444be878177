// Package sockopts wires the option flags enumerated in spec.md §6 to real
// platform socket options. Each wired flag has exactly one call site here;
// MsgWaitAll is carried in Flags but not applied to the socket.
// HandleInlineIocp and NonBlockingIo are IOCP-specific concepts with no
// analogue over Go's net package and are deliberately left unwired (see
// internal/config, which documents that explicitly instead of silently
// dropping the fields).
package sockopts

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Flags mirrors the boolean option flags from spec.md §6's Options struct.
type Flags struct {
	LoopbackFastPath       bool
	Keepalive              bool
	ReuseUnicastPort       bool
	SetRecvBuf             int // 0 means leave the platform default
	SetSendBuf             int
	EnableCircularQueueing bool // UDP only: SO_REUSEPORT-style receive buffer reuse across listeners
	MsgWaitAll             bool // not a socket option; carried from config, but nothing reads it
	OutgoingIfIndex        int  // 0 means unset
}

// controlFor returns a net.ListenConfig/net.Dialer-compatible Control
// function that applies every wired flag to the raw file descriptor before
// bind/connect.
func controlFor(f Flags) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var applyErr error
		err := c.Control(func(fd uintptr) {
			applyErr = apply(int(fd), network, f)
		})
		if err != nil {
			return err
		}
		return applyErr
	}
}

func apply(fd int, network string, f Flags) error {
	if f.ReuseUnicastPort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("sockopts: SO_REUSEPORT: %w", err)
		}
	}
	if f.SetRecvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, f.SetRecvBuf); err != nil {
			return fmt.Errorf("sockopts: SO_RCVBUF: %w", err)
		}
	}
	if f.SetSendBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, f.SetSendBuf); err != nil {
			return fmt.Errorf("sockopts: SO_SNDBUF: %w", err)
		}
	}
	if isTCP(network) && f.LoopbackFastPath {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return fmt.Errorf("sockopts: TCP_NODELAY (loopback fast path): %w", err)
		}
	}
	if isTCP(network) && f.Keepalive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("sockopts: SO_KEEPALIVE: %w", err)
		}
	}
	if isUDP(network) && f.EnableCircularQueueing {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("sockopts: SO_REUSEPORT (circular queueing): %w", err)
		}
	}
	if f.OutgoingIfIndex > 0 {
		iface, err := net.InterfaceByIndex(f.OutgoingIfIndex)
		if err != nil {
			return fmt.Errorf("sockopts: resolving OutgoingIfIndex %d: %w", f.OutgoingIfIndex, err)
		}
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface.Name); err != nil {
			return fmt.Errorf("sockopts: SO_BINDTODEVICE(%s): %w", iface.Name, err)
		}
	}
	return nil
}

func isTCP(network string) bool {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return true
	default:
		return false
	}
}

func isUDP(network string) bool {
	switch network {
	case "udp", "udp4", "udp6":
		return true
	default:
		return false
	}
}

// Dialer builds a net.Dialer that applies f to the outgoing socket before
// connect(), plus optional local port binding for LocalPortLow/High.
func Dialer(f Flags, localAddr net.Addr) *net.Dialer {
	return &net.Dialer{
		Control:   controlFor(f),
		LocalAddr: localAddr,
	}
}

// ListenConfig builds a net.ListenConfig that applies f to the listening
// socket before bind().
func ListenConfig(f Flags) net.ListenConfig {
	return net.ListenConfig{Control: controlFor(f)}
}
