// Package orchestrator wires the broker, connection state machine, I/O
// pattern state machine, I/O engine, rate-limit policy, connection-id
// registry and wire codec into running TCP/UDP connections for the client
// and server roles (SPEC_FULL.md §13). The state-machine packages
// themselves stay protocol-agnostic; this package is where "what a
// connection actually does" — dial or accept, which socket calls, which
// direction of bytes — gets decided from an internal/config.Options.
package orchestrator

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anvil-labs/trafficgen/internal/wire"
)

// TCPSocket adapts a net.Conn (already connected/accepted) to
// ioengine.Socket. No framing: TCP payload bytes are position-based per
// spec.md §6.
type TCPSocket struct {
	conn net.Conn
}

func NewTCPSocket(conn net.Conn) *TCPSocket { return &TCPSocket{conn: conn} }

func (s *TCPSocket) Send(buf []byte) (int, error) { return s.conn.Write(buf) }
func (s *TCPSocket) Recv(buf []byte) (int, error) { return s.conn.Read(buf) }

// Shutdown implements spec.md §6's client teardown split: graceful
// half-closes (server observes the FIN via a zero-byte read), hard
// abortive-closes by disabling the linger delay so the kernel sends a
// reset instead of flushing and FIN-ing.
func (s *TCPSocket) Shutdown(graceful bool) error {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return s.conn.Close()
	}
	if graceful {
		return tc.CloseWrite()
	}
	if err := tc.SetLinger(0); err != nil {
		return err
	}
	return tc.Close()
}

// UDPSocket wraps a connected net.Conn (client-dialed *net.UDPConn, or a
// server-side per-source *udpConn) and applies the media-stream data-frame
// header from spec.md §6 transparently: the IOPSM and I/O engine above it
// only ever see plain payload byte counts, never the sequence/perf-counter
// header.
type UDPSocket struct {
	conn    net.Conn
	seq     int64
	scratch []byte
}

func NewUDPSocket(conn net.Conn) *UDPSocket {
	return &UDPSocket{conn: conn, scratch: make([]byte, wire.MaxDatagramSize)}
}

func (s *UDPSocket) Send(buf []byte) (int, error) {
	seq := atomic.AddInt64(&s.seq, 1)
	now := time.Now()
	n, err := wire.EncodeDataFrame(s.scratch, seq, now.UnixNano(), int64(time.Second), buf)
	if err != nil {
		return 0, err
	}
	if _, err := s.conn.Write(s.scratch[:n]); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (s *UDPSocket) Recv(buf []byte) (int, error) {
	n, err := s.conn.Read(s.scratch)
	if err != nil {
		return 0, err
	}
	frame, err := wire.DecodeDataFrame(s.scratch[:n])
	if err != nil {
		return 0, err
	}
	return copy(buf, frame.Payload), nil
}

// Shutdown for UDP is always a bare close: there is no FIN/RST distinction
// on a connectionless transport.
func (s *UDPSocket) Shutdown(bool) error { return s.conn.Close() }

// udpListener demultiplexes one shared net.PacketConn into per-source-
// address net.Conn values so the server side of a UDP media stream can
// reuse internal/acceptpool exactly as the TCP server does: a fresh
// datagram source is presented as a newly Accept()-able connection, and
// subsequent datagrams from that source are routed to it instead of
// generating a second Accept.
type udpListener struct {
	pc net.PacketConn

	mu     sync.Mutex
	conns  map[string]*udpConn
	closed bool

	accept chan *udpConn
	done   chan struct{}
}

func newUDPListener(pc net.PacketConn) *udpListener {
	l := &udpListener{
		pc:     pc,
		conns:  make(map[string]*udpConn),
		accept: make(chan *udpConn, 64),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *udpListener) readLoop() {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := l.pc.ReadFrom(buf)
		if err != nil {
			close(l.accept)
			return
		}
		data := append([]byte(nil), buf[:n]...)

		key := addr.String()
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		c, ok := l.conns[key]
		if !ok {
			c = newUDPConn(l.pc, addr, l)
			l.conns[key] = c
		}
		l.mu.Unlock()

		if !ok {
			c.deliver(data)
			select {
			case l.accept <- c:
			case <-l.done:
				return
			}
			continue
		}
		c.deliver(data)
	}
}

func (l *udpListener) Accept() (net.Conn, error) {
	c, ok := <-l.accept
	if !ok {
		return nil, fmt.Errorf("orchestrator: udp listener closed")
	}
	return c, nil
}

func (l *udpListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	return l.pc.Close()
}

func (l *udpListener) Addr() net.Addr { return l.pc.LocalAddr() }

func (l *udpListener) forget(addr net.Addr) {
	l.mu.Lock()
	delete(l.conns, addr.String())
	l.mu.Unlock()
}

// udpConn presents one demultiplexed datagram source as a net.Conn so it
// can flow through internal/acceptpool and UDPSocket exactly like a TCP
// connection would.
type udpConn struct {
	pc     net.PacketConn
	remote net.Addr
	owner  *udpListener

	incoming chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPConn(pc net.PacketConn, remote net.Addr, owner *udpListener) *udpConn {
	return &udpConn{pc: pc, remote: remote, owner: owner, incoming: make(chan []byte, 64), closed: make(chan struct{})}
}

// deliver hands one already-demultiplexed datagram to this connection's
// reader. A full buffer drops the datagram rather than blocking the shared
// listener's read loop: a lossy media stream tolerates this the way a real
// UDP path would drop under kernel socket-buffer pressure.
func (c *udpConn) deliver(b []byte) {
	select {
	case c.incoming <- b:
	default:
	}
}

func (c *udpConn) Read(b []byte) (int, error) {
	select {
	case data := <-c.incoming:
		return copy(b, data), nil
	case <-c.closed:
		return 0, fmt.Errorf("orchestrator: udp connection closed")
	}
}

func (c *udpConn) Write(b []byte) (int, error) { return c.pc.WriteTo(b, c.remote) }

func (c *udpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.owner != nil {
			c.owner.forget(c.remote)
		}
	})
	return nil
}

func (c *udpConn) LocalAddr() net.Addr                { return c.pc.LocalAddr() }
func (c *udpConn) RemoteAddr() net.Addr               { return c.remote }
func (c *udpConn) SetDeadline(time.Time) error        { return nil }
func (c *udpConn) SetReadDeadline(time.Time) error    { return nil }
func (c *udpConn) SetWriteDeadline(time.Time) error   { return nil }
