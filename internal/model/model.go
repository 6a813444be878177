// Package model holds the shared data types passed between the broker, the
// connection state machine, the I/O engine and the I/O pattern state
// machine. It intentionally carries no behavior of its own beyond small
// invariant-preserving accessors: the state machines live in their own
// packages and are wired to a *ConnectionDescriptor structurally, through
// the PatternMachine and RateLimiter interfaces below, so this package
// never imports them back.
package model

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol selects the transport a connection runs over.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "UDP"
	}
	return "TCP"
}

// UnmarshalYAML accepts "tcp"/"udp" in all-lowercase or all-uppercase in
// configuration files.
func (p *Protocol) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "tcp", "TCP":
		*p = TCP
	case "udp", "UDP":
		*p = UDP
	default:
		return fmt.Errorf("model: unknown protocol %q", s)
	}
	return nil
}

func (p Protocol) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// IOPattern selects which direction(s) bytes flow once a connection is
// established.
type IOPattern int

const (
	Push IOPattern = iota
	Pull
	PushPull
	Duplex
	MediaStream
)

func (p IOPattern) String() string {
	switch p {
	case Push:
		return "push"
	case Pull:
		return "pull"
	case PushPull:
		return "push_pull"
	case Duplex:
		return "duplex"
	case MediaStream:
		return "media_stream"
	default:
		return "unknown"
	}
}

func (p *IOPattern) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "push":
		*p = Push
	case "pull":
		*p = Pull
	case "push_pull", "pushpull":
		*p = PushPull
	case "duplex":
		*p = Duplex
	case "media_stream", "mediastream":
		*p = MediaStream
	default:
		return fmt.Errorf("model: unknown io pattern %q", s)
	}
	return nil
}

func (p IOPattern) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// TCPShutdownMode selects how the client tears down a TCP connection after
// receiving the completion marker.
type TCPShutdownMode int

const (
	ShutdownServer TCPShutdownMode = iota
	ShutdownGraceful
	ShutdownHard
)

func (s TCPShutdownMode) String() string {
	switch s {
	case ShutdownServer:
		return "server"
	case ShutdownGraceful:
		return "graceful"
	case ShutdownHard:
		return "hard"
	default:
		return "unknown"
	}
}

func (s *TCPShutdownMode) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	switch str {
	case "server":
		*s = ShutdownServer
	case "graceful":
		*s = ShutdownGraceful
	case "hard":
		*s = ShutdownHard
	default:
		return fmt.Errorf("model: unknown tcp shutdown mode %q", str)
	}
	return nil
}

func (s TCPShutdownMode) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// Role distinguishes a client (dials out) from a server (accepts).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// TaskAction is the abstract action an I/O task asks the engine to perform.
type TaskAction int

const (
	ActionSend TaskAction = iota
	ActionRecv
	ActionGracefulShutdown
	ActionHardShutdown
	ActionNone
)

// BufferType tags what an I/O task's buffer is used for, mirroring
// spec.md's connection-id/payload/static distinction so the engine and any
// diagnostics can tell handshake bytes from payload bytes.
type BufferType int

const (
	BufferPayload BufferType = iota
	BufferTCPConnectionID
	BufferUDPConnectionID
	BufferStatic
)

// IOTask is a single unit of work emitted by a pattern state machine and
// consumed exactly once by an I/O engine. It is never retained across
// completions: complete_task always operates on the task that produced it.
type IOTask struct {
	Action     TaskAction
	Buffer     []byte
	Offset     int
	Length     int
	Track      bool // counts toward confirmed/inflight transfer totals
	BufferType BufferType
	Delay      time.Duration // set by the rate-limit policy before issue
}

// Slice returns the portion of Buffer this task actually covers.
func (t IOTask) Slice() []byte {
	return t.Buffer[t.Offset : t.Offset+t.Length]
}

// CSMState is one state of the connection state machine (spec.md §4.4).
type CSMState int

const (
	Initialized CSMState = iota
	Creating
	Created
	Connecting
	Connected
	InitiatingIo
	InitiatedIo
	Closing
	Closed
)

func (s CSMState) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Creating:
		return "Creating"
	case Created:
		return "Created"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case InitiatingIo:
		return "InitiatingIo"
	case InitiatedIo:
		return "InitiatedIo"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// socketValidStates are the CSM states in which the descriptor's socket
// handle is expected to be non-nil (spec.md §3 invariant).
var socketValidStates = map[CSMState]bool{
	Created:      true,
	Connecting:   true,
	Connected:    true,
	InitiatingIo: true,
	InitiatedIo:  true,
	Closing:      true,
}

// SocketValidIn reports whether the socket handle invariant holds for s.
func SocketValidIn(s CSMState) bool {
	return socketValidStates[s]
}

// PatternMachine is the subset of the I/O pattern state machine a
// ConnectionDescriptor needs to reference. Implemented by
// internal/iopattern.Machine.
type PatternMachine interface {
	IsCompleted() bool
	LastError() error
}

// RateLimiter is the subset of the rate-limit policy a ConnectionDescriptor
// needs to reference. Implemented by internal/ratelimit.Policy.
type RateLimiter interface {
	ScheduleSend(size int) time.Duration
}

// ConnectionDescriptor is the per-connection record owned exclusively by
// the broker's pool entry. The I/O engine only ever holds a *Weak handle to
// it (see Weak below) so a late completion on a discarded connection is a
// no-op rather than a dangling access.
type ConnectionDescriptor struct {
	ID         uint64
	Socket     net.Conn // valid iff SocketValidIn(State)
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	Pattern PatternMachine
	Limiter RateLimiter

	inflight  int64 // atomic; count of I/O bytes/ops issued but not completed
	lastErr   atomic.Value
	stateTag  atomic.Int32
	ConnIDSlot []byte // borrowed from the connection-id registry, returned on Closed
	LocalPort  int    // borrowed from a client local-port pool, released on Closed; 0 if none
}

// NewConnectionDescriptor constructs a descriptor in the Initialized state.
func NewConnectionDescriptor(id uint64) *ConnectionDescriptor {
	d := &ConnectionDescriptor{ID: id}
	d.stateTag.Store(int32(Initialized))
	return d
}

func (d *ConnectionDescriptor) State() CSMState {
	return CSMState(d.stateTag.Load())
}

func (d *ConnectionDescriptor) SetState(s CSMState) {
	d.stateTag.Store(int32(s))
}

// IncInflight increments the in-flight I/O counter and returns the new
// value. Monotonic increment/decrement, unsigned by construction (callers
// never let it go negative: DecInflight panics if it would).
func (d *ConnectionDescriptor) IncInflight() int64 {
	return atomic.AddInt64(&d.inflight, 1)
}

func (d *ConnectionDescriptor) DecInflight() int64 {
	v := atomic.AddInt64(&d.inflight, -1)
	if v < 0 {
		panic("model: in-flight counter went negative")
	}
	return v
}

func (d *ConnectionDescriptor) Inflight() int64 {
	return atomic.LoadInt64(&d.inflight)
}

func (d *ConnectionDescriptor) SetLastError(err error) {
	if err == nil {
		return
	}
	d.lastErr.Store(err)
}

func (d *ConnectionDescriptor) LastError() error {
	v := d.lastErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Weak is a non-owning reference to a ConnectionDescriptor. The I/O engine
// captures a Weak in its completion closures instead of a strong pointer so
// that discarding a connection from the broker's pool is sufficient to make
// pending completions no-ops; there is no separate teardown handshake
// needed between the broker and the engine.
type Weak struct {
	target *ConnectionDescriptor
	alive  *atomic.Bool
}

// NewWeak wraps d in a Weak reference sharing the given liveness flag.
// Callers create one *atomic.Bool per descriptor, set it false exactly once
// when the descriptor is discarded, and hand out as many Weak values as
// needed before that point.
func NewWeak(d *ConnectionDescriptor, alive *atomic.Bool) Weak {
	return Weak{target: d, alive: alive}
}

// Upgrade returns the descriptor and true if it is still alive, or (nil,
// false) if it has been discarded.
func (w Weak) Upgrade() (*ConnectionDescriptor, bool) {
	if w.alive == nil || !w.alive.Load() {
		return nil, false
	}
	return w.target, true
}
