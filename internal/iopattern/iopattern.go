// Package iopattern implements the I/O Pattern State Machine (IOPSM) from
// spec.md §4.2: the per-connection protocol state machine that governs
// what bytes flow in each direction and when a transfer is "done",
// including the connection-id handshake, the send/recv completion
// markers, and the graceful/hard shutdown split. The transition table and
// the completed_task/update_error logic are taken directly from
// original_source/ctsTraffic/ctsIOPatternState.hpp, translated from its
// enum-and-switch shape into the equivalent Go state machine.
package iopattern

import (
	"errors"
	"sync"

	"github.com/anvil-labs/trafficgen/internal/model"
	"github.com/anvil-labs/trafficgen/internal/wire"
	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

// ProtocolTask is the abstract task the machine emits from NextTask. It is
// deliberately distinct from model.TaskAction: a ProtocolTask still needs
// to be translated into a concrete model.IOTask (buffer, offset, length)
// by the I/O engine before it can be submitted to a socket.
type ProtocolTask int

const (
	TaskNone ProtocolTask = iota
	TaskSendConnectionID
	TaskRecvConnectionID
	TaskMoreIO
	TaskSendCompletion
	TaskRecvCompletion
	TaskGracefulShutdown
	TaskHardShutdown
	TaskRequestFin
)

// Verdict is the outcome of feeding a completion back into the machine.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictCompleted
	VerdictFailed
)

type internalState int

const (
	stInitialized internalState = iota
	stMoreIo
	stServerSendConnectionID
	stClientRecvConnectionID
	stServerSendCompletion
	stClientRecvCompletion
	stGracefulShutdown
	stHardShutdown
	stRequestFin
	stCompleted
	stFailed
)

// Machine is one connection's IOPSM instance. Touched from both the
// engine's submit path and its completion callback; every exported method
// takes the machine's own lock for a short critical section (spec.md §5).
type Machine struct {
	mu sync.Mutex

	protocol     model.Protocol
	isServer     bool
	shutdownMode model.TCPShutdownMode

	confirmed   uint64
	inflight    uint64
	maxTransfer uint64
	isb         uint32 // ideal send backlog, advisory

	state  internalState
	pended bool
	lastErr error
}

// New constructs a Machine. maxBufferSize and prePostSends derive the
// initial ideal send backlog exactly as spec.md §3 describes it: the max
// buffer size, multiplied by the pre-post count when pipelining is
// configured.
func New(protocol model.Protocol, isServer bool, maxTransfer uint64, shutdownMode model.TCPShutdownMode, prePostSends int, maxBufferSize uint32) *Machine {
	isb := maxBufferSize
	if prePostSends > 0 {
		isb = maxBufferSize * uint32(prePostSends)
	}
	m := &Machine{
		protocol:     protocol,
		isServer:     isServer,
		shutdownMode: shutdownMode,
		maxTransfer:  maxTransfer,
		isb:          isb,
	}
	if protocol == model.UDP {
		// UDP has no connection-id handshake or completion frame: it
		// starts directly in the byte-counting state.
		m.state = stMoreIo
	} else {
		m.state = stInitialized
	}
	return m
}

// GetMaxTransfer, SetMaxTransfer, GetIdealSendBacklog and SetIdealSendBacklog
// mirror the read/write accessors spec.md §3 lists on the IOPSM state.
func (m *Machine) GetMaxTransfer() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTransfer
}

func (m *Machine) SetMaxTransfer(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxTransfer = v
}

func (m *Machine) GetIdealSendBacklog() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isb
}

func (m *Machine) SetIdealSendBacklog(v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isb = v
}

// GetRemainingTransfer returns max_transfer minus bytes already confirmed
// or in flight.
func (m *Machine) GetRemainingTransfer() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	already := m.confirmed + m.inflight
	return m.maxTransfer - already
}

// IsCompleted implements model.PatternMachine.
func (m *Machine) IsCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCompletedLocked()
}

func (m *Machine) isCompletedLocked() bool {
	return m.state == stCompleted || m.state == stFailed
}

// IsCurrentTaskMoreIO reports whether the machine is currently in its
// steady-state byte-counting phase (spec.md §4.3 IOE pipelined strategy
// consults this to decide whether it may post more than one outstanding
// operation).
func (m *Machine) IsCurrentTaskMoreIO() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stMoreIo
}

// LastError implements model.PatternMachine.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// NextTask implements spec.md §4.2's get_next_task transition table.
func (m *Machine) NextTask() ProtocolTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pended {
		return TaskNone
	}

	switch m.state {
	case stInitialized:
		if m.isServer {
			m.pended = true
			m.state = stServerSendConnectionID
			return TaskSendConnectionID
		}
		m.pended = true
		m.state = stClientRecvConnectionID
		return TaskRecvConnectionID

	case stServerSendConnectionID, stClientRecvConnectionID:
		m.state = stMoreIo
		return TaskMoreIO

	case stMoreIo:
		if m.confirmed+m.inflight < m.maxTransfer {
			return TaskMoreIO
		}
		return TaskNone

	case stServerSendCompletion:
		m.pended = true
		return TaskSendCompletion

	case stClientRecvCompletion:
		m.pended = true
		return TaskRecvCompletion

	case stGracefulShutdown:
		m.pended = true
		return TaskGracefulShutdown

	case stHardShutdown:
		m.pended = true
		return TaskHardShutdown

	case stRequestFin:
		m.pended = true
		return TaskRequestFin

	case stCompleted, stFailed:
		return TaskNone

	default:
		panic("iopattern: NextTask called from an unhandled state")
	}
}

// NotifyTask implements spec.md §4.2's notify_task: if the task counts
// toward the transfer, its length is added to inflight bytes before it is
// submitted.
func (m *Machine) NotifyTask(task model.IOTask) {
	if !task.Track {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight += uint64(task.Length)
}

// CompleteTask implements spec.md §4.2's completed_task.
func (m *Machine) CompleteTask(task model.IOTask, bytesTransferred int) (Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stFailed {
		return VerdictFailed, m.lastErr
	}

	transferred := uint64(bytesTransferred)

	if m.state == stServerSendConnectionID || m.state == stClientRecvConnectionID {
		if transferred != wire.ConnectionIDLength {
			return m.failLocked(xerrors.New(xerrors.KindProtocol, xerrors.ReasonTooFewBytes,
				"connection id exchange did not transfer the full identifier"))
		}
		m.pended = false
	}

	if task.Track {
		if uint64(task.Length) > m.inflight || transferred > m.inflight || transferred > uint64(task.Length) {
			panic("iopattern: CompleteTask violated the in-flight accounting invariant")
		}
		m.inflight -= uint64(task.Length)
		m.confirmed += transferred
	}

	soFar := m.confirmed + m.inflight

	if m.protocol == model.UDP {
		if soFar == m.maxTransfer {
			m.state = stCompleted
			return VerdictCompleted, nil
		}
		return VerdictContinue, nil
	}

	// TCP has a full completion/shutdown state machine below.
	switch {
	case soFar < m.maxTransfer:
		if transferred == 0 {
			return m.failLocked(xerrors.New(xerrors.KindProtocol, xerrors.ReasonTooFewBytes,
				"connection closed before the transfer completed"))
		}
		return VerdictContinue, nil

	case soFar == m.maxTransfer:
		if m.inflight > 0 {
			// Still waiting on other pended I/O to land.
			return VerdictContinue, nil
		}
		if m.isServer {
			return m.completeServerLocked(transferred)
		}
		return m.completeClientLocked(transferred)

	default: // soFar > m.maxTransfer
		return m.failLocked(xerrors.New(xerrors.KindProtocol, xerrors.ReasonTooManyBytes,
			"received more bytes than the configured transfer size"))
	}
}

func (m *Machine) completeServerLocked(transferred uint64) (Verdict, error) {
	switch m.state {
	case stMoreIo:
		m.state = stServerSendCompletion
		m.pended = false
		return VerdictContinue, nil

	case stServerSendCompletion:
		m.state = stRequestFin
		m.pended = false
		return VerdictContinue, nil

	case stRequestFin:
		if transferred != 0 {
			return m.failLocked(xerrors.New(xerrors.KindProtocol, xerrors.ReasonTooManyBytes,
				"expected a zero-byte FIN read after the completion marker"))
		}
		m.state = stCompleted
		return VerdictCompleted, nil

	default:
		panic("iopattern: completeServerLocked called from an unhandled state")
	}
}

func (m *Machine) completeClientLocked(transferred uint64) (Verdict, error) {
	switch m.state {
	case stMoreIo:
		m.state = stClientRecvCompletion
		m.pended = false
		return VerdictContinue, nil

	case stClientRecvCompletion:
		if transferred != wire.CompletionMarkerLength {
			return m.failLocked(xerrors.New(xerrors.KindProtocol, xerrors.ReasonTooFewBytes,
				"server did not return a completion marker"))
		}
		if m.shutdownMode == model.ShutdownHard {
			m.state = stHardShutdown
		} else {
			// ShutdownGraceful and ShutdownServer both drive the
			// client through a FIN-based teardown; "Server" only
			// changes which side initiates the close at the engine
			// layer, not the byte-level protocol the IOPSM tracks.
			m.state = stGracefulShutdown
		}
		m.pended = false
		return VerdictContinue, nil

	case stGracefulShutdown:
		m.state = stRequestFin
		m.pended = false
		return VerdictContinue, nil

	case stRequestFin:
		if transferred != 0 {
			return m.failLocked(xerrors.New(xerrors.KindProtocol, xerrors.ReasonTooManyBytes,
				"unexpected bytes while waiting to observe the server's FIN"))
		}
		m.state = stCompleted
		return VerdictCompleted, nil

	case stHardShutdown:
		m.state = stCompleted
		return VerdictCompleted, nil

	default:
		panic("iopattern: completeClientLocked called from an unhandled state")
	}
}

func (m *Machine) failLocked(err error) (Verdict, error) {
	m.state = stFailed
	m.lastErr = err
	return VerdictFailed, err
}

// UpdateError implements spec.md §4.2's update_error: a transport error is
// terminal unless the server is waiting to observe a FIN and the client
// instead reset, timed out, or aborted the connection — the expected
// benign alternative to a graceful close in hard-shutdown mode.
func (m *Machine) UpdateError(err error) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stFailed {
		return VerdictFailed
	}
	if err == nil {
		return VerdictContinue
	}

	if m.protocol == model.UDP {
		m.state = stFailed
		m.lastErr = err
		return VerdictFailed
	}

	if m.isCompletedLocked() {
		return VerdictContinue
	}

	if m.isServer && m.state == stRequestFin && isBenignTeardownError(err) {
		return VerdictContinue
	}

	m.state = stFailed
	m.lastErr = err
	return VerdictFailed
}

func isBenignTeardownError(err error) bool {
	return errors.Is(err, xerrors.ReasonConnReset) ||
		errors.Is(err, xerrors.ReasonConnAborted) ||
		errors.Is(err, xerrors.ReasonTimeout)
}
