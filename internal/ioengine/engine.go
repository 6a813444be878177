// Package ioengine implements the I/O Engine (IOE) from spec.md §4.3: the
// per-connection driver that pulls tasks from the IOPSM, submits them to
// the platform socket asynchronously, routes completions back into the
// IOPSM, applies rate-limit delays to sends, and tracks an in-flight I/O
// reference count to decide when the connection is finished.
//
// Go has no IOCP; the async-submit-then-completion-callback shape the
// spec describes is realized the way the teacher realizes its own
// asynchronous packet flows (lib/pconn.go's handleIncomingPackets/
// handleOutgoingPackets goroutines reporting over channels): each task is
// executed on its own goroutine, which reports back over a completion
// channel rather than blocking the driving loop.
package ioengine

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/anvil-labs/trafficgen/internal/bufpool"
	"github.com/anvil-labs/trafficgen/internal/iopattern"
	"github.com/anvil-labs/trafficgen/internal/model"
	"github.com/anvil-labs/trafficgen/internal/wire"
	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

// Socket is the platform primitive the engine drives. TCP and UDP
// connections both implement it (see internal/orchestrator).
type Socket interface {
	Send(buf []byte) (int, error)
	Recv(buf []byte) (int, error)
	// Shutdown performs a graceful half-close when graceful is true, or
	// an abortive close (RST) when false.
	Shutdown(graceful bool) error
}

// Direction decides, for the current MoreIo state, which action to take
// next and how large a buffer to use. remaining is the IOPSM's own
// GetRemainingTransfer() value. Implementations encode the configured
// IoPattern (push/pull/push-pull/duplex): see internal/orchestrator.
type Direction func(remaining uint64) (model.TaskAction, int)

// Config selects between the two strategies from spec.md §4.3.
type Config struct {
	Pipelined    bool
	PrePostSends int // pipelined cap on outstanding sends; 0 means no cap
	PrePostRecvs int // pipelined cap on outstanding recvs; 0 means no cap
}

type completion struct {
	task model.IOTask
	n    int
	err  error
}

// Engine drives one connection's IOPSM to completion.
type Engine struct {
	desc    *model.ConnectionDescriptor
	pattern *iopattern.Machine
	sock    Socket
	limiter model.RateLimiter
	dir     Direction
	weak    model.Weak

	connID     []byte
	completionMarker [wire.CompletionMarkerLength]byte
	finScratch [1]byte

	payloads    *bufpool.Pool
	payloadSize int

	cfg Config

	completions chan completion

	mu       sync.Mutex
	sendOut  int
	recvOut  int
	leased   map[*byte]*bufpool.Element // outstanding payload leases, keyed by backing-array pointer
}

// New constructs an Engine. weak must reference desc so late completions
// on a discarded connection are no-ops (spec.md §9's weak back-reference
// design note).
func New(desc *model.ConnectionDescriptor, pattern *iopattern.Machine, sock Socket, limiter model.RateLimiter, dir Direction, weak model.Weak, connID []byte, payloads *bufpool.Pool, payloadSize int, cfg Config) *Engine {
	return &Engine{
		desc:        desc,
		pattern:     pattern,
		sock:        sock,
		limiter:     limiter,
		dir:         dir,
		weak:        weak,
		connID:      connID,
		payloads:    payloads,
		payloadSize: payloadSize,
		cfg:         cfg,
		completions: make(chan completion, 4),
		leased:      make(map[*byte]*bufpool.Element),
	}
}

// Run drives the connection to completion, returning nil on success or the
// IOPSM's last recorded error on failure. It blocks until the transfer
// (and any still-outstanding pipelined I/O) has fully drained.
func (e *Engine) Run() error {
	e.pumpIssue()
	for {
		c, ok := <-e.completions
		if !ok {
			return e.pattern.LastError()
		}
		verdict := e.observe(c)
		e.desc.DecInflight()

		switch verdict {
		case iopattern.VerdictContinue:
			e.pumpIssue()
		case iopattern.VerdictCompleted, iopattern.VerdictFailed:
			if e.desc.Inflight() == 0 {
				return e.pattern.LastError()
			}
			// Pipelined mode may still have sibling operations in
			// flight; keep draining completions without issuing new
			// work until the counter reaches zero.
		}
	}
}

// pumpIssue asks the IOPSM for as much work as the current strategy
// permits and issues it. In overlapped-single mode this issues at most one
// task and returns; in pipelined mode it keeps issuing MoreIo tasks until
// the pre-post caps are reached.
func (e *Engine) pumpIssue() {
	for {
		tag := e.pattern.NextTask()
		if tag == iopattern.TaskNone {
			return
		}

		if tag != iopattern.TaskMoreIO {
			// Control tasks (handshake, completion, shutdown, FIN) are
			// always singleton: NextTask already marked the machine
			// "pended" for them, so they must be issued now.
			e.issueAndCount(e.buildControlTask(tag))
			return
		}

		action, size := e.dir(e.pattern.GetRemainingTransfer())
		if size <= 0 {
			return
		}
		if e.capExceeded(action) {
			return
		}
		e.issueAndCount(e.buildMoreIOTask(action, size))
		if !e.cfg.Pipelined {
			return
		}
	}
}

func (e *Engine) capExceeded(action model.TaskAction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Pipelined {
		return e.sendOut+e.recvOut > 0
	}
	switch action {
	case model.ActionSend:
		return e.cfg.PrePostSends > 0 && e.sendOut >= e.cfg.PrePostSends
	case model.ActionRecv:
		return e.cfg.PrePostRecvs > 0 && e.recvOut >= e.cfg.PrePostRecvs
	default:
		return false
	}
}

func (e *Engine) buildControlTask(tag iopattern.ProtocolTask) model.IOTask {
	switch tag {
	case iopattern.TaskSendConnectionID:
		return model.IOTask{Action: model.ActionSend, Buffer: e.connID, Length: len(e.connID), BufferType: model.BufferTCPConnectionID}
	case iopattern.TaskRecvConnectionID:
		return model.IOTask{Action: model.ActionRecv, Buffer: e.connID, Length: len(e.connID), BufferType: model.BufferTCPConnectionID}
	case iopattern.TaskSendCompletion:
		return model.IOTask{Action: model.ActionSend, Buffer: e.completionMarker[:], Length: len(e.completionMarker), BufferType: model.BufferStatic}
	case iopattern.TaskRecvCompletion:
		return model.IOTask{Action: model.ActionRecv, Buffer: e.completionMarker[:], Length: len(e.completionMarker), BufferType: model.BufferStatic}
	case iopattern.TaskGracefulShutdown:
		return model.IOTask{Action: model.ActionGracefulShutdown}
	case iopattern.TaskHardShutdown:
		return model.IOTask{Action: model.ActionHardShutdown}
	case iopattern.TaskRequestFin:
		return model.IOTask{Action: model.ActionRecv, Buffer: e.finScratch[:], Length: len(e.finScratch), BufferType: model.BufferStatic}
	default:
		panic("ioengine: buildControlTask called with a non-control tag")
	}
}

func (e *Engine) buildMoreIOTask(action model.TaskAction, size int) model.IOTask {
	if uint64(size) > e.pattern.GetRemainingTransfer() {
		size = int(e.pattern.GetRemainingTransfer())
	}
	el := e.payloads.Get(size)
	buf := el.Buffer.GetSlice()

	e.mu.Lock()
	e.leased[&buf[0]] = el
	e.mu.Unlock()

	return model.IOTask{
		Action:     action,
		Buffer:     buf,
		Length:     size,
		Track:      true,
		BufferType: model.BufferPayload,
	}
}

// issueAndCount implements the in-flight counter discipline from
// spec.md §4.3: the counter is incremented before the async operation is
// issued and decremented only after the completion callback has consumed
// it (in observe/Run above).
func (e *Engine) issueAndCount(task model.IOTask) {
	e.desc.IncInflight()
	e.pattern.NotifyTask(task)

	e.mu.Lock()
	switch task.Action {
	case model.ActionSend:
		e.sendOut++
	case model.ActionRecv:
		e.recvOut++
	}
	e.mu.Unlock()

	weak := e.weak
	sock := e.sock
	do := func() {
		n, err := execute(sock, task)
		if _, alive := weak.Upgrade(); !alive {
			return // discarded: a late completion on a torn-down connection is a no-op
		}
		e.completions <- completion{task: task, n: n, err: err}
	}

	if task.Action == model.ActionSend {
		if delay := e.limiter.ScheduleSend(task.Length); delay > 0 {
			time.AfterFunc(delay, do)
			return
		}
	}
	go do()
}

func execute(sock Socket, task model.IOTask) (int, error) {
	switch task.Action {
	case model.ActionSend:
		return sock.Send(task.Buffer[:task.Length])
	case model.ActionRecv:
		return sock.Recv(task.Buffer[:task.Length])
	case model.ActionGracefulShutdown:
		return 0, sock.Shutdown(true)
	case model.ActionHardShutdown:
		return 0, sock.Shutdown(false)
	default:
		return 0, nil
	}
}

// observe feeds one completion into the IOPSM and returns its verdict. A
// transport error is always run through complete_task with the bytes that
// actually transferred (spec.md §7: this alone yields TooFewBytes for a
// mid-transfer drop). update_error is consulted afterward only when
// complete_task left the machine still runnable — neither Failed nor
// Completed — so it can still veto a bare Continue verdict; the one case
// that matters in this implementation is UDP, where any transport error is
// fatal regardless of byte count (spec.md §4.2). A terminal RequestFin read
// legitimately completes with a non-nil error (io.EOF, ECONNRESET) and
// must not be routed through update_error, or a clean completion gets
// turned back into Continue and the connection never closes.
func (e *Engine) observe(c completion) iopattern.Verdict {
	if c.task.BufferType == model.BufferPayload {
		defer e.releasePayload(c.task)
	}

	e.mu.Lock()
	switch c.task.Action {
	case model.ActionSend:
		e.sendOut--
	case model.ActionRecv:
		e.recvOut--
	}
	e.mu.Unlock()

	verdict, _ := e.pattern.CompleteTask(c.task, c.n)
	if c.err != nil && verdict == iopattern.VerdictContinue {
		verdict = e.pattern.UpdateError(classify(c.err))
	}
	return verdict
}

func (e *Engine) releasePayload(task model.IOTask) {
	if len(task.Buffer) == 0 {
		return
	}
	key := &task.Buffer[0]

	e.mu.Lock()
	el, ok := e.leased[key]
	if ok {
		delete(e.leased, key)
	}
	e.mu.Unlock()

	if ok {
		e.payloads.Put(el)
	}
}

// classify wraps a raw transport error with the transport error kind if it
// is not already classified, so update_error's benign-teardown check
// (xerrors.ReasonConnReset/ConnAborted/Timeout) can recognize it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if xerrors.IsTransport(err) {
		return err
	}
	var reason error
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		reason = xerrors.ReasonConnReset
	case errors.Is(err, syscall.ECONNABORTED):
		reason = xerrors.ReasonConnAborted
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, os.ErrDeadlineExceeded):
		reason = xerrors.ReasonTimeout
	}
	return xerrors.New(xerrors.KindTransport, reason, err.Error())
}
