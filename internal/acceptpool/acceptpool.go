// Package acceptpool implements the listening/accept path from
// spec.md §4.6: a pre-posted pool of accept operations per listening
// address, paired against a FIFO of callers waiting for a socket and a
// FIFO of already-accepted sockets waiting for a caller.
package acceptpool

import (
	"net"
	"sync"

	"github.com/eapache/queue"

	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

// DefaultAcceptLimit is the default number of outstanding accepts kept
// posted per listener (spec.md §4.6).
const DefaultAcceptLimit = 100

// request is one caller's pended request for an accepted connection.
type request struct {
	result chan<- result
}

type result struct {
	conn net.Conn
	err  error
}

// Pool pairs asynchronous Accept completions against callers requesting a
// connection, exactly as the original's ready-FIFO/pended-FIFO pair does.
// Every enqueued caller is completed exactly once, either with a socket or
// with a connection-aborted error (spec.md §7's invariant #6).
type Pool struct {
	listener net.Listener
	limit    int

	mu      sync.Mutex
	ready   *queue.Queue // net.Conn values waiting for a caller
	pended  *queue.Queue // *request values waiting for a connection
	closed  bool
	inflight int

	wg sync.WaitGroup
}

// New wraps ln and immediately posts limit (or DefaultAcceptLimit, if
// limit<=0) outstanding Accept calls against it.
func New(ln net.Listener, limit int) *Pool {
	if limit <= 0 {
		limit = DefaultAcceptLimit
	}
	p := &Pool{
		listener: ln,
		limit:    limit,
		ready:    queue.New(),
		pended:   queue.New(),
	}
	for i := 0; i < limit; i++ {
		p.postAccept()
	}
	return p
}

// postAccept issues one more Accept, re-posting itself on every completion
// until the pool is closed (spec.md §4.6: "Either way, a fresh accept is
// re-posted.").
func (p *Pool) postAccept() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.inflight++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		conn, err := p.listener.Accept()

		p.mu.Lock()
		p.inflight--
		if p.closed {
			p.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			p.mu.Unlock()
			// A transient accept error still needs a fresh accept
			// posted; the caller pool is unaffected.
			p.postAccept()
			return
		}

		if p.pended.Length() > 0 {
			req := p.pended.Remove().(*request)
			p.mu.Unlock()
			req.result <- result{conn: conn}
		} else {
			p.ready.Add(conn)
			p.mu.Unlock()
		}
		p.postAccept()
	}()
}

// Accept returns the next available connection, blocking until one is
// ready, the pool is closed, or ctx-like caller cancellation is not
// needed (spec.md's accept path has no per-call cancellation of its own —
// only broker shutdown drains it).
func (p *Pool) Accept() (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, xerrors.New(xerrors.KindTransport, xerrors.ReasonConnAborted, "acceptpool: closed")
	}
	if p.ready.Length() > 0 {
		conn := p.ready.Remove().(net.Conn)
		p.mu.Unlock()
		return conn, nil
	}

	ch := make(chan result, 1)
	p.pended.Add(&request{result: ch})
	p.mu.Unlock()

	res := <-ch
	return res.conn, res.err
}

// Close drains both FIFOs: every pended caller is completed with a
// connection-aborted error, and every ready-but-unclaimed connection is
// closed outright (spec.md §4.6/§5's shutdown drain).
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	abortErr := xerrors.New(xerrors.KindTransport, xerrors.ReasonConnAborted, "acceptpool: shutting down")
	for p.pended.Length() > 0 {
		req := p.pended.Remove().(*request)
		req.result <- result{err: abortErr}
	}
	for p.ready.Length() > 0 {
		conn := p.ready.Remove().(net.Conn)
		conn.Close()
	}
	p.mu.Unlock()

	err := p.listener.Close()
	p.wg.Wait()
	return err
}
