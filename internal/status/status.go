// Package status renders periodic progress snapshots for the running
// broker, following spec.md's "inheritance of status formatters" design
// note: the TCP and UDP variants differ only in which columns matter, so
// this package models them as one Snapshot sum type with a single shared
// Format routine rather than a TCP formatter and a UDP formatter related
// by embedding. Column layout technique is read from (not copied from)
// qmsk-close/util/prettyprint.go; the Reporter's ticker-driven collection
// loop is grounded on qmsk-close/stats/reader.go and on the teacher's own
// time.NewTicker use in test/echoclient/main.go.
package status

import (
	"fmt"
	"io"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/anvil-labs/trafficgen/internal/broker"
	"github.com/anvil-labs/trafficgen/internal/model"
	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

// Snapshot carries the fields meaningful to both protocols; Protocol
// selects which of the UDP-only fields (Frames) Format prints.
type Snapshot struct {
	Protocol model.Protocol
	Elapsed  time.Duration

	Active    int
	Pending   int
	Completed uint64

	ConnectionErrors uint64
	ProtocolErrors   uint64

	BytesTotal    uint64
	BytesInterval uint64

	// Frames is the AddFrame count; meaningless for TCP. The orchestrator
	// calls AddFrame once per UDP connection when its I/O phase ends, so
	// this counts finished UDP connections, not individual datagrams.
	// Sequence-gap
	// classification into dropped/duplicate/error frames is out of
	// scope (spec.md §1) and is not computed here.
	Frames uint64
}

// Format writes a one-line table row for snap to w, writing a header row
// first if header is true.
func Format(w io.Writer, snap Snapshot, header bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if header {
		if snap.Protocol == model.UDP {
			fmt.Fprintln(tw, "Elapsed\tActive\tPending\tCompleted\tConnErrors\tProtoErrors\tBytes\tBytes/Interval\tFrames")
		} else {
			fmt.Fprintln(tw, "Elapsed\tActive\tPending\tCompleted\tConnErrors\tProtoErrors\tBytes\tBytes/Interval")
		}
	}

	if snap.Protocol == model.UDP {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			snap.Elapsed.Round(time.Second), snap.Active, snap.Pending, snap.Completed,
			snap.ConnectionErrors, snap.ProtocolErrors, snap.BytesTotal, snap.BytesInterval, snap.Frames)
	} else {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			snap.Elapsed.Round(time.Second), snap.Active, snap.Pending, snap.Completed,
			snap.ConnectionErrors, snap.ProtocolErrors, snap.BytesTotal, snap.BytesInterval)
	}
	return tw.Flush()
}

// Aggregator accumulates the counters a Reporter turns into Snapshots. A
// connection's csm/ioengine wiring calls AddBytes/AddFrame/
// ConnectionCompleted/ConnectionFailed as events happen; the broker itself is only consulted for the
// active/pending counts it already tracks, so this package never
// duplicates the broker's own bookkeeping.
type Aggregator struct {
	protocol model.Protocol
	started  time.Time
	br       *broker.Broker

	bytesTotal    uint64
	bytesInterval uint64
	frames        uint64
	completed     uint64
	connErrors    uint64
	protoErrors   uint64
}

// NewAggregator constructs an Aggregator for protocol, sourcing
// active/pending counts from br.
func NewAggregator(protocol model.Protocol, br *broker.Broker) *Aggregator {
	return &Aggregator{protocol: protocol, started: time.Now(), br: br}
}

// AddBytes records n bytes moved on the wire, counted toward both the
// running total and the current interval.
func (a *Aggregator) AddBytes(n int) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(&a.bytesTotal, uint64(n))
	atomic.AddUint64(&a.bytesInterval, uint64(n))
}

// AddFrame increments the Frames counter by one.
func (a *Aggregator) AddFrame() {
	atomic.AddUint64(&a.frames, 1)
}

// ConnectionCompleted records a connection that reached Closed without
// error.
func (a *Aggregator) ConnectionCompleted() {
	atomic.AddUint64(&a.completed, 1)
}

// ConnectionFailed records a connection that reached Closed carrying
// err, classifying it as a connection-level (transport/resource) error
// or a protocol-level error per xerrors' sentinel kinds.
func (a *Aggregator) ConnectionFailed(err error) {
	if err == nil {
		a.ConnectionCompleted()
		return
	}
	if xerrors.IsProtocol(err) {
		atomic.AddUint64(&a.protoErrors, 1)
		return
	}
	atomic.AddUint64(&a.connErrors, 1)
}

// Snapshot reads the current counters and resets the interval counter,
// matching the "reset on read" convention a Reporter's ticker loop
// expects.
func (a *Aggregator) Snapshot() Snapshot {
	b := a.br.Snapshot()
	return Snapshot{
		Protocol:         a.protocol,
		Elapsed:          time.Since(a.started),
		Active:           b.Active,
		Pending:          b.Pending,
		Completed:        atomic.LoadUint64(&a.completed),
		ConnectionErrors: atomic.LoadUint64(&a.connErrors),
		ProtocolErrors:   atomic.LoadUint64(&a.protoErrors),
		BytesTotal:       atomic.LoadUint64(&a.bytesTotal),
		BytesInterval:    atomic.SwapUint64(&a.bytesInterval, 0),
		Frames:           atomic.LoadUint64(&a.frames),
	}
}

// ExitCode implements spec.md §6's process exit code rule: the smaller of
// MaxInt and the sum of connection and protocol errors observed.
func (a *Aggregator) ExitCode() int {
	sum := atomic.LoadUint64(&a.connErrors) + atomic.LoadUint64(&a.protoErrors)
	if sum > uint64(^uint(0)>>1) {
		return int(^uint(0) >> 1)
	}
	return int(sum)
}

// Reporter periodically formats an Aggregator's snapshot to Out, on a
// standalone ticker distinct from the broker's own pool-refill tick.
type Reporter struct {
	agg      *Aggregator
	interval time.Duration
	out      io.Writer

	stop chan struct{}
	done chan struct{}
}

// NewReporter builds a Reporter. interval <= 0 defaults to one second.
func NewReporter(agg *Aggregator, interval time.Duration, out io.Writer) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{agg: agg, interval: interval, out: out, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run blocks, printing one row per tick until Stop is called. Intended to
// be run in its own goroutine.
func (r *Reporter) Run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	header := true
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := Format(r.out, r.agg.Snapshot(), header); err != nil {
				return
			}
			header = false
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (r *Reporter) Stop() {
	close(r.stop)
	<-r.done
}
