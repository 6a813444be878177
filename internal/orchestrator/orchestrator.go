package orchestrator

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/anvil-labs/trafficgen/internal/acceptpool"
	"github.com/anvil-labs/trafficgen/internal/broker"
	"github.com/anvil-labs/trafficgen/internal/bufpool"
	"github.com/anvil-labs/trafficgen/internal/config"
	"github.com/anvil-labs/trafficgen/internal/connid"
	"github.com/anvil-labs/trafficgen/internal/csm"
	"github.com/anvil-labs/trafficgen/internal/ioengine"
	"github.com/anvil-labs/trafficgen/internal/iopattern"
	"github.com/anvil-labs/trafficgen/internal/model"
	"github.com/anvil-labs/trafficgen/internal/portpool"
	"github.com/anvil-labs/trafficgen/internal/ratelimit"
	"github.com/anvil-labs/trafficgen/internal/sockopts"
	"github.com/anvil-labs/trafficgen/internal/status"
	"github.com/anvil-labs/trafficgen/internal/wire"
)

// Runner owns everything one process needs to drive the connection engine
// for one role: the broker, the shared payload pool and connection-id
// registry, the status aggregator, and (client only) a local-port
// allocator.
type Runner struct {
	opts *config.Options
	role model.Role

	broker   *broker.Broker
	agg      *status.Aggregator
	registry *connid.Registry
	payloads *bufpool.Pool
	ports    *portpool.Pool // nil unless LocalPortLow/High configured (client only)

	dialer   *net.Dialer
	listener net.Listener
	accepts  *acceptpool.Pool

	nextID atomic.Uint64
}

// NewClient builds a Runner that dials opts.TargetAddresses.
func NewClient(opts *config.Options) (*Runner, error) {
	if len(opts.TargetAddresses) == 0 {
		return nil, fmt.Errorf("orchestrator: client role requires at least one target address")
	}
	r := newRunner(opts, model.RoleClient)

	r.dialer = sockopts.Dialer(opts.Flags(), nil)
	if opts.LocalPortLow > 0 && opts.LocalPortHigh > 0 {
		pool, err := portpool.New(opts.LocalPortLow, opts.LocalPortHigh)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: local port range: %w", err)
		}
		r.ports = pool
	}
	return r, nil
}

// NewServer builds a Runner that listens on opts.ListenAddresses[0].
func NewServer(opts *config.Options) (*Runner, error) {
	if len(opts.ListenAddresses) == 0 {
		return nil, fmt.Errorf("orchestrator: server role requires a listen address")
	}
	r := newRunner(opts, model.RoleServer)

	addr := opts.ListenAddresses[0]
	limit := opts.AcceptLimit
	if limit <= 0 {
		limit = acceptpool.DefaultAcceptLimit
	}

	lc := sockopts.ListenConfig(opts.Flags())
	if opts.Protocol == model.UDP {
		pc, err := lc.ListenPacket(context.Background(), "udp", addr)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: udp listen %s: %w", addr, err)
		}
		r.listener = newUDPListener(pc)
	} else {
		ln, err := lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: tcp listen %s: %w", addr, err)
		}
		r.listener = ln
	}
	r.accepts = acceptpool.New(r.listener, limit)
	return r, nil
}

func newRunner(opts *config.Options, role model.Role) *Runner {
	registry := connid.NewFixed(opts.ConnectionLimit)
	if role == model.RoleServer {
		registry = connid.NewGrowable()
	}

	r := &Runner{
		opts:     opts,
		role:     role,
		registry: registry,
		payloads: bufpool.New(64),
	}

	r.broker = broker.New(broker.Config{
		TotalRemaining:     opts.ConnectionLimit * max1(opts.Iterations),
		PendingLimit:       max1(opts.ConnectionLimit),
		ConnectionThrottle: max1(opts.ConnectionThrottleLimit),
		ConnectionLimit:    max1(opts.ConnectionLimit),
		Server:             role == model.RoleServer,
		Spawn:              r.spawn,
	})
	r.agg = status.NewAggregator(opts.Protocol, r.broker)
	return r
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Run starts the broker, a status.Reporter at the configured frequency,
// and blocks until every configured connection has completed, timeLimit
// elapses, or Interrupt is called. It returns the spec.md §6 process exit
// code: min(MaxInt, connection_error_count + protocol_error_count).
func (r *Runner) Run(timeLimit time.Duration) int {
	reporter := status.NewReporter(r.agg, time.Duration(r.opts.StatusUpdateFrequencyMs)*time.Millisecond, os.Stdout)
	go reporter.Run()
	defer reporter.Stop()

	r.broker.Start()
	defer r.broker.Stop()

	r.broker.Wait(timeLimit)

	if r.accepts != nil {
		r.accepts.Close()
	}
	return r.agg.ExitCode()
}

// Interrupt requests an early shutdown (spec.md §5 cancellation path).
func (r *Runner) Interrupt() { r.broker.Interrupt() }

// Addr reports the server role's bound listen address; nil for a client.
func (r *Runner) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// spawn is the broker.Config.Spawn callback: it builds one not-yet-started
// csm.Machine wired to this runner's role-appropriate callbacks. The
// mutex-reentrancy lesson from internal/broker applies here too: none of
// these callbacks call back into the broker synchronously except through
// csm.Machine's own enter/enterClosing paths, which already run outside
// the broker's lock.
func (r *Runner) spawn() broker.Tickable {
	id := r.nextID.Add(1)
	desc := model.NewConnectionDescriptor(id)

	var alive atomic.Bool
	alive.Store(true)
	weak := model.NewWeak(desc, &alive)

	cb := csm.Callbacks{
		CreateFn:  r.createFn(desc),
		IoFn:      r.ioFn(desc),
		ClosingFn: r.closingFn(desc, &alive),
	}
	if r.role == model.RoleServer {
		cb.AcceptFn = r.acceptFn(desc)
	} else {
		cb.ConnectFn = r.connectFn(desc)
	}

	return csm.New(desc, weak, cb, r.broker, r.registry)
}

func (r *Runner) createFn(desc *model.ConnectionDescriptor) csm.Fn {
	return func(_ model.Weak, complete func(error)) {
		if r.role == model.RoleClient && r.ports != nil {
			port, err := r.ports.Allocate()
			if err != nil {
				complete(err)
				return
			}
			desc.LocalPort = port
		}
		complete(nil)
	}
}

func (r *Runner) connectFn(desc *model.ConnectionDescriptor) csm.Fn {
	return func(_ model.Weak, complete func(error)) {
		go func() {
			network := "tcp"
			if r.opts.Protocol == model.UDP {
				network = "udp"
			}
			dialer := *r.dialer
			if desc.LocalPort != 0 {
				if network == "udp" {
					dialer.LocalAddr = &net.UDPAddr{Port: desc.LocalPort}
				} else {
					dialer.LocalAddr = &net.TCPAddr{Port: desc.LocalPort}
				}
			}

			target := r.opts.TargetAddresses[int(desc.ID)%len(r.opts.TargetAddresses)]
			conn, err := dialer.Dial(network, target)
			if err != nil {
				if r.role == model.RoleClient && r.ports != nil && desc.LocalPort != 0 {
					r.ports.Release(desc.LocalPort)
					desc.LocalPort = 0
				}
				complete(err)
				return
			}
			desc.Socket = conn
			desc.LocalAddr = conn.LocalAddr()
			desc.RemoteAddr = conn.RemoteAddr()

			if r.opts.Protocol == model.UDP && r.opts.IoPattern == model.MediaStream {
				if _, err := conn.Write([]byte(wire.StartVerb)); err != nil {
					complete(err)
					return
				}
			}
			complete(nil)
		}()
	}
}

func (r *Runner) acceptFn(desc *model.ConnectionDescriptor) csm.Fn {
	return func(_ model.Weak, complete func(error)) {
		go func() {
			conn, err := r.accepts.Accept()
			if err != nil {
				complete(err)
				return
			}
			desc.Socket = conn
			desc.LocalAddr = conn.LocalAddr()
			desc.RemoteAddr = conn.RemoteAddr()
			complete(nil)
		}()
	}
}

func (r *Runner) ioFn(desc *model.ConnectionDescriptor) csm.Fn {
	return func(weak model.Weak, complete func(error)) {
		go func() {
			var sock ioengine.Socket
			if r.opts.Protocol == model.UDP {
				sock = NewUDPSocket(desc.Socket)
			} else {
				sock = NewTCPSocket(desc.Socket)
			}

			limiter := ratelimit.New(r.opts.TcpBytesPerSecond, r.opts.TcpBytesPerSecondPeriod)
			pattern := iopattern.New(r.opts.Protocol, r.role == model.RoleServer, uint64(r.opts.TransferSize),
				r.opts.TcpShutdown, r.opts.PrePostSends, uint32(r.opts.BufferSize))
			desc.Pattern = pattern
			desc.Limiter = limiter

			connID := desc.ConnIDSlot
			if connID == nil {
				connID = make([]byte, wire.ConnectionIDLength)
			}

			dir := directionFor(r.opts.IoPattern, r.role == model.RoleServer, r.opts.BufferSize, uint64(r.opts.TransferSize))

			eng := ioengine.New(desc, pattern, sock, limiter, dir, weak, connID, r.payloads, r.opts.BufferSize, ioengine.Config{
				Pipelined:    r.opts.PrePostSends > 1 || r.opts.PrePostRecvs > 1,
				PrePostSends: r.opts.PrePostSends,
				PrePostRecvs: r.opts.PrePostRecvs,
			})

			err := eng.Run()
			transferred := uint64(r.opts.TransferSize) - pattern.GetRemainingTransfer()
			r.agg.AddBytes(int(transferred))
			if r.opts.Protocol == model.UDP {
				r.agg.AddFrame()
			}
			complete(err)
		}()
	}
}

func (r *Runner) closingFn(desc *model.ConnectionDescriptor, alive *atomic.Bool) csm.Fn {
	return func(_ model.Weak, complete func(error)) {
		alive.Store(false)
		if desc.Socket != nil {
			desc.Socket.Close()
		}
		if r.role == model.RoleClient && r.ports != nil && desc.LocalPort != 0 {
			r.ports.Release(desc.LocalPort)
			desc.LocalPort = 0
		}
		r.agg.ConnectionFailed(desc.LastError())
		complete(nil)
	}
}
