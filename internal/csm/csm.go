// Package csm implements the Connection State Machine from spec.md §4.4:
// the per-connection lifecycle driver that walks a connection through
// Initialized → Creating → Created → Connecting → Connected → InitiatingIo
// → InitiatedIo → Closing → Closed, invoking three caller-supplied
// callbacks along the way and reporting phase transitions to a Broker.
package csm

import (
	"fmt"
	"sync"

	"github.com/anvil-labs/trafficgen/internal/connid"
	"github.com/anvil-labs/trafficgen/internal/model"
)

// Fn is one of the three caller-supplied callables. It receives a
// non-owning handle to the connection descriptor and must eventually call
// the CompleteState function it is handed, exactly once, with the outcome
// of its work (nil on success).
type Fn func(weak model.Weak, complete func(error))

// BrokerHooks is the subset of Broker behavior a Machine reports into.
// internal/broker's Broker satisfies this; tests can supply a stub.
type BrokerHooks interface {
	InitiatingIO()
	Closing(wasActive bool)
}

// Callbacks bundles the three (or four, with the optional ClosingFn)
// caller-supplied phases named in spec.md §6.
type Callbacks struct {
	CreateFn  Fn
	ConnectFn Fn // exactly one of ConnectFn/AcceptFn is set
	AcceptFn  Fn
	IoFn      Fn
	ClosingFn Fn // optional
}

// Machine drives one connection through its lifecycle. It is not safe for
// concurrent use except through the exported methods, which take their own
// short critical sections.
type Machine struct {
	mu    sync.Mutex
	state model.CSMState
	// invoked is true from the moment a phase's callback is dispatched
	// until its CompleteState call is consumed. A second CompleteState
	// call while invoked is already false means the caller violated
	// "idempotent within one state: repeated calls before the next
	// transition are errors" (spec.md §4.4).
	invoked bool

	desc     *model.ConnectionDescriptor
	weak     model.Weak
	cb       Callbacks
	broker   BrokerHooks
	registry *connid.Registry

	wasActive bool
	lastErr   error
}

// New constructs a Machine in state Initialized. desc must already carry a
// live weak reference (model.NewWeak) that the callbacks will receive.
func New(desc *model.ConnectionDescriptor, weak model.Weak, cb Callbacks, broker BrokerHooks, registry *connid.Registry) *Machine {
	if (cb.ConnectFn == nil) == (cb.AcceptFn == nil) {
		panic("csm: exactly one of ConnectFn or AcceptFn must be set")
	}
	m := &Machine{
		state:    model.Initialized,
		desc:     desc,
		weak:     weak,
		cb:       cb,
		broker:   broker,
		registry: registry,
	}
	desc.SetState(model.Initialized)
	return m
}

// State reports the machine's current lifecycle state.
func (m *Machine) State() model.CSMState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Closed reports whether the machine has reached its terminal state,
// satisfying broker.Tickable so the broker's tick sweep knows which pool
// entries to retire.
func (m *Machine) Closed() bool {
	return m.State() == model.Closed
}

// Start begins the lifecycle: Initialized → Creating, invoking CreateFn.
func (m *Machine) Start() {
	m.enter(model.Creating, m.cb.CreateFn)
}

// Tick advances the machine past a state that only leaves on an external
// tick (Created→Connecting, Connected→InitiatingIo, InitiatedIo→Closing),
// matching spec.md §4.4's "tick" events. The broker calls this once per
// pool sweep; calling it while the machine is in a state with no tick
// transition is a no-op.
func (m *Machine) Tick() {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case model.Created:
		connectFn := m.cb.ConnectFn
		if connectFn == nil {
			connectFn = m.cb.AcceptFn
		}
		m.enter(model.Connecting, connectFn)
	case model.Connected:
		m.enterInitiatingIo()
	case model.InitiatedIo:
		m.enterClosing(true)
	}
}

// enter transitions into state next and invokes fn, arranging for
// CompleteState to be the only path back out of it.
func (m *Machine) enter(next model.CSMState, fn Fn) {
	m.mu.Lock()
	m.state = next
	m.invoked = true
	m.mu.Unlock()
	m.desc.SetState(next)

	fn(m.weak, func(err error) { m.completeState(next, err) })
}

func (m *Machine) enterInitiatingIo() {
	m.mu.Lock()
	m.state = model.InitiatingIo
	m.invoked = true
	m.mu.Unlock()
	m.desc.SetState(model.InitiatingIo)
	m.broker.InitiatingIO()

	m.cb.IoFn(m.weak, func(err error) { m.completeState(model.InitiatingIo, err) })
}

// completeState is the complete_state(e) operation from spec.md §4.4.
// Idempotency within one state is enforced by requiring invoked to still
// be true; a second call before the next transition finds it already
// cleared and panics rather than silently succeeding.
func (m *Machine) completeState(fromState model.CSMState, err error) {
	m.mu.Lock()
	if m.state != fromState || !m.invoked {
		m.mu.Unlock()
		panic(fmt.Sprintf("csm: CompleteState called for state %s more than once, or out of order", fromState))
	}
	m.invoked = false
	m.mu.Unlock()

	if err != nil {
		m.desc.SetLastError(err)
	}

	switch fromState {
	case model.Creating:
		if err == nil && m.acquireConnID() {
			m.transitionTo(model.Created)
		} else {
			m.enterClosing(false)
		}
	case model.Connecting:
		if err == nil {
			m.transitionTo(model.Connected)
		} else {
			m.enterClosing(false)
		}
	case model.InitiatingIo:
		m.lastErr = err
		m.transitionTo(model.InitiatedIo)
	default:
		panic(fmt.Sprintf("csm: CompleteState called from unexpected state %s", fromState))
	}
}

// acquireConnID reports whether it acquired a slot. On registry
// exhaustion it records the error and returns false, leaving completeState
// to drive enterClosing(false) — the same path a transport failure at
// Creating takes — instead of advancing to Created without a slot.
func (m *Machine) acquireConnID() bool {
	slot, err := m.registry.Acquire()
	if err != nil {
		m.desc.SetLastError(err)
		return false
	}
	m.desc.ConnIDSlot = slot
	return true
}

func (m *Machine) transitionTo(state model.CSMState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.desc.SetState(state)
}

func (m *Machine) enterClosing(wasActive bool) {
	m.mu.Lock()
	m.state = model.Closing
	m.wasActive = wasActive
	m.mu.Unlock()
	m.desc.SetState(model.Closing)

	if m.desc.ConnIDSlot != nil {
		m.registry.Release(m.desc.ConnIDSlot)
		m.desc.ConnIDSlot = nil
	}

	if m.cb.ClosingFn != nil {
		done := make(chan struct{})
		m.cb.ClosingFn(m.weak, func(error) { close(done) })
		<-done
	}

	m.broker.Closing(wasActive)

	m.mu.Lock()
	m.state = model.Closed
	m.mu.Unlock()
	m.desc.SetState(model.Closed)
}

// LastError reports the error recorded by the io_fn phase, if any.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
