package csm

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/anvil-labs/trafficgen/internal/connid"
	"github.com/anvil-labs/trafficgen/internal/model"
)

type fakeBroker struct {
	initiatingIO int32
	closingCalls []bool
}

func (f *fakeBroker) InitiatingIO() { atomic.AddInt32(&f.initiatingIO, 1) }
func (f *fakeBroker) Closing(wasActive bool) {
	f.closingCalls = append(f.closingCalls, wasActive)
}

func succeed(weak model.Weak, complete func(error)) { complete(nil) }

func newTestMachine(t *testing.T, cb Callbacks, broker *fakeBroker) (*Machine, *model.ConnectionDescriptor) {
	t.Helper()
	desc := model.NewConnectionDescriptor(1)
	var alive atomic.Bool
	alive.Store(true)
	weak := model.NewWeak(desc, &alive)
	registry := connid.NewFixed(4)
	return New(desc, weak, cb, broker, registry), desc
}

func TestFullLifecycleSuccess(t *testing.T) {
	broker := &fakeBroker{}
	cb := Callbacks{CreateFn: succeed, ConnectFn: succeed, IoFn: succeed}
	m, desc := newTestMachine(t, cb, broker)

	m.Start()
	if got := m.State(); got != model.Created {
		t.Fatalf("after Start: expected Created, got %v", got)
	}
	if desc.ConnIDSlot == nil {
		t.Fatalf("expected a connection-id slot to be acquired entering Created")
	}

	m.Tick()
	if got := m.State(); got != model.Connected {
		t.Fatalf("after Tick from Created: expected Connected, got %v", got)
	}

	m.Tick()
	if got := m.State(); got != model.InitiatedIo {
		t.Fatalf("after Tick from Connected: expected InitiatedIo, got %v", got)
	}
	if broker.initiatingIO != 1 {
		t.Fatalf("expected exactly one InitiatingIO callback, got %d", broker.initiatingIO)
	}

	m.Tick()
	if got := m.State(); got != model.Closed {
		t.Fatalf("after Tick from InitiatedIo: expected Closed, got %v", got)
	}
	if len(broker.closingCalls) != 1 || !broker.closingCalls[0] {
		t.Fatalf("expected one Closing(true) call, got %v", broker.closingCalls)
	}
	if desc.ConnIDSlot != nil {
		t.Fatalf("expected the connection-id slot to be released on Closed")
	}
}

func TestCreateFailureSkipsConnect(t *testing.T) {
	broker := &fakeBroker{}
	failCreate := func(weak model.Weak, complete func(error)) { complete(errors.New("boom")) }
	connectCalled := false
	cb := Callbacks{
		CreateFn:  failCreate,
		ConnectFn: func(weak model.Weak, complete func(error)) { connectCalled = true; complete(nil) },
		IoFn:      succeed,
	}
	m, _ := newTestMachine(t, cb, broker)

	m.Start()
	if got := m.State(); got != model.Closed {
		t.Fatalf("expected create failure to route straight to Closed, got %v", got)
	}
	if connectCalled {
		t.Fatalf("connect_fn must not run after a create_fn failure")
	}
	if len(broker.closingCalls) != 1 || broker.closingCalls[0] {
		t.Fatalf("expected one Closing(false) call for a setup-phase failure, got %v", broker.closingCalls)
	}
}

func TestDoubleCompleteStatePanics(t *testing.T) {
	broker := &fakeBroker{}
	var captured func(error)
	captureCreate := func(weak model.Weak, complete func(error)) { captured = complete; complete(nil) }
	cb := Callbacks{CreateFn: captureCreate, ConnectFn: succeed, IoFn: succeed}
	m, _ := newTestMachine(t, cb, broker)

	m.Start()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic calling CompleteState twice for the same phase")
		}
	}()
	captured(nil)
}

func TestAcceptFnUsedWhenNoConnectFn(t *testing.T) {
	broker := &fakeBroker{}
	acceptCalled := false
	cb := Callbacks{
		CreateFn: succeed,
		AcceptFn: func(weak model.Weak, complete func(error)) { acceptCalled = true; complete(nil) },
		IoFn:     succeed,
	}
	m, _ := newTestMachine(t, cb, broker)

	m.Start()
	m.Tick()
	if !acceptCalled {
		t.Fatalf("expected accept_fn to be used in place of connect_fn")
	}
	if got := m.State(); got != model.Connected {
		t.Fatalf("expected Connected after accept, got %v", got)
	}
}

func TestConnIDExhaustionRoutesToClosing(t *testing.T) {
	broker := &fakeBroker{}
	connectCalled := false
	cb := Callbacks{
		CreateFn:  succeed,
		ConnectFn: func(weak model.Weak, complete func(error)) { connectCalled = true; complete(nil) },
		IoFn:      succeed,
	}
	desc := model.NewConnectionDescriptor(1)
	var alive atomic.Bool
	alive.Store(true)
	weak := model.NewWeak(desc, &alive)
	registry := connid.NewFixed(0) // exhausted before the machine ever asks
	m := New(desc, weak, cb, broker, registry)

	m.Start()
	if got := m.State(); got != model.Closed {
		t.Fatalf("expected connection-id exhaustion to route straight to Closed, got %v", got)
	}
	if connectCalled {
		t.Fatalf("connect_fn must not run when Created was never reached")
	}
	if len(broker.closingCalls) != 1 || broker.closingCalls[0] {
		t.Fatalf("expected one Closing(false) call for a resource-exhaustion failure, got %v", broker.closingCalls)
	}
}

func TestMutuallyExclusiveConnectAcceptEnforced(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected New to panic when neither or both of ConnectFn/AcceptFn are set")
		}
	}()
	newTestMachine(t, Callbacks{CreateFn: succeed, IoFn: succeed}, &fakeBroker{})
}
