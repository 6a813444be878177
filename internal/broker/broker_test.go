package broker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeCSM is a minimal Tickable: it advances one internal step per Tick
// call and completes after a fixed number of ticks.
type fakeCSM struct {
	mu       sync.Mutex
	ticks    int
	maxTicks int
	closed   bool
}

func (f *fakeCSM) Start() {}

func (f *fakeCSM) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.ticks++
	if f.ticks >= f.maxTicks {
		f.closed = true
	}
}

func (f *fakeCSM) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestStartRespectsThrottleLimit(t *testing.T) {
	var spawned int32
	b := New(Config{
		TotalRemaining:     10,
		PendingLimit:       10,
		ConnectionThrottle: 3,
		Spawn: func() Tickable {
			atomic.AddInt32(&spawned, 1)
			return &fakeCSM{maxTicks: 1000}
		},
	})
	b.Start()
	defer b.Stop()

	snap := b.Snapshot()
	if snap.Pending != 3 {
		t.Fatalf("expected pending=3 under a throttle of 3, got %d", snap.Pending)
	}
	if spawned != 3 {
		t.Fatalf("expected exactly 3 spawns, got %d", spawned)
	}
}

// activeCSM is a Tickable that drives the same InitiatingIO/Closing
// hook sequence a real csm.Machine drives, so tests can observe the
// broker's pending/active bookkeeping under a full pending->active->closed
// lifecycle rather than just the pending count fakeCSM exercises.
type activeCSM struct {
	b     *Broker
	mu    sync.Mutex
	stage int // 0=pending, 1=active, 2=closed
}

func (a *activeCSM) Start() {}

func (a *activeCSM) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.stage {
	case 0:
		a.b.InitiatingIO()
		a.stage = 1
	case 1:
		a.b.Closing(true)
		a.stage = 2
	}
}

func (a *activeCSM) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage == 2
}

// TestConnectionLimitCapsPendingPlusActive covers the client-role
// pending+active ceiling: without it, a connection that has already moved
// to active leaves room in "pending" for the tick sweep to refill,
// growing the live population past ConnectionLimit even though the
// client's connection-id registry only ever holds ConnectionLimit slots.
func TestConnectionLimitCapsPendingPlusActive(t *testing.T) {
	const total = 40
	const limit = 5

	var spawned int32
	var maxLive int32

	b := New(Config{
		TotalRemaining:     total,
		PendingLimit:       limit,
		ConnectionThrottle: limit,
		ConnectionLimit:    limit,
		TickPeriod:         2 * time.Millisecond,
	})
	// activeCSM needs the broker itself to call InitiatingIO/Closing, so
	// Spawn is wired after construction rather than passed into Config.
	b.cfg.Spawn = func() Tickable {
		atomic.AddInt32(&spawned, 1)
		return &activeCSM{b: b}
	}

	b.Start()
	defer b.Stop()

	deadline := time.After(2 * time.Second)
	for {
		snap := b.Snapshot()
		if live := int32(snap.Pending + snap.Active); live > maxLive {
			maxLive = live
		}
		if snap.Pending+snap.Active > limit {
			t.Fatalf("pending+active exceeded ConnectionLimit: %d > %d", snap.Pending+snap.Active, limit)
		}
		if b.Wait(5 * time.Millisecond) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("broker did not finish within the deadline; last snapshot=%+v", snap)
		default:
		}
	}

	if spawned != total {
		t.Fatalf("expected exactly %d connections created, got %d", total, spawned)
	}
}

func TestServerRoleIgnoresThrottle(t *testing.T) {
	b := New(Config{
		TotalRemaining:     5,
		PendingLimit:       5,
		ConnectionThrottle: 1,
		Server:             true,
		Spawn:              func() Tickable { return &fakeCSM{maxTicks: 1000} },
	})
	b.Start()
	defer b.Stop()

	if snap := b.Snapshot(); snap.Pending != 5 {
		t.Fatalf("expected the server role to ignore ConnectionThrottle, pending=%d", snap.Pending)
	}
}

// TestT5ThrottleAndCount drives spec.md's T5 scenario: ConnectionLimit=10,
// ConnectionThrottleLimit=3, Iterations=10 (100 total connections), and
// checks the population never exceeds the throttle and terminates cleanly.
func TestT5ThrottleAndCount(t *testing.T) {
	const total = 100
	const throttle = 3

	var spawned int32
	var maxPendingObserved int32

	b := New(Config{
		TotalRemaining:     total,
		PendingLimit:       throttle,
		ConnectionThrottle: throttle,
		TickPeriod:         5 * time.Millisecond,
	})
	// The done signal is count-based, so each connection must report its
	// InitiatingIO/Closing transitions back to the broker; activeCSM does.
	b.cfg.Spawn = func() Tickable {
		atomic.AddInt32(&spawned, 1)
		return &activeCSM{b: b}
	}

	b.Start()
	defer b.Stop()

	deadline := time.After(2 * time.Second)
	for {
		snap := b.Snapshot()
		if int32(snap.Pending) > maxPendingObserved {
			maxPendingObserved = int32(snap.Pending)
		}
		if snap.Pending > throttle {
			t.Fatalf("pending exceeded throttle: %d > %d", snap.Pending, throttle)
		}
		if b.Wait(10 * time.Millisecond) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("broker did not finish within the deadline; last snapshot=%+v", snap)
		default:
		}
	}

	if spawned != total {
		t.Fatalf("expected exactly %d connections created, got %d", total, spawned)
	}
	final := b.Snapshot()
	if final.TotalRemaining != 0 || final.Pending != 0 || final.Active != 0 {
		t.Fatalf("expected all counters at zero on done, got %+v", final)
	}
}

func TestInitiatingIOAndClosingCounters(t *testing.T) {
	b := New(Config{TotalRemaining: 0, PendingLimit: 1, Spawn: func() Tickable { return nil }})

	// Simulate the sequence a real csm.Machine would drive: it always
	// calls InitiatingIO before Closing(true), and the broker only ever
	// sees Closing(false) for a setup-phase failure without a matching
	// InitiatingIO.
	b.mu.Lock()
	b.pending = 1
	b.mu.Unlock()

	b.InitiatingIO()
	if snap := b.Snapshot(); snap.Pending != 0 || snap.Active != 1 {
		t.Fatalf("expected pending=0 active=1 after InitiatingIO, got %+v", snap)
	}

	b.Closing(true)
	if snap := b.Snapshot(); snap.Active != 0 {
		t.Fatalf("expected active=0 after Closing(true), got %+v", snap)
	}
}

func TestInitiatingIOPanicsWithoutPending(t *testing.T) {
	b := New(Config{Spawn: func() Tickable { return nil }})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected InitiatingIO to panic when pending is already zero")
		}
	}()
	b.InitiatingIO()
}
