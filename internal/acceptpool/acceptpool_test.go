package acceptpool

import (
	"net"
	"testing"
	"time"

	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestAcceptReturnsDialedConnections(t *testing.T) {
	ln := listen(t)
	pool := New(ln, 4)
	defer pool.Close()

	const n = 3
	for i := 0; i < n; i++ {
		conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		defer conn.Close()
	}

	for i := 0; i < n; i++ {
		accepted, err := pool.Accept()
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
		if accepted == nil {
			t.Fatalf("accept %d: expected a non-nil connection", i)
		}
		accepted.Close()
	}
}

func TestAcceptBlocksThenServesAPendedCaller(t *testing.T) {
	ln := listen(t)
	pool := New(ln, 2)
	defer pool.Close()

	results := make(chan error, 1)
	go func() {
		conn, err := pool.Accept()
		if conn != nil {
			conn.Close()
		}
		results <- err
	}()

	// Give Accept a moment to enqueue itself as a pended caller before a
	// connection exists to satisfy it.
	time.Sleep(20 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("expected the pended Accept to succeed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pended Accept never completed")
	}
}

func TestCloseAbortsPendedCallers(t *testing.T) {
	ln := listen(t)
	pool := New(ln, 1)

	results := make(chan error, 1)
	go func() {
		_, err := pool.Accept()
		results <- err
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Close()

	select {
	case err := <-results:
		if err == nil || !xerrors.IsTransport(err) {
			t.Fatalf("expected a transport (connection-aborted) error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pended Accept was never aborted by Close")
	}
}

func TestAcceptAfterCloseIsAborted(t *testing.T) {
	ln := listen(t)
	pool := New(ln, 1)
	pool.Close()

	if _, err := pool.Accept(); err == nil || !xerrors.IsTransport(err) {
		t.Fatalf("expected Accept on a closed pool to report connection-aborted, got %v", err)
	}
}
