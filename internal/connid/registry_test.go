package connid

import (
	"testing"

	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

func TestFixedRegistryExhaustion(t *testing.T) {
	r := NewFixed(2)
	a, err := r.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if _, err := r.Acquire(); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	_, err = r.Acquire()
	if err == nil {
		t.Fatalf("expected exhaustion error on a fixed registry")
	}
	if !xerrors.IsResource(err) {
		t.Fatalf("expected exhaustion to classify as a resource error, got %v", err)
	}
	r.Release(a)
	if _, err := r.Acquire(); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestGrowableRegistryCommitsMore(t *testing.T) {
	r := NewGrowable()
	initial := r.Capacity()
	for i := 0; i < initial; i++ {
		if _, err := r.Acquire(); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if _, err := r.Acquire(); err != nil {
		t.Fatalf("expected the growable registry to commit more slots, got %v", err)
	}
	if r.Capacity() <= initial {
		t.Fatalf("expected capacity to grow past %d, got %d", initial, r.Capacity())
	}
}

func TestReleaseClearsSlot(t *testing.T) {
	r := NewFixed(1)
	slot, err := r.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	copy(slot, []byte("some-connection-identifier-value"))
	r.Release(slot)
	for _, b := range slot {
		if b != 0 {
			t.Fatalf("expected released slot to be cleared, found %v", slot)
		}
	}
}
