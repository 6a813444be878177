package status

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/anvil-labs/trafficgen/internal/broker"
	"github.com/anvil-labs/trafficgen/internal/model"
	"github.com/anvil-labs/trafficgen/internal/xerrors"
)

func TestFormatTCPOmitsFramesColumn(t *testing.T) {
	var buf bytes.Buffer
	snap := Snapshot{Protocol: model.TCP, Active: 2, Pending: 1, Completed: 5, BytesTotal: 1024}
	if err := Format(&buf, snap, true); err != nil {
		t.Fatalf("Format: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "Frames") {
		t.Fatalf("TCP header should not mention Frames, got %q", out)
	}
	if !strings.Contains(out, "1024") {
		t.Fatalf("expected the byte total in output, got %q", out)
	}
}

func TestFormatUDPIncludesFramesColumn(t *testing.T) {
	var buf bytes.Buffer
	snap := Snapshot{Protocol: model.UDP, Frames: 42}
	if err := Format(&buf, snap, true); err != nil {
		t.Fatalf("Format: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Frames") {
		t.Fatalf("UDP header should mention Frames, got %q", out)
	}
	if !strings.Contains(out, "42") {
		t.Fatalf("expected the frame count in output, got %q", out)
	}
}

func TestAggregatorIntervalBytesResetOnSnapshot(t *testing.T) {
	b := broker.New(broker.Config{TotalRemaining: 0, Spawn: func() broker.Tickable { return nil }})
	agg := NewAggregator(model.TCP, b)

	agg.AddBytes(100)
	agg.AddBytes(50)

	snap := agg.Snapshot()
	if snap.BytesTotal != 150 {
		t.Fatalf("expected total 150, got %d", snap.BytesTotal)
	}
	if snap.BytesInterval != 150 {
		t.Fatalf("expected interval 150 on first read, got %d", snap.BytesInterval)
	}

	snap2 := agg.Snapshot()
	if snap2.BytesTotal != 150 {
		t.Fatalf("expected total to persist at 150, got %d", snap2.BytesTotal)
	}
	if snap2.BytesInterval != 0 {
		t.Fatalf("expected interval to reset to 0, got %d", snap2.BytesInterval)
	}
}

func TestAggregatorClassifiesErrors(t *testing.T) {
	b := broker.New(broker.Config{Spawn: func() broker.Tickable { return nil }})
	agg := NewAggregator(model.TCP, b)

	agg.ConnectionCompleted()
	agg.ConnectionFailed(xerrors.New(xerrors.KindProtocol, xerrors.ReasonTooFewBytes, "short read"))
	agg.ConnectionFailed(xerrors.New(xerrors.KindTransport, nil, "reset"))

	snap := agg.Snapshot()
	if snap.Completed != 1 {
		t.Fatalf("expected 1 completed, got %d", snap.Completed)
	}
	if snap.ProtocolErrors != 1 {
		t.Fatalf("expected 1 protocol error, got %d", snap.ProtocolErrors)
	}
	if snap.ConnectionErrors != 1 {
		t.Fatalf("expected 1 connection error, got %d", snap.ConnectionErrors)
	}
}

func TestExitCodeSumsErrors(t *testing.T) {
	b := broker.New(broker.Config{Spawn: func() broker.Tickable { return nil }})
	agg := NewAggregator(model.TCP, b)
	agg.ConnectionFailed(xerrors.New(xerrors.KindTransport, nil, "x"))
	agg.ConnectionFailed(xerrors.New(xerrors.KindProtocol, nil, "y"))
	if got := agg.ExitCode(); got != 2 {
		t.Fatalf("expected exit code 2, got %d", got)
	}
}

func TestReporterStopsCleanly(t *testing.T) {
	b := broker.New(broker.Config{Spawn: func() broker.Tickable { return nil }})
	agg := NewAggregator(model.TCP, b)
	var buf bytes.Buffer
	r := NewReporter(agg, 10*time.Millisecond, &buf)

	go r.Run()
	time.Sleep(35 * time.Millisecond)
	r.Stop()

	if buf.Len() == 0 {
		t.Fatalf("expected at least one reported row")
	}
}
