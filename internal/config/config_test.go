package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anvil-labs/trafficgen/internal/model"
)

const sampleYAML = `
protocol: udp
io_pattern: push_pull
tcp_shutdown: hard
buffer_size: 8192
transfer_size: 1048576
tcp_bytes_per_second: 500000
connection_limit: 4
target_addresses:
  - 127.0.0.1:8888
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadAppliesYAMLOverDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Protocol != model.UDP {
		t.Fatalf("expected UDP, got %v", opts.Protocol)
	}
	if opts.IoPattern != model.PushPull {
		t.Fatalf("expected PushPull, got %v", opts.IoPattern)
	}
	if opts.TcpShutdown != model.ShutdownHard {
		t.Fatalf("expected ShutdownHard, got %v", opts.TcpShutdown)
	}
	if opts.BufferSize != 8192 {
		t.Fatalf("expected buffer size 8192, got %d", opts.BufferSize)
	}
	// A default not present in the YAML should survive untouched.
	if opts.PrePostRecvs != 1 {
		t.Fatalf("expected the default PrePostRecvs=1 to survive, got %d", opts.PrePostRecvs)
	}
}

func TestLoadRejectsUnknownProtocol(t *testing.T) {
	path := writeTempConfig(t, "protocol: quic\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an unrecognized protocol value")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestEnvOverrideWinsOverYAML(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("TRAFFICGEN_TARGET_ADDRESSES", "10.0.0.1:9999")

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(opts.TargetAddresses) != 1 || opts.TargetAddresses[0] != "10.0.0.1:9999" {
		t.Fatalf("expected the env override to win, got %v", opts.TargetAddresses)
	}
}
