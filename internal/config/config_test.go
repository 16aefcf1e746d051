package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nos-project/netcore/internal/netproto"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.yaml")
	if err := os.WriteFile(path, []byte("interface:\n  mode: static\n  ip: 10.0.0.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != 1 {
		t.Fatalf("version = %d, want 1", cfg.Version)
	}
	if cfg.Interface.ShellPort != 5355 {
		t.Fatalf("shellPort = %d, want default 5355", cfg.Interface.ShellPort)
	}
	if cfg.Interface.TapName != "netcore0" {
		t.Fatalf("tap = %q, want default", cfg.Interface.TapName)
	}
	if cfg.Interface.IP != "10.0.0.5" {
		t.Fatalf("ip = %q, want 10.0.0.5", cfg.Interface.IP)
	}
}

func TestParseMACDefaultsWhenEmpty(t *testing.T) {
	mac, err := ParseMAC("")
	if err != nil {
		t.Fatal(err)
	}
	if mac == (netproto.MAC{}) {
		t.Fatal("expected a non-zero default MAC")
	}
}

func TestParseIPv4RejectsGarbage(t *testing.T) {
	if _, err := ParseIPv4("not-an-ip"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseIPv4RejectsIPv6(t *testing.T) {
	if _, err := ParseIPv4("::1"); err == nil {
		t.Fatal("expected error for ipv6 address")
	}
}
