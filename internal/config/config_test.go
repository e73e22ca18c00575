package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
node:
  id: 7
serial:
  port: /dev/ttyUSB0
  baud_rate: 57600
radio:
  frequency: "868100000"
  spreading_factor: sf10
  bandwidth: "125"
  coding_rate: "4/5"
  power: "1"
  mode: lora
timing:
  retransmit_timeout_seconds: 20
  query_timeout_seconds: 45
  max_retransmit: 5
confirmed: true
store:
  path: /var/lib/loramac-root/state.db
monitor:
  listen_addr: 127.0.0.1:9090
logging:
  level: info
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesAllFields(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.ID != 7 {
		t.Errorf("Node.ID = %d, want 7", cfg.Node.ID)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" {
		t.Errorf("Serial.Port = %q", cfg.Serial.Port)
	}
	if cfg.Radio.SpreadingFactor != "sf10" {
		t.Errorf("Radio.SpreadingFactor = %q", cfg.Radio.SpreadingFactor)
	}
	if cfg.Timing.MaxRetransmit != 5 {
		t.Errorf("Timing.MaxRetransmit = %d, want 5", cfg.Timing.MaxRetransmit)
	}
	if !cfg.Confirmed {
		t.Error("Confirmed = false, want true")
	}
	if cfg.Monitor.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("Monitor.ListenAddr = %q", cfg.Monitor.ListenAddr)
	}
}

func TestLoadRequiresSerialPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("node:\n  id: 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing serial.port")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEngineConfigOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eng := cfg.EngineConfig()
	if eng.MaxRetransmit != 5 {
		t.Errorf("MaxRetransmit = %d, want 5", eng.MaxRetransmit)
	}
	if eng.RetransmitTimeout != 20*time.Second {
		t.Errorf("RetransmitTimeout = %v, want 20s", eng.RetransmitTimeout)
	}
	if eng.Radio.SF != "sf10" {
		t.Errorf("Radio.SF = %q, want sf10", eng.Radio.SF)
	}
	if !eng.Confirmed {
		t.Error("Confirmed = false, want true")
	}
}

func TestEngineConfigFallsBackToDefaultsWhenUnset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	minimal := "serial:\n  port: /dev/ttyUSB0\n"
	if err := os.WriteFile(path, []byte(minimal), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eng := cfg.EngineConfig()
	if eng.MaxRetransmit != 3 {
		t.Errorf("MaxRetransmit = %d, want default 3", eng.MaxRetransmit)
	}
}
