package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/i8254/internal/i8254"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `version: 1
tick: 1ms
portBase: 0x48
terminalPolicy: wrap
logLevel: debug
gates: [true, false]
`
	if err := os.WriteFile(filepath.Join(dir, Filename), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Config{
		Version:        1,
		Tick:           time.Millisecond,
		PortBase:       0x48,
		TerminalPolicy: "wrap",
		LogLevel:       "debug",
		Gates:          []bool{true, false},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Policy() != i8254.WrapAround {
		t.Errorf("Policy = %v, want wrap", cfg.Policy())
	}
	if level, err := cfg.Level(); err != nil || level != slog.LevelDebug {
		t.Errorf("Level = %v, %v", level, err)
	}
	if !cfg.Gate(0) || cfg.Gate(1) || !cfg.Gate(2) {
		t.Errorf("unexpected gates %v %v %v", cfg.Gate(0), cfg.Gate(1), cfg.Gate(2))
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.PortBase != 0x40 || cfg.TerminalPolicy != "hold" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	for _, doc := range []string{
		"terminalPolicy: bounce\n",
		"logLevel: loud\n",
		"gates: [true, true, true, true]\n",
		"portBase: 0xfffe\n",
		"tick: -1ms\n",
		"tick: soon\n",
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("Parse(%q) succeeded", doc)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine", Filename)
	in := Config{Tick: 838 * time.Nanosecond, Gates: []bool{true, true, false}}
	if err := Write(path, in); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	in.normalize()
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNewChipAppliesConfig(t *testing.T) {
	cfg := Default()
	cfg.PortBase = 0x48
	cfg.Gates = []bool{true, true, false}

	chip := cfg.NewChip(func() uint64 { return 0 })
	if chip.PortBase() != 0x48 || !chip.ClaimPort(0x4B) || chip.ClaimPort(0x43) {
		t.Fatalf("port base not applied")
	}
	if chip.Gate(2) || !chip.Gate(0) {
		t.Fatalf("gates not applied")
	}
}
