package cli

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "none.yml")
}

func TestConfigDefaults(t *testing.T) {
	out, err := execute(t, "config", "--config", missingConfig(t))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{"clock_hz: 168000000", "tick_hz: 1000", "base_priority: 8", "real_time: true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigFileIsClamped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("tick_hz: 500\nbase_priority: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "config", "--config", path)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, "tick_hz: 500") || !strings.Contains(out, "base_priority: 8") {
		t.Fatalf("output:\n%s", out)
	}
}

func TestConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("tick_hz: [1, 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "--config", path); err == nil {
		t.Fatalf("config with malformed file: error = nil")
	}
}

func TestFrame(t *testing.T) {
	out, err := execute(t, "frame", "--config", missingConfig(t), "--words", "64", "--arg", "7")
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1+49 {
		t.Fatalf("frame printed %d lines, want header plus 49:\n%s", len(lines), out)
	}
	checks := map[int][]string{
		1:  {"30000000", "FPSCR"},
		34: {"R4", "unwritten"},
		42: {"R0", "boxed arg 7"},
		46: {"0000000c", "R12"},
		47: {"fffffffe", "LR"},
		48: {"PC", "task entry"},
		49: {"01000000", "xPSR"},
	}
	for i, wants := range checks {
		for _, want := range wants {
			if !strings.Contains(lines[i], want) {
				t.Errorf("line %d = %q, want %q", i, lines[i], want)
			}
		}
	}
}

func TestFrameTooSmall(t *testing.T) {
	if _, err := execute(t, "frame", "--config", missingConfig(t), "--words", "10"); err == nil {
		t.Fatalf("frame --words 10: error = nil")
	}
}

func TestRunVirtualTicks(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "trace.csv")
	out, err := execute(t, "run", "--config", missingConfig(t), "--virtual",
		"--ticks", "200", "--duration", "0", "--press", "0", "--csv", csvPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "ran 200 ticks") {
		t.Errorf("output missing tick count:\n%s", out)
	}
	if !strings.Contains(out, "TASK") || !strings.Contains(out, "pool:") {
		t.Errorf("output missing stack report:\n%s", out)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	ticks := 0
	for _, row := range rows[1:] {
		if row[2] == "Tick" {
			ticks++
		}
	}
	if ticks != 200 {
		t.Errorf("csv has %d tick rows, want 200", ticks)
	}
}

func TestRunNeedsALimit(t *testing.T) {
	if _, err := execute(t, "run", "--config", missingConfig(t), "--duration", "0"); err == nil {
		t.Fatalf("run without a limit: error = nil")
	}
}
