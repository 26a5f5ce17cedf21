package trace

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"uthread/internal/kernel"
)

func feed(r *Recorder, evs ...kernel.Event) {
	for _, ev := range evs {
		r.Trace(ev)
	}
	r.Close()
}

func TestRecorderConsole(t *testing.T) {
	var out bytes.Buffer
	r := NewRecorder(16, WithConsole(&out))
	feed(r,
		kernel.Event{Kind: kernel.EventCreate, Task: 1, Priority: 3},
		kernel.Event{Kind: kernel.EventTick, Tick: 1},
		kernel.Event{Kind: kernel.EventSwitch, Tick: 1, Task: 0, Next: 1, Priority: 3},
		kernel.Event{Kind: kernel.EventYield, Tick: 1, Task: 1, Priority: 3, WakeTick: 11},
	)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("printed %d lines, want 3 (ticks are not printed):\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "[  Switch  ]") || !strings.Contains(lines[1], "000 -> 001") {
		t.Errorf("switch line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "wake at 11") {
		t.Errorf("yield line = %q", lines[2])
	}

	s := r.Summary()
	if s.Counts[kernel.EventTick] != 1 || s.SwitchedIn[1] != 1 || s.LastTick != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestRecorderCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	r := NewRecorder(8)
	if err := r.EnableCSV(path); err != nil {
		t.Fatal(err)
	}
	feed(r,
		kernel.Event{Kind: kernel.EventTick, Tick: 7},
		kernel.Event{Kind: kernel.EventSleep, Tick: 7, Task: 2, Priority: 9, WakeTick: kernel.Forever},
	)
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus 2", len(rows))
	}
	if got := strings.Join(rows[0], ","); got != "timestamp,tick,event,task,next,priority,wake_tick" {
		t.Errorf("header = %s", got)
	}
	if got := strings.Join(rows[2][1:], ","); got != "7,Sleep,2,0,9,4294967295" {
		t.Errorf("sleep row = %s", got)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := NewRecorder(2)
	for i := 0; i < 5; i++ {
		r.Trace(kernel.Event{Kind: kernel.EventTick, Tick: uint32(i)})
	}
	if r.Dropped() != 3 {
		t.Fatalf("Dropped() = %d, want 3", r.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if s := r.Summary(); s.Counts[kernel.EventTick] != 2 || s.Dropped != 3 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestEnableCSVBadPath(t *testing.T) {
	r := NewRecorder(1)
	if err := r.EnableCSV(filepath.Join(t.TempDir(), "missing", "trace.csv")); err == nil {
		t.Fatalf("EnableCSV() error = nil")
	}
}
