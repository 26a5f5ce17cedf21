// internal/trace/recorder.go

// Package trace records kernel events off the scheduling path.
package trace

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"uthread/internal/kernel"
	"uthread/internal/logging"
)

// Record is an event stamped with host time.
type Record struct {
	Time time.Time
	kernel.Event
}

// Recorder buffers kernel events on a channel and prints, logs and
// optionally writes them as CSV from its own goroutine.
type Recorder struct {
	log     *slog.Logger
	console io.Writer

	ch        chan Record
	closeOnce sync.Once
	dropped   atomic.Uint64

	// consumer side
	counts      map[kernel.EventKind]int
	switchedIn  map[kernel.TaskID]int
	lastTick    uint32
	csvFile     *os.File
	csvWriter   *csv.Writer
	csvFailures int
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger events are logged to at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = logging.Component(l, "trace") }
}

// WithConsole prints one line per event to w.
func WithConsole(w io.Writer) Option {
	return func(r *Recorder) { r.console = w }
}

// NewRecorder creates a recorder holding up to buffer unconsumed events.
func NewRecorder(buffer int, opts ...Option) *Recorder {
	r := &Recorder{
		log:        logging.Discard(),
		ch:         make(chan Record, buffer),
		counts:     make(map[kernel.EventKind]int),
		switchedIn: make(map[kernel.TaskID]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnableCSV opens path for CSV output. Must be called before Run.
func (r *Recorder) EnableCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "tick", "event", "task", "next", "priority", "wake_tick"}); err != nil {
		f.Close()
		return fmt.Errorf("trace csv header: %w", err)
	}
	w.Flush()
	r.csvFile = f
	r.csvWriter = w
	return nil
}

// Trace is a kernel.Tracer. It never blocks; events that do not fit in the
// buffer are counted and dropped.
func (r *Recorder) Trace(ev kernel.Event) {
	select {
	case r.ch <- Record{Time: time.Now(), Event: ev}:
	default:
		r.dropped.Add(1)
	}
}

// Close ends the stream. Nothing may call Trace afterwards.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.ch) })
}

// Run consumes events until Close or ctx is done, then drains what is
// buffered and closes the CSV file.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.finish()
	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.handle(rec)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				return
			}
			r.handle(rec)
		default:
			return
		}
	}
}

func (r *Recorder) finish() {
	if n := r.dropped.Load(); n > 0 {
		r.log.Warn("trace events dropped", "count", n)
	}
	if r.csvFile == nil {
		return
	}
	r.csvWriter.Flush()
	if err := r.csvWriter.Error(); err != nil {
		r.log.Error("trace csv flush", "err", err)
	}
	r.csvFile.Close()
}

func (r *Recorder) handle(rec Record) {
	r.counts[rec.Kind]++
	r.lastTick = rec.Tick
	if rec.Kind == kernel.EventSwitch {
		r.switchedIn[rec.Next]++
	}

	r.writeCSV(rec)

	// Ticks arrive every period; they are counted but not printed.
	if rec.Kind == kernel.EventTick {
		return
	}

	r.log.Debug("event", "kind", rec.Kind.String(), "tick", rec.Tick, "task", rec.Task,
		"next", rec.Next, "priority", rec.Priority, "wake_tick", rec.WakeTick)

	if r.console != nil {
		fmt.Fprintln(r.console, r.line(rec))
	}
}

// line is the console form of rec.
func (r *Recorder) line(rec Record) string {
	center := func(str string, width int) string {
		spaces := (width - len(str)) / 2
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
	}

	subject := fmt.Sprintf("Task: %03d prio %03d", rec.Task, rec.Priority)
	switch rec.Kind {
	case kernel.EventSchedule, kernel.EventSwitch:
		subject = fmt.Sprintf("Task: %03d -> %03d prio %03d, switched in %d times",
			rec.Task, rec.Next, rec.Priority, r.switchedIn[rec.Next])
	case kernel.EventYield, kernel.EventSleep:
		subject += fmt.Sprintf(", wake at %d", rec.WakeTick)
	case kernel.EventDefer:
		subject = "reschedule left to the lock holder"
	}

	return fmt.Sprintf("%s = Tick: %07d [%s] => %s",
		rec.Time.Format("Jan 02 15:04:05.000"), rec.Tick, center(rec.Kind.String(), 10), subject)
}

func (r *Recorder) writeCSV(rec Record) {
	if r.csvWriter == nil {
		return
	}
	row := []string{
		rec.Time.Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(rec.Tick), 10),
		rec.Kind.String(),
		strconv.Itoa(int(rec.Task)),
		strconv.Itoa(int(rec.Next)),
		strconv.Itoa(int(rec.Priority)),
		strconv.FormatUint(uint64(rec.WakeTick), 10),
	}
	if err := r.csvWriter.Write(row); err != nil {
		r.csvFailures++
		if r.csvFailures == 1 {
			r.log.Error("trace csv write", "err", err)
		}
		return
	}
	r.csvWriter.Flush()
}

// Dropped is the number of events lost to a full buffer.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Summary is what the consumer saw. Read it only after Run returns.
type Summary struct {
	Counts     map[kernel.EventKind]int
	SwitchedIn map[kernel.TaskID]int
	LastTick   uint32
	Dropped    uint64
}

// Summary returns the consumer's totals.
func (r *Recorder) Summary() Summary {
	return Summary{
		Counts:     r.counts,
		SwitchedIn: r.switchedIn,
		LastTick:   r.lastTick,
		Dropped:    r.dropped.Load(),
	}
}
