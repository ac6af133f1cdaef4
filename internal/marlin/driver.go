package marlin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/printhive/edge-agent/internal/agenterr"
	"github.com/printhive/edge-agent/internal/gcode"
	"github.com/printhive/edge-agent/internal/task"
)

// State is the driver's printer-facing lifecycle (spec §4.6.6).
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Printing
	Paused
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Printing:
		return "printing"
	case Paused:
		return "paused"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Options configures a Driver. Zero values are replaced by the defaults in
// withDefaults (spec §5).
type Options struct {
	BootTimeout            time.Duration // default 10s
	CommandTimeout         time.Duration // default 10s; heater commands are exempt
	MaxResends             int           // default 5
	TelemetryIntervalSecs  int           // default 2
	AbortSequence          []string      // default M104 S0, M140 S0, M84
	Logger                 *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BootTimeout <= 0 {
		o.BootTimeout = 10 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.MaxResends <= 0 {
		o.MaxResends = 5
	}
	if o.TelemetryIntervalSecs <= 0 {
		o.TelemetryIntervalSecs = 2
	}
	if o.AbortSequence == nil {
		o.AbortSequence = []string{"M104 S0", "M140 S0", "M84"}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// heaterCommands never time out; they are acknowledged only once the
// heater reaches its target (spec §5: "heater commands exempt until their
// own acknowledgement").
var heaterCommands = map[string]bool{"M109": true, "M190": true}

// Driver drives one printer's Marlin firmware over ISerialPort (spec
// §4.6). Zero value is not usable; build one with New.
type Driver struct {
	port ISerialPort
	opts Options
	log  *slog.Logger

	writer  *task.Runner
	scanner *bufio.Scanner

	lines     chan string
	scanErrCh chan error

	queue pendingQueue

	mu                 sync.Mutex
	state              State
	lineNumber         int
	cancelPrint        context.CancelFunc
	printAbortErr      error
	tempPollingStarted bool
	lastTemperature    TemperatureSnapshot
	haveTemperature    bool
	onTemperature      func(TemperatureSnapshot)
}

// New builds a Driver over port. The port is read from immediately (in a
// background goroutine) so that lines arriving during the boot-banner wait
// in Connect are never lost (spec §4.6.2).
func New(port ISerialPort, opts Options) *Driver {
	o := opts.withDefaults()
	d := &Driver{
		port:      port,
		opts:      o,
		log:       o.Logger,
		writer:    task.New(),
		scanner:   bufio.NewScanner(port),
		lines:     make(chan string),
		scanErrCh: make(chan error, 1),
	}
	d.scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	go d.pump()
	return d
}

func (d *Driver) pump() {
	for d.scanner.Scan() {
		d.lines <- d.scanner.Text()
	}
	d.scanErrCh <- d.scanner.Err()
	close(d.lines)
}

// OnTemperature registers a callback invoked (on the read loop; it must
// not block) every time a telemetry line is parsed.
func (d *Driver) OnTemperature(cb func(TemperatureSnapshot)) {
	d.mu.Lock()
	d.onTemperature = cb
	d.mu.Unlock()
}

// LastTemperature returns the most recently parsed telemetry snapshot.
func (d *Driver) LastTemperature() (TemperatureSnapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTemperature, d.haveTemperature
}

// State returns the driver's current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Connect performs the handshake (spec §4.6.2): set DTR, discard buffers,
// wait for the firmware's boot banner, then reset line numbering with
// `M110 N0`. On success the driver is Ready.
func (d *Driver) Connect(ctx context.Context) error {
	d.setState(Connecting)
	if err := d.port.SetDTR(true); err != nil {
		return fmt.Errorf("marlin: set DTR: %w", err)
	}
	_ = d.port.ResetInputBuffer()
	_ = d.port.ResetOutputBuffer()

	deadline := time.NewTimer(d.opts.BootTimeout)
	defer deadline.Stop()

	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return fmt.Errorf("marlin: port closed waiting for boot banner")
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "start" || strings.HasPrefix(trimmed, "echo:") {
				return d.finishHandshake(ctx)
			}
		case err := <-d.scanErrCh:
			if err == nil {
				err = io.EOF
			}
			return fmt.Errorf("marlin: reading boot banner: %w", err)
		case <-deadline.C:
			return fmt.Errorf("marlin: timed out waiting for boot banner after %s", d.opts.BootTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Driver) finishHandshake(ctx context.Context) error {
	d.mu.Lock()
	d.lineNumber = 0
	d.mu.Unlock()
	wire, _ := frameLine(0, "M110 N0")
	if _, err := d.port.Write([]byte(wire)); err != nil {
		return fmt.Errorf("marlin: reset line numbering: %w", err)
	}
	d.setState(Ready)
	return nil
}

// Run drives the writer, reader, and deadline watchdog loops until ctx is
// canceled or the port closes. Call it in its own goroutine after Connect
// succeeds.
func (d *Driver) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.writer.Run(gctx) })
	g.Go(d.readLoop)
	g.Go(func() error { return d.deadlineWatchdog(gctx) })
	go func() {
		<-gctx.Done()
		_ = d.port.Close()
	}()
	return g.Wait()
}

func (d *Driver) readLoop() error {
	for line := range d.lines {
		d.handleLine(strings.TrimSpace(line))
	}
	select {
	case err := <-d.scanErrCh:
		if err != nil {
			return err
		}
	default:
	}
	return io.EOF
}

func (d *Driver) handleLine(line string) {
	switch {
	case line == "":
		return
	case line == "ok":
		d.ackOK(0, false)
	case strings.HasPrefix(line, "ok"):
		d.ackOK(parseOKLineNumber(line))
	case strings.HasPrefix(line, "resend:") || strings.HasPrefix(line, "Resend:") ||
		strings.HasPrefix(line, "resend ") || strings.HasPrefix(line, "Resend "):
		d.handleResend(line)
	case strings.HasPrefix(line, "busy:"):
		d.queue.extendDeadline(d.opts.CommandTimeout)
	case strings.HasPrefix(line, "Error:"):
		d.handleError(strings.TrimSpace(strings.TrimPrefix(line, "Error:")))
	case strings.HasPrefix(line, "T:"):
		if snap, ok := parseTemperature(line); ok {
			d.publishTemperature(snap)
		}
	case strings.HasPrefix(line, "echo:"):
		d.log.Debug("marlin: echo", "line", line)
	default:
		d.log.Debug("marlin: unmatched line", "line", line)
	}
}

// parseOKLineNumber extracts N from "ok N12" / "ok 12"; a bare "ok" with
// trailing garbage falls back to (0, false), meaning "ack the FIFO head".
func parseOKLineNumber(line string) (int, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "ok"))
	if rest == "" {
		return 0, false
	}
	rest = strings.TrimPrefix(rest, "N")
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *Driver) ackOK(n int, hasNumber bool) {
	var popped []*pendingEntry
	if hasNumber {
		popped = d.queue.popThrough(n)
	} else if e := d.queue.popHead(); e != nil {
		popped = []*pendingEntry{e}
	}
	for _, e := range popped {
		e.resolve(nil)
	}
}

func (d *Driver) handleResend(line string) {
	n, ok := parseResendLineNumber(line)
	if !ok {
		d.log.Debug("marlin: unparseable resend line", "line", line)
		return
	}
	d.log.Warn("marlin: resend requested", "line", n)
	for _, e := range d.queue.from(n) {
		e.resends++
		if e.resends > d.opts.MaxResends {
			d.failEntry(e, &agenterr.ResendExhausted{LineNumber: e.lineNumber, Attempts: e.resends - 1})
			continue
		}
		wire := e.wire
		lineNumber := e.lineNumber
		fut := d.writer.Enqueue(context.Background(), func(ctx context.Context) error {
			_, err := d.port.Write([]byte(wire))
			return err
		})
		go func() {
			if err := fut.Wait(context.Background()); err != nil {
				d.log.Warn("marlin: resend write failed", "line", lineNumber, "error", err)
			}
		}()
	}
}

func parseResendLineNumber(line string) (int, bool) {
	_, rest, found := strings.Cut(line, ":")
	if !found {
		_, rest, found = strings.Cut(line, " ")
		if !found {
			return 0, false
		}
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimPrefix(rest, "N")
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *Driver) handleError(text string) {
	d.log.Error("marlin: printer error", "text", text)
	for _, e := range d.queue.reset() {
		e.resolve(&agenterr.PrinterError{Text: text})
	}
	d.setState(Errored)
	d.abortActivePrint(&agenterr.PrinterError{Text: text})
}

func (d *Driver) failEntry(e *pendingEntry, err error) {
	d.log.Error("marlin: command failed", "line", e.lineNumber, "error", err)
	e.resolve(err)
	d.queue.remove(e.lineNumber)
	d.setState(Errored)
	d.abortActivePrint(err)
}

func (d *Driver) publishTemperature(snap TemperatureSnapshot) {
	d.mu.Lock()
	d.lastTemperature = snap
	d.haveTemperature = true
	cb := d.onTemperature
	d.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

func (d *Driver) deadlineWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, e := range d.queue.expired(time.Now()) {
				e.resolve(&agenterr.Timeout{LineNumber: e.lineNumber})
				d.queue.remove(e.lineNumber)
			}
		}
	}
}

// SendCommand sanitizes, frames, enqueues, and transmits raw through the
// writer (spec §4.6.3). It blocks until the command is acknowledged, fails
// permanently (ResendExhausted, PrinterError), or times out.
func (d *Driver) SendCommand(ctx context.Context, raw string) error {
	line := gcode.Sanitize(raw)
	if line == "" {
		return nil
	}

	d.mu.Lock()
	if d.state == Errored {
		d.mu.Unlock()
		return &agenterr.PrinterError{Text: "driver is in Errored state; call Reset"}
	}
	d.lineNumber++
	n := d.lineNumber
	d.mu.Unlock()

	wire, _ := frameLine(n, line)
	entry := newPendingEntry(n, wire, d.commandDeadline(line))
	d.queue.push(entry)

	fut := d.writer.Enqueue(ctx, func(ctx context.Context) error {
		_, err := d.port.Write([]byte(wire))
		return err
	})
	if err := fut.Wait(ctx); err != nil {
		entry.resolve(err)
		d.queue.remove(n)
		return err
	}

	select {
	case <-entry.done:
		return entry.err
	case <-ctx.Done():
		// The read loop may have resolved entry (e.g. with PrinterError)
		// in the same instant it canceled our context via
		// abortActivePrint; prefer that more specific outcome.
		select {
		case <-entry.done:
			return entry.err
		default:
		}
		entry.resolve(&agenterr.Canceled{Op: "send_command"})
		return ctx.Err()
	}
}

func (d *Driver) commandDeadline(line string) time.Time {
	code := gcode.CommandCode(line)
	if heaterCommands[code] {
		return time.Time{}
	}
	return time.Now().Add(d.opts.CommandTimeout)
}

// Reset recovers from Errored by sending M999, discarding any stale
// pending entries, resetting line numbering, and returning to Ready (spec
// §9's resolution of the `Error:` open question: permanent per command
// until an explicit reset).
func (d *Driver) Reset(ctx context.Context) error {
	if d.State() != Errored {
		return nil
	}
	for _, e := range d.queue.reset() {
		e.resolve(&agenterr.Canceled{Op: "reset"})
	}
	wire, _ := frameLine(0, "M999")
	fut := d.writer.Enqueue(ctx, func(ctx context.Context) error {
		_, err := d.port.Write([]byte(wire))
		return err
	})
	if err := fut.Wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.lineNumber = 0
	d.mu.Unlock()
	d.setState(Ready)
	return nil
}
