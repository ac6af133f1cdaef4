package marlin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/printhive/edge-agent/internal/gcode"
)

// PrintEventKind classifies a PrintEvent (spec §4.6.5).
type PrintEventKind int

const (
	EventRunning PrintEventKind = iota
	EventErrored
	EventCanceled
	EventSuccess
)

func (k PrintEventKind) String() string {
	switch k {
	case EventRunning:
		return "running"
	case EventErrored:
		return "errored"
	case EventCanceled:
		return "canceled"
	case EventSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// PrintEvent is emitted over the course of one PrintFile call.
type PrintEvent struct {
	Kind PrintEventKind
	Err  error
}

// PrintFile streams reader's commands to the printer (spec §4.6.5):
// transitions to Printing, starts temperature polling, sends each
// sanitized line awaiting its acknowledgement before the next (Marlin flow
// control), and reports terminal status via onEvent. onEvent runs
// synchronously on the caller's goroutine; it must not block.
func (d *Driver) PrintFile(ctx context.Context, reader *gcode.Reader, onEvent func(PrintEvent)) error {
	d.mu.Lock()
	if d.state != Ready {
		st := d.state
		d.mu.Unlock()
		return fmt.Errorf("marlin: cannot start print from state %s", st)
	}
	d.state = Printing
	d.mu.Unlock()
	onEvent(PrintEvent{Kind: EventRunning})

	printCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelPrint = cancel
	d.printAbortErr = nil
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.cancelPrint = nil
		d.printAbortErr = nil
		d.mu.Unlock()
		cancel()
	}()

	if err := d.ensureTemperaturePolling(printCtx); err != nil {
		return d.finishErrored(onEvent, err)
	}

	for {
		if d.State() == Paused {
			if !d.waitWhilePaused(printCtx) {
				if abortErr := d.takeAbortErr(); abortErr != nil {
					return d.finishErrored(onEvent, abortErr)
				}
				return d.finishCanceled(onEvent)
			}
		}

		line, ok := reader.Next()
		if !ok {
			if err := reader.Err(); err != nil {
				return d.finishErrored(onEvent, err)
			}
			break
		}

		if err := d.SendCommand(printCtx, line); err != nil {
			if abortErr := d.takeAbortErr(); abortErr != nil {
				return d.finishErrored(onEvent, abortErr)
			}
			if errors.Is(printCtx.Err(), context.Canceled) {
				return d.finishCanceled(onEvent)
			}
			return d.finishErrored(onEvent, err)
		}
	}

	d.setState(Ready)
	onEvent(PrintEvent{Kind: EventSuccess})
	return nil
}

func (d *Driver) ensureTemperaturePolling(ctx context.Context) error {
	d.mu.Lock()
	if d.tempPollingStarted {
		d.mu.Unlock()
		return nil
	}
	d.tempPollingStarted = true
	d.mu.Unlock()
	return d.SendCommand(ctx, fmt.Sprintf("M155 S%d", d.opts.TelemetryIntervalSecs))
}

func (d *Driver) waitWhilePaused(ctx context.Context) bool {
	for d.State() == Paused {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Cancel aborts an in-progress print: the reader loop stops, the
// configured abort sequence is appended to the FIFO, and PrintFile's
// onEvent reports EventCanceled once the abort sequence drains (spec
// §4.6.5 item 5).
func (d *Driver) Cancel() {
	d.mu.Lock()
	cancel := d.cancelPrint
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause halts streaming after the current in-flight command acknowledges;
// it is only valid while Printing.
func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Printing {
		return fmt.Errorf("marlin: cannot pause from state %s", d.state)
	}
	d.state = Paused
	return nil
}

// Resume returns a Paused driver to Printing.
func (d *Driver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Paused {
		return fmt.Errorf("marlin: cannot resume from state %s", d.state)
	}
	d.state = Printing
	return nil
}

func (d *Driver) finishCanceled(onEvent func(PrintEvent)) error {
	for _, cmd := range d.opts.AbortSequence {
		_ = d.SendCommand(context.Background(), cmd)
	}
	d.setState(Ready)
	onEvent(PrintEvent{Kind: EventCanceled})
	return nil
}

func (d *Driver) finishErrored(onEvent func(PrintEvent), err error) error {
	d.setState(Errored)
	onEvent(PrintEvent{Kind: EventErrored, Err: err})
	return err
}

// abortActivePrint is called from the read loop when an `Error:` response
// or a resend-exhausted command arrives while a print is active: it
// records why, then cancels PrintFile's context so it unwinds through
// finishErrored with that reason instead of being mistaken for an
// external Cancel (which leaves printAbortErr nil).
func (d *Driver) abortActivePrint(err error) {
	d.mu.Lock()
	cancel := d.cancelPrint
	if cancel != nil {
		d.printAbortErr = err
	}
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Driver) takeAbortErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.printAbortErr
}
