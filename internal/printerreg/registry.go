// Package printerreg implements the Printer State Aggregator (spec §4.7): a
// registry of attached printers and a periodic ticker that walks them,
// collects state and temperature snapshots concurrently, and publishes the
// result to a Cable subscription while that subscription is Subscribed (the
// client's own connection state is not consulted). Bounded
// concurrency follows the teacher's internal/cmd/bulk.go pattern (errgroup +
// semaphore) generalized from one-shot bulk operations to a standing ticker.
package printerreg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/printhive/edge-agent/internal/cable"
	"github.com/printhive/edge-agent/internal/marlin"
)

// DefaultConcurrency bounds how many printers' Snapshot calls run at once
// per tick, the way bulk.go bounds concurrent bulk API calls.
const DefaultConcurrency = 5

// DefaultSnapshotTimeout is the per-printer context deadline each snapshot
// call is given. snapshotOne only does in-memory reads and does not consult
// it, so no printer is excluded from a tick by it.
const DefaultSnapshotTimeout = 2 * time.Second

// PrinterStateWithTemperatures is one printer's published state (spec
// §4.7's `{unique_id -> PrinterStateWithTemperatures}` map).
type PrinterStateWithTemperatures struct {
	State       string                      `json:"state"`
	Temperature *marlin.TemperatureSnapshot `json:"temperature,omitempty"`
}

// Attachment pairs an attached printer's driver with its registry ID.
type Attachment struct {
	ID     string
	Driver *marlin.Driver
}

// Options configures a Registry. Zero values are replaced with defaults.
type Options struct {
	TickInterval    time.Duration // default 1s
	Concurrency     int64         // default DefaultConcurrency
	SnapshotTimeout time.Duration // default DefaultSnapshotTimeout
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.SnapshotTimeout <= 0 {
		o.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Registry tracks attached printers and periodically publishes a
// consolidated snapshot to a Cable subscription.
type Registry struct {
	opts Options
	sub  *cable.Subscription
	log  *slog.Logger

	mu       sync.RWMutex
	printers map[string]*marlin.Driver
	last     map[string]PrinterStateWithTemperatures
}

// New builds a Registry that publishes `printer_states` onto sub.
func New(sub *cable.Subscription, opts Options) *Registry {
	o := opts.withDefaults()
	return &Registry{
		opts:     o,
		sub:      sub,
		log:      o.Logger,
		printers: make(map[string]*marlin.Driver),
	}
}

// Attach registers a printer under id, replacing any previous printer under
// the same id.
func (r *Registry) Attach(id string, d *marlin.Driver) {
	r.mu.Lock()
	r.printers[id] = d
	r.mu.Unlock()
}

// Detach removes a printer from the registry. It does not close the
// printer's serial port; the caller owns that lifecycle.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	delete(r.printers, id)
	r.mu.Unlock()
}

// LastSnapshot returns the states collected on the most recent tick that
// reached the publish step (stored whether or not that publish succeeded),
// for operator inspection (e.g. the `agent status` debug command).
// The zero value, an empty map, is returned before the first tick runs.
func (r *Registry) LastSnapshot() map[string]PrinterStateWithTemperatures {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]PrinterStateWithTemperatures, len(r.last))
	for id, s := range r.last {
		out[id] = s
	}
	return out
}

func (r *Registry) snapshot() []Attachment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Attachment, 0, len(r.printers))
	for id, d := range r.printers {
		out = append(out, Attachment{ID: id, Driver: d})
	}
	return out
}

// connected reports whether sub is Subscribed. The Subscription does not
// expose its client's state, so that state is not checked: after the
// connection drops, sub stays Subscribed until the reconnect's welcome marks
// it Pending again, and a tick in that window runs and its Perform fails
// with NotConnected.
func (r *Registry) connected() bool {
	return r.sub.State() == cable.Subscribed
}

// Run drives the periodic tick until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.log.Warn("printerreg: tick failed", "error", err)
			}
		}
	}
}

func (r *Registry) tick(ctx context.Context) error {
	if !r.connected() {
		return nil
	}
	attachments := r.snapshot()
	if len(attachments) == 0 {
		return nil
	}

	states := make(map[string]PrinterStateWithTemperatures, len(attachments))
	var mu sync.Mutex
	sem := semaphore.NewWeighted(r.opts.Concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, a := range attachments {
		a := a
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			snapCtx, cancel := context.WithTimeout(gctx, r.opts.SnapshotTimeout)
			defer cancel()

			state := r.snapshotOne(snapCtx, a)

			mu.Lock()
			states[a.ID] = state
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	r.last = states
	r.mu.Unlock()

	args := make(map[string]any, len(states))
	for id, s := range states {
		args[id] = s
	}
	return r.sub.Perform(ctx, "printer_states", map[string]any{"printers": args})
}

// snapshotOne reads a printer's current state and last known telemetry.
// Both are cheap in-memory reads (State, LastTemperature never block on the
// serial port), but the call still takes ctx: a future driver that queries
// live telemetry on demand (e.g. a synchronous M105) must be able to bail
// out at the per-printer deadline the caller already set up.
func (r *Registry) snapshotOne(_ context.Context, a Attachment) PrinterStateWithTemperatures {
	state := PrinterStateWithTemperatures{State: a.Driver.State().String()}
	if snap, ok := a.Driver.LastTemperature(); ok {
		s := snap
		state.Temperature = &s
	}
	return state
}
