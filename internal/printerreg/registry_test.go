package printerreg

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printhive/edge-agent/internal/cable"
	"github.com/printhive/edge-agent/internal/marlin"
	"github.com/printhive/edge-agent/internal/wstransport"
)

type ident struct {
	Channel string `json:"channel"`
}

func connectedSubscription(t *testing.T) (*cable.Client, *cable.Subscription, *wstransport.Fake) {
	t.Helper()
	conn := wstransport.NewFake()
	conn.PushText(`{"type":"welcome"}`)

	c := cable.New(func(ctx context.Context) (wstransport.Conn, error) { return conn, nil }, cable.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	require.NoError(t, c.Connect(ctx))

	sub, err := c.Subscribe(ctx, ident{Channel: "PrinterChannel"})
	require.NoError(t, err)

	conn.PushText(`{"type":"confirm_subscription","identifier":` + mustJSON(sub.Identifier()) + `}`)
	require.Eventually(t, func() bool { return sub.State() == cable.Subscribed }, time.Second, time.Millisecond)

	return c, sub, conn
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func lastPerformAction(t *testing.T, conn *wstransport.Fake) map[string]any {
	t.Helper()
	f, ok := conn.LastSent()
	require.True(t, ok)
	var env struct {
		Command string `json:"command"`
		Data    string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &env))
	assert.Equal(t, "message", env.Command)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(env.Data), &payload))
	return payload
}

func TestTickSkippedWhenSubscriptionNotConfirmed(t *testing.T) {
	conn := wstransport.NewFake()
	c := cable.New(func(ctx context.Context) (wstransport.Conn, error) { return conn, nil }, cable.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	require.NoError(t, c.Connect(ctx))

	sub, err := c.Subscribe(ctx, ident{Channel: "PrinterChannel"})
	require.NoError(t, err)

	reg := New(sub, Options{TickInterval: 5 * time.Millisecond})
	reg.Attach("printer-1", marlin.New(marlin.NewFakePort(), marlin.Options{}))

	require.NoError(t, reg.tick(ctx))
	_, ok := conn.LastSent()
	assert.False(t, ok, "a pending subscription must not be published to")
}

func TestTickPublishesAttachedPrinterState(t *testing.T) {
	_, sub, conn := connectedSubscription(t)

	port := marlin.NewFakePort()
	d := marlin.New(port, marlin.Options{})

	reg := New(sub, Options{TickInterval: 5 * time.Millisecond})
	reg.Attach("printer-1", d)

	require.NoError(t, reg.tick(context.Background()))

	payload := lastPerformAction(t, conn)
	assert.Equal(t, "printer_states", payload["action"])
	printers, ok := payload["printers"].(map[string]any)
	require.True(t, ok)
	entry, ok := printers["printer-1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "disconnected", entry["state"])
}

func TestTickSkippedWithNoAttachedPrinters(t *testing.T) {
	_, sub, conn := connectedSubscription(t)
	reg := New(sub, Options{})

	before := len(conn.Sent)
	require.NoError(t, reg.tick(context.Background()))
	assert.Len(t, conn.Sent, before, "a tick with no attached printers must send nothing")
}

func TestDetachRemovesPrinterFromNextTick(t *testing.T) {
	_, sub, conn := connectedSubscription(t)

	d := marlin.New(marlin.NewFakePort(), marlin.Options{})
	reg := New(sub, Options{})
	reg.Attach("printer-1", d)
	reg.Detach("printer-1")

	before := len(conn.Sent)
	require.NoError(t, reg.tick(context.Background()))
	assert.Len(t, conn.Sent, before, "detached printer must not trigger a publish")
}

func TestLastSnapshotReflectsMostRecentTick(t *testing.T) {
	_, sub, _ := connectedSubscription(t)

	port := marlin.NewFakePort()
	d := marlin.New(port, marlin.Options{})
	reg := New(sub, Options{})
	reg.Attach("printer-1", d)

	assert.Empty(t, reg.LastSnapshot(), "no tick has run yet")

	require.NoError(t, reg.tick(context.Background()))

	snap := reg.LastSnapshot()
	require.Contains(t, snap, "printer-1")
	assert.Equal(t, "disconnected", snap["printer-1"].State)
}

func TestRunTicksUntilCanceled(t *testing.T) {
	_, sub, conn := connectedSubscription(t)

	reg := New(sub, Options{TickInterval: 5 * time.Millisecond})
	reg.Attach("printer-1", marlin.New(marlin.NewFakePort(), marlin.Options{}))

	before := len(conn.Sent)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(conn.Sent) > before
	}, time.Second, time.Millisecond, "Run must publish at least one tick")

	cancel()
	<-done
}
