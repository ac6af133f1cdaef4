package cable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printhive/edge-agent/internal/wstransport"
)

// dialSeq returns a DialFunc that hands out conns from the given sequence in
// order, erroring once the sequence is exhausted.
func dialSeq(conns ...*wstransport.Fake) DialFunc {
	i := 0
	return func(ctx context.Context) (wstransport.Conn, error) {
		if i >= len(conns) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		c := conns[i]
		i++
		return c, nil
	}
}

func waitForState(t *testing.T, c *Client, want ClientState) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if c.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, got %s", want, c.State())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestConnectWaitsForWelcomeThenConnected(t *testing.T) {
	conn := wstransport.NewFake()
	conn.PushText(`{"type":"welcome"}`)

	c := New(dialSeq(conn), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.Connect(ctx))
	waitForState(t, c, Connected)
}

func TestSubscribeWhileDisconnectedFlushesOnWelcome(t *testing.T) {
	conn := wstransport.NewFake()

	c := New(dialSeq(conn), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.Connect(ctx))

	type ident struct {
		Channel string `json:"channel"`
	}
	sub, err := c.Subscribe(ctx, ident{Channel: "PrinterChannel"})
	require.NoError(t, err)
	assert.Equal(t, Pending, sub.State())

	// No subscribe frame sent yet: welcome hasn't arrived.
	_, ok := conn.LastSent()
	assert.False(t, ok)

	conn.PushText(`{"type":"welcome"}`)
	waitForState(t, c, Connected)

	require.Eventually(t, func() bool {
		f, ok := conn.LastSent()
		return ok && f.Kind == wstransport.Text
	}, time.Second, time.Millisecond)

	var sent outgoingFrame
	f, _ := conn.LastSent()
	require.NoError(t, json.Unmarshal(f.Data, &sent))
	assert.Equal(t, commandSubscribe, sent.Command)
	assert.Equal(t, sub.Identifier(), sent.Identifier)

	conn.PushText(`{"type":"confirm_subscription","identifier":` + mustJSON(sub.Identifier()) + `}`)
	require.Eventually(t, func() bool { return sub.State() == Subscribed }, time.Second, time.Millisecond)
}

func TestReconnectResubscribesExactSet(t *testing.T) {
	first := wstransport.NewFake()
	first.PushText(`{"type":"welcome"}`)
	second := wstransport.NewFake()
	second.PushText(`{"type":"welcome"}`)

	c := New(dialSeq(first, second), Options{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.Connect(ctx))
	waitForState(t, c, Connected)

	type ident struct {
		Channel string `json:"channel"`
	}
	subA, err := c.Subscribe(ctx, ident{Channel: "A"})
	require.NoError(t, err)
	subB, err := c.Subscribe(ctx, ident{Channel: "B"})
	require.NoError(t, err)

	confirm := func(conn *wstransport.Fake, sub *Subscription) {
		conn.PushText(`{"type":"confirm_subscription","identifier":` + mustJSON(sub.Identifier()) + `}`)
	}
	confirm(first, subA)
	confirm(first, subB)
	require.Eventually(t, func() bool { return subA.State() == Subscribed && subB.State() == Subscribed }, time.Second, time.Millisecond)

	_ = subB.Unsubscribe(ctx)
	require.Eventually(t, func() bool { return subB.State() == Unsubscribed }, time.Second, time.Millisecond)

	// Drop the first connection to force a reconnect onto `second`.
	first.Close(1000, "bye")
	waitForState(t, c, Connected)

	require.Eventually(t, func() bool {
		f, ok := second.LastSent()
		if !ok {
			return false
		}
		var s outgoingFrame
		_ = json.Unmarshal(f.Data, &s)
		return s.Command == commandSubscribe && s.Identifier == subA.Identifier()
	}, time.Second, time.Millisecond)

	for _, f := range second.Sent {
		var s outgoingFrame
		_ = json.Unmarshal(f.Data, &s)
		assert.NotEqual(t, subB.Identifier(), s.Identifier, "unsubscribed subscription must not be resubscribed")
	}
}

func TestDisconnectDuringBackoffParksWithoutReconnecting(t *testing.T) {
	dialed := make(chan struct{}, 10)
	dial := func(ctx context.Context) (wstransport.Conn, error) {
		select {
		case dialed <- struct{}{}:
		default:
		}
		return nil, assertErr
	}

	c := New(dial, Options{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.Connect(ctx))
	<-dialed // at least one dial attempt has happened, client is now backing off

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, Disconnected, c.State())

	// Drain any in-flight dial attempts then confirm no further ones occur.
	for len(dialed) > 0 {
		<-dialed
	}
	select {
	case <-dialed:
		t.Fatal("dial occurred after Disconnect")
	case <-time.After(30 * time.Millisecond):
	}
}

var assertErr = errFakeDial{}

type errFakeDial struct{}

func (errFakeDial) Error() string { return "fake dial error" }

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
