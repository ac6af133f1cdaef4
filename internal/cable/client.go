// Package cable implements a reconnecting, multiplexed, JSON-framed pub/sub
// client over a WebSocket-like transport (spec §4.3, §4.4): one logical
// Subscription per server-side channel, ordered per-subscription delivery,
// and guaranteed-delivery sends. It generalizes the teacher's
// internal/actioncable single-subscription client into a long-lived,
// reconnecting one, in the spirit of the server-side errgroup-driven
// connection in the retrieval pack's actioncable-connections.go.
package cable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/printhive/edge-agent/internal/agenterr"
	"github.com/printhive/edge-agent/internal/task"
	"github.com/printhive/edge-agent/internal/wstransport"
)

// ClientState is the Cable client's connection lifecycle (spec §3).
type ClientState int

const (
	Disconnected ClientState = iota
	Connecting
	WaitingForWelcome
	Connected
	Reconnecting
	Disconnecting
)

func (s ClientState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case WaitingForWelcome:
		return "waiting_for_welcome"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DialFunc opens a new transport connection. Production code wires this to
// wstransport.Dialer.Dial; tests wire it to a sequence of wstransport.Fake
// connections.
type DialFunc func(ctx context.Context) (wstransport.Conn, error)

// errServerDisconnect is returned internally by serveConnection when the
// server sends disconnect(reconnect=false) or the caller calls Disconnect.
var errServerDisconnect = errors.New("cable: disconnected, awaiting explicit reconnect")

// Options configures a Client. All fields have defaults matching spec §4.3.1.
type Options struct {
	Origin             string
	InitialBackoff     time.Duration // default 1s
	MaxBackoff         time.Duration // default 30s
	PingTimeout        time.Duration // default 6s
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 6 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a reconnecting Cable client. Zero value is not usable; build
// one with New.
type Client struct {
	dial DialFunc
	opts Options
	log  *slog.Logger

	runner *task.Runner

	mu       sync.Mutex
	state    ClientState
	conn     wstransport.Conn
	subs     map[string]*Subscription
	subOrder []string
	desired  bool // true once Connect has been called and no explicit Disconnect since
	wake     chan struct{}
	lastSeen time.Time

	disconnectReq chan chan struct{}
}

// New builds a Client. dial is called every connection attempt (including
// reconnects), so it must return a fresh connection each time.
func New(dial DialFunc, opts Options) *Client {
	o := opts.withDefaults()
	return &Client{
		dial:          dial,
		opts:          o,
		log:           o.Logger,
		runner:        task.New(),
		subs:          make(map[string]*Subscription),
		wake:          make(chan struct{}),
		disconnectReq: make(chan chan struct{}, 1),
	}
}

// DialerFor builds a DialFunc around wstransport.Dialer for url, setting the
// Origin header from opts (spec §4.3.1: "An Origin request header is set to
// the configured origin before connecting").
func DialerFor(url string, opts Options) DialFunc {
	return func(ctx context.Context) (wstransport.Conn, error) {
		header := http.Header{}
		if opts.Origin != "" {
			header.Set("Origin", opts.Origin)
		}
		d := wstransport.Dialer{
			Subprotocols: []string{"actioncable-v1-json"},
			Header:       header,
			MaxReadBytes: 1 << 20,
		}
		return d.Dial(ctx, url)
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connection lifecycle until ctx is canceled: dialing,
// waiting for welcome, serving the connection, and reconnecting with
// exponential backoff and jitter on failure. It must be started exactly
// once (typically in its own goroutine) before Connect is called.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runner.Run(gctx) })
	g.Go(func() error { return c.driveLoop(gctx) })
	return g.Wait()
}

func (c *Client) driveLoop(ctx context.Context) error {
	backoff := c.opts.InitialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		desired := c.desired
		wake := c.wake
		c.mu.Unlock()
		if !desired {
			c.setState(Disconnected)
			select {
			case ack := <-c.disconnectReq:
				close(ack)
			default:
			}
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("cable: dial failed", "error", err)
			c.setState(Reconnecting)
			if !c.sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(WaitingForWelcome)

		err = c.serveConnection(ctx, conn)
		_ = conn.Close(1000, "bye")

		switch {
		case errors.Is(err, errServerDisconnect):
			c.mu.Lock()
			c.desired = false
			c.conn = nil
			c.mu.Unlock()
			c.setState(Disconnected)
			backoff = c.opts.InitialBackoff
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			c.log.Warn("cable: connection lost, reconnecting", "error", err)
			c.setState(Reconnecting)
			if !c.sleepBackoff(ctx, &backoff) {
				return ctx.Err()
			}
		}
	}
}

// sleepBackoff waits for a jittered share of the current backoff (between
// half of it and the full value) or ctx cancellation, doubling backoff
// toward opts.MaxBackoff for next time.
// Returns false if ctx ended the wait.
func (c *Client) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	d := *backoff
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	wait := d/2 + jitter
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}
	next := *backoff * 2
	if next > c.opts.MaxBackoff {
		next = c.opts.MaxBackoff
	}
	*backoff = next
	return true
}

// serveConnection waits for the welcome handshake, then runs the read loop
// and ping watchdog concurrently until either ends (error, server
// disconnect, or explicit Disconnect).
func (c *Client) serveConnection(ctx context.Context, conn wstransport.Conn) error {
	f, err := c.readFrame(ctx, conn)
	if err != nil {
		return err
	}
	if f.Type != typeWelcome {
		return &agenterr.ProtocolError{Reason: fmt.Sprintf("expected welcome, got %q", f.Type)}
	}

	c.setState(Connected)
	c.touchSeen()
	c.resubscribeAll(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.watchdog(gctx) })
	g.Go(func() error { return c.watchDisconnectReq(gctx, conn) })
	return g.Wait()
}

func (c *Client) readFrame(ctx context.Context, conn wstransport.Conn) (wireFrame, error) {
	frame, err := conn.Receive(ctx)
	if err != nil {
		return wireFrame{}, err
	}
	var f wireFrame
	if err := json.Unmarshal(frame.Data, &f); err != nil {
		return wireFrame{}, &agenterr.ProtocolError{Reason: err.Error()}
	}
	return f, nil
}

func (c *Client) readLoop(ctx context.Context, conn wstransport.Conn) error {
	for {
		f, err := c.readFrame(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if agenterr.IsProtocolError(err) {
				c.log.Debug("cable: dropping undecodable frame", "error", err)
				continue
			}
			return err
		}
		c.touchSeen()
		if err := c.dispatch(ctx, f); err != nil {
			return err
		}
	}
}

// dispatch routes a decoded frame per spec §4.3.2. Decode failures never
// reach here: readLoop logs and drops those frames itself, and only a
// transport error ends the loop. Unknown types and unmatched identifiers
// are logged and dropped without tearing down the connection.
func (c *Client) dispatch(ctx context.Context, f wireFrame) error {
	switch f.Type {
	case typePing:
		return nil
	case typeDisconnect:
		reconnect := f.Reconnect != nil && *f.Reconnect
		if reconnect {
			return fmt.Errorf("cable: server requested reconnect (reason=%s)", f.Reason)
		}
		return errServerDisconnect
	case typeConfirmSubscribe:
		c.onConfirmSubscription(ctx, f.Identifier)
		return nil
	case typeRejectSubscribe:
		c.onRejectSubscription(f.Identifier)
		return nil
	case "":
		if f.isChannelPayload() {
			c.onChannelMessage(ctx, f.Identifier, f.Message)
			return nil
		}
		c.log.Debug("cable: dropping frame with no type and no payload")
		return nil
	default:
		c.log.Debug("cable: ignoring unknown frame type", "type", f.Type)
		return nil
	}
}

func (c *Client) onConfirmSubscription(ctx context.Context, identifier string) {
	sub := c.lookupSub(identifier)
	if sub == nil {
		c.log.Debug("cable: confirm_subscription for unknown identifier", "identifier", identifier)
		return
	}
	sub.onConfirmed(ctx)
}

func (c *Client) onRejectSubscription(identifier string) {
	sub := c.lookupSub(identifier)
	if sub == nil {
		c.log.Debug("cable: reject_subscription for unknown identifier", "identifier", identifier)
		return
	}
	sub.onRejected()
}

func (c *Client) onChannelMessage(ctx context.Context, identifier string, data json.RawMessage) {
	sub := c.lookupSub(identifier)
	if sub == nil {
		c.log.Debug("cable: message for unknown identifier", "identifier", identifier)
		return
	}
	sub.onMessage(ctx, data)
}

func (c *Client) lookupSub(identifier string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[identifier]
}

func (c *Client) touchSeen() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) watchdog(ctx context.Context) error {
	interval := c.opts.PingTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastSeen) > c.opts.PingTimeout
			c.mu.Unlock()
			if stale {
				return fmt.Errorf("cable: ping watchdog: no frames for %s", c.opts.PingTimeout)
			}
		}
	}
}

func (c *Client) watchDisconnectReq(ctx context.Context, conn wstransport.Conn) error {
	select {
	case ack := <-c.disconnectReq:
		close(ack)
		return errServerDisconnect
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resubscribeAll re-sends subscribe frames for every non-Unsubscribed
// subscription, in the order they were originally created (spec §4.3.1).
func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.Lock()
	order := append([]string(nil), c.subOrder...)
	c.mu.Unlock()
	for _, id := range order {
		sub := c.lookupSub(id)
		if sub == nil {
			continue
		}
		if sub.State() == Unsubscribed {
			continue
		}
		sub.setPending()
		_ = c.sendFrame(ctx, outgoingFrame{Command: commandSubscribe, Identifier: id})
	}
}

// Connect requests the client move toward Connected. It is idempotent: a
// no-op if already Connected, and returns AlreadyConnecting if a connection
// attempt is already underway. After an explicit Disconnect, it resumes the
// drive loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Connecting, WaitingForWelcome:
		c.mu.Unlock()
		return &agenterr.AlreadyConnecting{}
	case Connected:
		c.mu.Unlock()
		return nil
	}
	c.desired = true
	old := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(old)
	return nil
}

// Disconnect idempotently tears down the connection and halts automatic
// reconnection until Connect is called again. If called while a connection
// attempt is still in backoff (not yet Connected), it marks the client as
// no-longer-desired so the drive loop parks as soon as it next connects
// (or, if never connected, on its very next backoff tick); Disconnect does
// not itself return until the client has settled into Disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.desired = false
	c.mu.Unlock()

	ack := make(chan struct{})
	select {
	case c.disconnectReq <- ack:
	default:
		close(ack) // a disconnect is already pending; don't block this caller on it
	}

	for {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == Disconnected {
			return nil
		}
		select {
		case <-ack:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe returns (creating if necessary) the Subscription for identifier.
// Two calls with structurally equal identifiers return the same
// Subscription (spec §3 dedup invariant). The subscribe frame is sent
// immediately if Connected, or deferred until the next welcome otherwise.
func (c *Client) Subscribe(ctx context.Context, identifier any) (*Subscription, error) {
	idStr, err := EncodeIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.subs[idStr]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	sub := newSubscription(c, idStr)
	c.subs[idStr] = sub
	c.subOrder = append(c.subOrder, idStr)
	connected := c.state == Connected
	c.mu.Unlock()

	if connected {
		_ = c.sendFrame(ctx, outgoingFrame{Command: commandSubscribe, Identifier: idStr})
	}
	return sub, nil
}

// SendMessage serializes an outgoing frame through the sequential task
// runner so ordering with other sends on this client is preserved (spec
// §4.3.3). It fails with NotConnected unless the client is Connected at the
// time the frame is actually dispatched.
func (c *Client) SendMessage(ctx context.Context, command, identifier string, data string) error {
	return c.sendFrame(ctx, outgoingFrame{Command: command, Identifier: identifier, Data: data})
}

func (c *Client) sendFrame(ctx context.Context, f outgoingFrame) error {
	fut := c.runner.Enqueue(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		connected := c.state == Connected
		conn := c.conn
		c.mu.Unlock()
		if !connected || conn == nil {
			return &agenterr.NotConnected{}
		}
		raw, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return conn.Send(ctx, wstransport.Frame{Kind: wstransport.Text, Data: raw})
	})
	return fut.Wait(ctx)
}

// GuaranteePerform sends a message action, retrying on NotConnected with the
// reconnection backoff until it succeeds or ctx is canceled (spec §4.3.3).
func (c *Client) GuaranteePerform(ctx context.Context, identifier, data string) error {
	backoff := c.opts.InitialBackoff
	for {
		err := c.SendMessage(ctx, commandMessage, identifier, data)
		if err == nil {
			return nil
		}
		if !agenterr.IsNotConnected(err) {
			return err
		}
		if !c.sleepBackoff(ctx, &backoff) {
			return ctx.Err()
		}
	}
}
