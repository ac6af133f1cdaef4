package cable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/printhive/edge-agent/internal/agenterr"
)

// SubscriptionState is a subscription's state machine (spec §3).
type SubscriptionState int

const (
	Pending SubscriptionState = iota
	Subscribed
	Rejected
	Unsubscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Subscribed:
		return "subscribed"
	case Rejected:
		return "rejected"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// HasMessageID is implemented by acknowledgeable message payloads via the
// embedded Acknowledgeable type.
type HasMessageID interface {
	CableMessageID() string
}

// Acknowledgeable is embedded into action payload types registered with
// RegisterAcknowledgeableCallback; it carries the message_id the server
// expects back in the acknowledge reply.
type Acknowledgeable struct {
	MessageID string `json:"message_id"`
}

// CableMessageID implements HasMessageID.
func (a Acknowledgeable) CableMessageID() string { return a.MessageID }

// AcknowledgeFunc reports the outcome of handling an acknowledgeable
// action. Calling it more than once is a no-op; only the first call sends
// the acknowledge reply (spec §4.4, §8 property 5).
type AcknowledgeFunc func(err error)

type pendingAction struct {
	frame outgoingFrame
}

// Subscription is a client's view of one server-side channel (spec §4.4).
// Callbacks registered on it run on the owning Client's receive loop and
// must not block.
type Subscription struct {
	client     *Client
	identifier string
	log        *slog.Logger

	mu        sync.Mutex
	state     SubscriptionState
	callbacks map[string]func(ctx context.Context, raw json.RawMessage)
	buffered  []pendingAction
}

func newSubscription(c *Client, identifier string) *Subscription {
	return &Subscription{
		client:     c,
		identifier: identifier,
		log:        c.log,
		state:      Pending,
		callbacks:  make(map[string]func(ctx context.Context, raw json.RawMessage)),
	}
}

// Identifier returns the wire identifier string this subscription was
// opened with.
func (s *Subscription) Identifier() string { return s.identifier }

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setPending() {
	s.mu.Lock()
	if s.state != Unsubscribed {
		s.state = Pending
	}
	s.mu.Unlock()
}

// RegisterCallback associates action with a typed handler. Incoming
// messages on this subscription whose "action" field equals action are
// unmarshaled into T and passed to handler. Handlers fire only while the
// subscription is Subscribed (spec §3 invariant); since dispatch only
// happens for messages the client already routed to a live subscription,
// registering the callback is enough.
func RegisterCallback[T any](s *Subscription, action string, handler func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[action] = func(ctx context.Context, raw json.RawMessage) {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.log.Debug("cable: failed to decode action payload", "action", action, "error", err)
			return
		}
		handler(payload)
	}
}

// RegisterAcknowledgeableCallback is like RegisterCallback, but T embeds
// Acknowledgeable and the handler receives a one-shot AcknowledgeFunc.
// Calling acknowledge(err) with a non-nil err sends {message_id, success:
// false, error_message}; acknowledge(nil) sends {message_id, success:
// true}. No stack_trace field is ever filled in. The reply is sent via GuaranteePerform so it is never
// silently dropped by a transient disconnect (spec §4.4).
func RegisterAcknowledgeableCallback[T HasMessageID](s *Subscription, action string, handler func(T, AcknowledgeFunc)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[action] = func(ctx context.Context, raw json.RawMessage) {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.log.Debug("cable: failed to decode acknowledgeable payload", "action", action, "error", err)
			return
		}
		var once sync.Once
		messageID := payload.CableMessageID()
		ack := func(ackErr error) {
			once.Do(func() {
				s.sendAcknowledge(ctx, messageID, ackErr)
			})
		}
		handler(payload, ack)
	}
}

func (s *Subscription) sendAcknowledge(ctx context.Context, messageID string, ackErr error) {
	type ackMessage struct {
		Action       string `json:"action"`
		MessageID    string `json:"message_id"`
		Success      bool   `json:"success"`
		ErrorMessage string `json:"error_message,omitempty"`
		StackTrace   string `json:"stack_trace,omitempty"`
	}
	msg := ackMessage{Action: "acknowledge", MessageID: messageID, Success: ackErr == nil}
	if ackErr != nil {
		msg.ErrorMessage = ackErr.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Debug("cable: failed to encode acknowledge", "error", err)
		return
	}
	if err := s.client.GuaranteePerform(ctx, s.identifier, string(data)); err != nil {
		s.log.Debug("cable: acknowledge send failed", "error", err)
	}
}

// Perform sends {action, ...args} on this subscription. While Pending, the
// action is buffered, Perform returns nil, and the buffer is flushed in
// order once the subscription is confirmed; if the subscription is rejected
// or unsubscribed first, the buffered actions are discarded and no error is
// reported for them. Perform fails immediately (SubscriptionRejected, or a
// plain error) if the subscription is already Rejected or Unsubscribed.
func (s *Subscription) Perform(ctx context.Context, action string, args map[string]any) error {
	payload := map[string]any{"action": action}
	for k, v := range args {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := outgoingFrame{Command: commandMessage, Identifier: s.identifier, Data: string(data)}

	s.mu.Lock()
	switch s.state {
	case Rejected:
		s.mu.Unlock()
		return &agenterr.SubscriptionRejected{Identifier: s.identifier}
	case Unsubscribed:
		s.mu.Unlock()
		return fmt.Errorf("cable: perform on unsubscribed subscription %s", s.identifier)
	case Pending:
		s.buffered = append(s.buffered, pendingAction{frame: frame})
		s.mu.Unlock()
		return nil
	default: // Subscribed
		s.mu.Unlock()
	}
	return s.client.sendFrame(ctx, frame)
}

// Unsubscribe sends the unsubscribe frame and transitions to Unsubscribed.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	s.state = Unsubscribed
	s.buffered = nil
	s.mu.Unlock()
	return s.client.sendFrame(ctx, outgoingFrame{Command: commandUnsubscribe, Identifier: s.identifier})
}

func (s *Subscription) onConfirmed(ctx context.Context) {
	s.mu.Lock()
	if s.state == Unsubscribed {
		s.mu.Unlock()
		return
	}
	s.state = Subscribed
	buffered := s.buffered
	s.buffered = nil
	s.mu.Unlock()

	for _, pa := range buffered {
		_ = s.client.sendFrame(ctx, pa.frame)
	}
}

func (s *Subscription) onRejected() {
	s.mu.Lock()
	s.state = Rejected
	s.buffered = nil
	s.mu.Unlock()
}

func (s *Subscription) onMessage(ctx context.Context, raw json.RawMessage) {
	s.mu.Lock()
	if s.state != Subscribed {
		s.mu.Unlock()
		return
	}
	var env actionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.mu.Unlock()
		s.log.Debug("cable: message payload missing action field", "error", err)
		return
	}
	handler, ok := s.callbacks[env.Action]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("cable: no callback registered for action", "action", env.Action)
		return
	}
	handler(ctx, raw)
}
