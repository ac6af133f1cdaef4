package cable

import "encoding/json"

// wireFrame is the union of all frame shapes the server can send (spec §3,
// §6). Exactly one of the "kinds" below is populated per Type, except the
// bare channel payload case which carries no Type at all.
type wireFrame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

const (
	typeWelcome            = "welcome"
	typePing               = "ping"
	typeDisconnect         = "disconnect"
	typeConfirmSubscribe   = "confirm_subscription"
	typeRejectSubscribe    = "reject_subscription"
)

// isChannelPayload reports whether f is a bare channel message: no type,
// but an identifier and message body (spec §6).
func (f wireFrame) isChannelPayload() bool {
	return f.Type == "" && f.Identifier != "" && len(f.Message) > 0
}

// outgoingFrame is what the client sends: subscribe, unsubscribe, or message
// (spec §3). Data is itself a JSON-encoded string of the action payload.
type outgoingFrame struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

const (
	commandSubscribe   = "subscribe"
	commandUnsubscribe = "unsubscribe"
	commandMessage     = "message"
)

// actionEnvelope is the shape of data once JSON-decoded: an "action"
// discriminator plus whatever payload fields the action carries (spec §9:
// "the message envelope always serializes as {"action": <name>, …fields}").
type actionEnvelope struct {
	Action string `json:"action"`
}
