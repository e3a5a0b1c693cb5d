package models

import "time"

// Event types exchanged over live channels.
const (
	EventConnected        = "connected"
	EventNewMessage       = "new_message"
	EventMessageAccepted  = "message_accepted"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventSendMessage      = "send_message"
	EventAuthenticate     = "authenticate"
	EventPing             = "ping"
	EventPong             = "pong"
	EventError            = "error"
)

// ChatEvent is pushed to clients over their live channels.
type ChatEvent struct {
	Type        string        `json:"type"`
	Message     *Message      `json:"message,omitempty"`
	State       DeliveryState `json:"state,omitempty"`
	MessageID   int64         `json:"message_id,omitempty"`
	RecipientID int64         `json:"recipient_id,omitempty"`
	ClientRef   string        `json:"client_ref,omitempty"`
	ConnID      string        `json:"conn_id,omitempty"`
	At          *time.Time    `json:"at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// NewMessageEvent builds the push for a message addressed to its recipient.
func NewMessageEvent(env Envelope) ChatEvent {
	msg := env.Message
	return ChatEvent{
		Type:        EventNewMessage,
		Message:     &msg,
		State:       env.Record.State,
		MessageID:   msg.ID,
		RecipientID: msg.RecipientID,
	}
}

// ReceiptEvent builds the sender-facing notice for a delivery state change.
func ReceiptEvent(rec DeliveryRecord) ChatEvent {
	ev := ChatEvent{MessageID: rec.MessageID, RecipientID: rec.RecipientID, State: rec.State}
	switch rec.State {
	case StateRead:
		ev.Type = EventMessageRead
		ev.At = rec.ReadAt
	default:
		ev.Type = EventMessageDelivered
		ev.At = rec.DeliveredAt
	}
	return ev
}

// ClientEvent is an inbound frame from a client.
type ClientEvent struct {
	Type        string `json:"type" validate:"required"`
	Token       string `json:"token,omitempty"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	Body        string `json:"body,omitempty"`
	ClientRef   string `json:"client_ref,omitempty" validate:"max=64"`
	MessageID   int64  `json:"message_id,omitempty"`
}
