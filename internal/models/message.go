package models

import "time"

// DeliveryState is the per-recipient delivery status of a message.
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

// rank orders states so transitions can only move forward.
func (s DeliveryState) rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known state.
func (s DeliveryState) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s precedes other in the Sent -> Delivered -> Read order.
func (s DeliveryState) Before(other DeliveryState) bool {
	return s.rank() < other.rank()
}

// Message is an immutable chat message.
type Message struct {
	ID          int64     `db:"id" json:"id"`
	SenderID    int64     `db:"sender_id" json:"sender_id"`
	RecipientID int64     `db:"recipient_id" json:"recipient_id"`
	Body        string    `db:"body" json:"body"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// DeliveryRecord tracks delivery of one message to one recipient.
// SenderID is denormalised from the message so receipts can be routed
// without a second lookup.
type DeliveryRecord struct {
	MessageID   int64         `db:"message_id" json:"message_id"`
	RecipientID int64         `db:"recipient_id" json:"recipient_id"`
	SenderID    int64         `db:"sender_id" json:"sender_id"`
	State       DeliveryState `db:"state" json:"state"`
	SentAt      time.Time     `db:"sent_at" json:"sent_at"`
	DeliveredAt *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `db:"read_at" json:"read_at,omitempty"`
}

// Delivered moves the record to Delivered if it is still Sent.
// It reports whether the record changed.
func (r *DeliveryRecord) Delivered(at time.Time) bool {
	if r.State != StateSent {
		return false
	}
	r.State = StateDelivered
	r.DeliveredAt = &at
	return true
}

// Read moves the record to Read from any earlier state.
// It reports whether the record changed.
func (r *DeliveryRecord) Read(at time.Time) bool {
	if r.State == StateRead {
		return false
	}
	r.State = StateRead
	if r.ReadAt == nil {
		r.ReadAt = &at
	}
	return true
}

// Envelope pairs a message with one recipient's delivery record.
type Envelope struct {
	Message Message        `json:"message"`
	Record  DeliveryRecord `json:"delivery"`
}
