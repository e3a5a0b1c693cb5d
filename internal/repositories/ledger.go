package repositories

import (
	"context"
	"errors"

	"chat-relay/internal/models"
)

var (
	// ErrInvalidRecipient means the sender may not message the recipient. Permanent.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrNotFound means no delivery record exists for the message/recipient pair.
	ErrNotFound = errors.New("delivery record not found")
)

// FriendChecker answers whether two users may message each other.
type FriendChecker interface {
	CanMessage(ctx context.Context, userA, userB int64) (bool, error)
}

// DeliveryLedger is the durable record of messages and their delivery state.
// Transitions are one-directional: sent -> delivered -> read.
type DeliveryLedger interface {
	// CreateMessage checks the friend predicate, then persists the message and
	// a Sent record atomically.
	CreateMessage(ctx context.Context, senderID, recipientID int64, body string) (models.Envelope, error)
	// MarkDelivered moves a Sent record to Delivered. The bool reports whether
	// the record changed; repeated calls are no-ops.
	MarkDelivered(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error)
	// MarkRead moves a record to Read from any earlier state.
	MarkRead(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error)
	// BacklogFor returns up to limit Sent records for userID, oldest first.
	BacklogFor(ctx context.Context, userID int64, limit int) ([]models.Envelope, error)
	// GetMessage returns a message together with its recipient's record.
	GetMessage(ctx context.Context, messageID int64) (models.Envelope, error)
	Close() error
}

func checkRecipient(ctx context.Context, friends FriendChecker, senderID, recipientID int64) error {
	if senderID == recipientID {
		return ErrInvalidRecipient
	}
	ok, err := friends.CanMessage(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidRecipient
	}
	return nil
}
