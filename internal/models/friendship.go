package models

import "time"

// FriendStatus tags an undirected friendship edge.
type FriendStatus string

const (
	FriendPending  FriendStatus = "pending"
	FriendAccepted FriendStatus = "accepted"
	FriendBlocked  FriendStatus = "blocked"
)

// Friendship is stored with User1ID < User2ID.
type Friendship struct {
	User1ID int64        `db:"user1_id" json:"user1_id"`
	User2ID int64        `db:"user2_id" json:"user2_id"`
	Status  FriendStatus `db:"status" json:"status"`

	// RequestedBy is the user who opened the pending request.
	RequestedBy *int64    `db:"requested_by" json:"requested_by,omitempty"`
	BlockedBy   *int64    `db:"blocked_by" json:"blocked_by,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// AllowsMessaging reports whether the edge lets its two ends message each other.
func (f Friendship) AllowsMessaging() bool {
	return f.Status == FriendAccepted && f.BlockedBy == nil
}
