package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-relay/internal/models"
)

var (
	ErrSelfFriendship = errors.New("cannot befriend self")
	// ErrFriendTransition means the actor may not move the edge to the requested status.
	ErrFriendTransition = errors.New("friendship change not allowed")
)

const friendshipColumns = `user1_id, user2_id, status, requested_by, blocked_by, created_at`

// FriendStore persists undirected friendship edges.
type FriendStore interface {
	FriendChecker
	SetStatus(ctx context.Context, userA, userB int64, status models.FriendStatus, actorID int64) (models.Friendship, error)
	ListFriends(ctx context.Context, userID int64) ([]models.Friendship, error)
}

// orderedPair returns the pair with the lower id first, matching storage order.
func orderedPair(userA, userB int64) (int64, int64) {
	if userA > userB {
		return userB, userA
	}
	return userA, userB
}

// nextFriendship applies actorID's request for status to the current edge.
// current is nil when the pair has no edge yet.
//
// Anyone on the edge may block it; only the blocker may change a blocked edge
// afterwards, and lifting a block starts over from no edge. Accepting needs a
// pending request opened by the other user. Requesting someone who already
// requested you accepts the edge.
func nextFriendship(current *models.Friendship, userA, userB, actorID int64, status models.FriendStatus, now time.Time) (models.Friendship, error) {
	if userA == userB {
		return models.Friendship{}, ErrSelfFriendship
	}
	user1, user2 := orderedPair(userA, userB)
	if actorID != user1 && actorID != user2 {
		return models.Friendship{}, fmt.Errorf("%w: user %d is not on the edge", ErrFriendTransition, actorID)
	}
	if current != nil && current.Status == models.FriendBlocked {
		if current.BlockedBy == nil || *current.BlockedBy != actorID {
			return models.Friendship{}, fmt.Errorf("%w: blocked by the other user", ErrFriendTransition)
		}
		if status == models.FriendBlocked {
			return *current, nil
		}
		current = nil
	}

	next := models.Friendship{User1ID: user1, User2ID: user2, Status: status, CreatedAt: now}
	if current != nil {
		next.CreatedAt = current.CreatedAt
		next.RequestedBy = current.RequestedBy
	}
	requestedByOther := current != nil && current.Status == models.FriendPending &&
		current.RequestedBy != nil && *current.RequestedBy != actorID

	switch status {
	case models.FriendBlocked:
		next.BlockedBy = &actorID
		return next, nil
	case models.FriendPending:
		switch {
		case current == nil:
			next.RequestedBy = &actorID
			return next, nil
		case requestedByOther:
			next.Status = models.FriendAccepted
			return next, nil
		case current.Status == models.FriendPending:
			return *current, nil
		}
		return models.Friendship{}, fmt.Errorf("%w: already %s", ErrFriendTransition, current.Status)
	case models.FriendAccepted:
		switch {
		case requestedByOther:
			return next, nil
		case current != nil && current.Status == models.FriendAccepted:
			return *current, nil
		}
		return models.Friendship{}, fmt.Errorf("%w: no pending request from the other user", ErrFriendTransition)
	}
	return models.Friendship{}, fmt.Errorf("%w: unknown status %q", ErrFriendTransition, status)
}

// FriendRepo is a sqlx implementation of FriendStore.
type FriendRepo struct {
	db *sqlx.DB
}

// NewFriendRepo constructs a FriendRepo.
func NewFriendRepo(db *sqlx.DB) *FriendRepo {
	return &FriendRepo{db: db}
}

// CanMessage is true iff the edge is accepted and nobody blocked it.
func (r *FriendRepo) CanMessage(ctx context.Context, userA, userB int64) (bool, error) {
	user1, user2 := orderedPair(userA, userB)
	var f models.Friendship
	err := r.db.GetContext(ctx, &f, `SELECT `+friendshipColumns+` FROM friendships WHERE user1_id=$1 AND user2_id=$2`, user1, user2)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.AllowsMessaging(), nil
}

// SetStatus moves the edge between two users to status on behalf of actorID.
// The current edge is locked for the duration of the change.
func (r *FriendRepo) SetStatus(ctx context.Context, userA, userB int64, status models.FriendStatus, actorID int64) (models.Friendship, error) {
	f, err := r.setStatus(ctx, userA, userB, status, actorID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// A concurrent first insert won; the retry sees and locks its row.
		f, err = r.setStatus(ctx, userA, userB, status, actorID)
	}
	return f, err
}

func (r *FriendRepo) setStatus(ctx context.Context, userA, userB int64, status models.FriendStatus, actorID int64) (models.Friendship, error) {
	if userA == userB {
		return models.Friendship{}, ErrSelfFriendship
	}
	user1, user2 := orderedPair(userA, userB)
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Friendship{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current *models.Friendship
	var existing models.Friendship
	err = tx.GetContext(ctx, &existing, `SELECT `+friendshipColumns+` FROM friendships WHERE user1_id=$1 AND user2_id=$2 FOR UPDATE`, user1, user2)
	switch {
	case err == nil:
		current = &existing
	case !errors.Is(err, sql.ErrNoRows):
		return models.Friendship{}, fmt.Errorf("lock friendship: %w", err)
	}

	next, err := nextFriendship(current, userA, userB, actorID, status, time.Now().UTC())
	if err != nil {
		return models.Friendship{}, err
	}
	if current == nil {
		err = tx.QueryRowxContext(ctx, `INSERT INTO friendships (user1_id, user2_id, status, requested_by, blocked_by) VALUES ($1, $2, $3, $4, $5)
        RETURNING `+friendshipColumns, next.User1ID, next.User2ID, next.Status, next.RequestedBy, next.BlockedBy).StructScan(&next)
	} else {
		err = tx.QueryRowxContext(ctx, `UPDATE friendships SET status=$3, requested_by=$4, blocked_by=$5
        WHERE user1_id=$1 AND user2_id=$2
        RETURNING `+friendshipColumns, next.User1ID, next.User2ID, next.Status, next.RequestedBy, next.BlockedBy).StructScan(&next)
	}
	if err != nil {
		return models.Friendship{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Friendship{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// ListFriends returns every edge touching userID.
func (r *FriendRepo) ListFriends(ctx context.Context, userID int64) ([]models.Friendship, error) {
	var out []models.Friendship
	err := r.db.SelectContext(ctx, &out, `SELECT `+friendshipColumns+` FROM friendships
        WHERE user1_id=$1 OR user2_id=$1
        ORDER BY created_at DESC`, userID)
	return out, err
}
