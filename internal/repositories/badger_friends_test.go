package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/models"
)

func TestBlockedUserCannotReopenEdge(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 5, 9)

	_, err := friends.SetStatus(ctx, 9, 5, models.FriendBlocked, 9)
	require.NoError(t, err)

	for _, status := range []models.FriendStatus{models.FriendAccepted, models.FriendPending, models.FriendBlocked} {
		_, err = friends.SetStatus(ctx, 5, 9, status, 5)
		assert.ErrorIs(t, err, ErrFriendTransition, status)
	}

	ok, err := friends.CanMessage(ctx, 5, 9)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = ledger.CreateMessage(ctx, 5, 9, "let me in")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	stored, found, err := friends.get(5, 9)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, stored.BlockedBy)
	assert.Equal(t, int64(9), *stored.BlockedBy)
}

func TestStrangerCannotSelfAccept(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)

	_, err := friends.SetStatus(ctx, 7, 8, models.FriendAccepted, 7)
	assert.ErrorIs(t, err, ErrFriendTransition)

	_, err = ledger.CreateMessage(ctx, 7, 8, "hi")
	assert.ErrorIs(t, err, ErrInvalidRecipient)
	_, found, err := friends.get(7, 8)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRequesterCannotAcceptOwnRequest(t *testing.T) {
	ctx := context.Background()
	_, friends := setupLedger(t)

	req, err := friends.SetStatus(ctx, 7, 8, models.FriendPending, 7)
	require.NoError(t, err)
	require.NotNil(t, req.RequestedBy)
	assert.Equal(t, int64(7), *req.RequestedBy)

	_, err = friends.SetStatus(ctx, 7, 8, models.FriendAccepted, 7)
	assert.ErrorIs(t, err, ErrFriendTransition)

	accepted, err := friends.SetStatus(ctx, 8, 7, models.FriendAccepted, 8)
	require.NoError(t, err)
	assert.Equal(t, models.FriendAccepted, accepted.Status)
	assert.True(t, req.CreatedAt.Equal(accepted.CreatedAt))

	ok, err := friends.CanMessage(ctx, 7, 8)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutualRequestAccepts(t *testing.T) {
	ctx := context.Background()
	_, friends := setupLedger(t)

	_, err := friends.SetStatus(ctx, 3, 4, models.FriendPending, 3)
	require.NoError(t, err)
	again, err := friends.SetStatus(ctx, 3, 4, models.FriendPending, 3)
	require.NoError(t, err)
	assert.Equal(t, models.FriendPending, again.Status)

	f, err := friends.SetStatus(ctx, 4, 3, models.FriendPending, 4)
	require.NoError(t, err)
	assert.Equal(t, models.FriendAccepted, f.Status)

	_, err = friends.SetStatus(ctx, 4, 3, models.FriendPending, 4)
	assert.ErrorIs(t, err, ErrFriendTransition)
}

func TestBlockerCanLiftBlock(t *testing.T) {
	ctx := context.Background()
	_, friends := setupLedger(t)
	befriend(t, friends, 1, 2)

	_, err := friends.SetStatus(ctx, 1, 2, models.FriendBlocked, 1)
	require.NoError(t, err)
	_, err = friends.SetStatus(ctx, 1, 2, models.FriendAccepted, 1)
	assert.ErrorIs(t, err, ErrFriendTransition)

	reopened, err := friends.SetStatus(ctx, 1, 2, models.FriendPending, 1)
	require.NoError(t, err)
	assert.Equal(t, models.FriendPending, reopened.Status)
	assert.Nil(t, reopened.BlockedBy)
	require.NotNil(t, reopened.RequestedBy)
	assert.Equal(t, int64(1), *reopened.RequestedBy)

	_, err = friends.SetStatus(ctx, 2, 1, models.FriendAccepted, 2)
	require.NoError(t, err)
	ok, err := friends.CanMessage(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNextFriendshipRejectsOutsider(t *testing.T) {
	_, err := nextFriendship(nil, 1, 2, 3, models.FriendBlocked, time.Now())
	assert.ErrorIs(t, err, ErrFriendTransition)

	_, err = nextFriendship(nil, 1, 2, 1, models.FriendStatus("besties"), time.Now())
	assert.ErrorIs(t, err, ErrFriendTransition)

	_, err = nextFriendship(nil, 2, 2, 2, models.FriendPending, time.Now())
	assert.ErrorIs(t, err, ErrSelfFriendship)
}
