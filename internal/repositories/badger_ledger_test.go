package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/models"
)

func setupLedger(t *testing.T) (*BadgerLedger, *BadgerFriends) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	friends := NewBadgerFriends(db)
	ledger, err := NewBadgerLedger(db, friends)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ledger.Close()
		_ = db.Close()
	})
	return ledger, friends
}

func befriend(t *testing.T, friends *BadgerFriends, a, b int64) {
	t.Helper()
	ctx := context.Background()
	_, err := friends.SetStatus(ctx, a, b, models.FriendPending, a)
	require.NoError(t, err)
	_, err = friends.SetStatus(ctx, b, a, models.FriendAccepted, b)
	require.NoError(t, err)
}

func TestCreateMessageStoresSentRecord(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)

	env, err := ledger.CreateMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)
	assert.Positive(t, env.Message.ID)
	assert.Equal(t, models.StateSent, env.Record.State)
	assert.Nil(t, env.Record.DeliveredAt)
	assert.Nil(t, env.Record.ReadAt)

	stored, err := ledger.GetMessage(ctx, env.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Message.Body)
	assert.Equal(t, models.StateSent, stored.Record.State)
}

func TestCreateMessageIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)

	var last int64
	for i := 0; i < 5; i++ {
		env, err := ledger.CreateMessage(ctx, 1, 2, "m")
		require.NoError(t, err)
		assert.Greater(t, env.Message.ID, last)
		last = env.Message.ID
	}
}

func TestCreateMessageRejectsNonFriends(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)

	_, err := ledger.CreateMessage(ctx, 1, 3, "x")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = friends.SetStatus(ctx, 1, 3, models.FriendPending, 1)
	require.NoError(t, err)
	_, err = ledger.CreateMessage(ctx, 1, 3, "x")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = friends.SetStatus(ctx, 1, 3, models.FriendBlocked, 3)
	require.NoError(t, err)
	_, err = ledger.CreateMessage(ctx, 1, 3, "x")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = ledger.CreateMessage(ctx, 1, 1, "me")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	backlog, err := ledger.BacklogFor(ctx, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)
	env, err := ledger.CreateMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)

	rec, changed, err := ledger.MarkDelivered(ctx, env.Message.ID, 2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StateDelivered, rec.State)
	require.NotNil(t, rec.DeliveredAt)
	firstDelivered := *rec.DeliveredAt

	rec, changed, err = ledger.MarkDelivered(ctx, env.Message.ID, 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StateDelivered, rec.State)
	assert.True(t, firstDelivered.Equal(*rec.DeliveredAt))
}

func TestStateNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)
	env, err := ledger.CreateMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)

	_, _, err = ledger.MarkDelivered(ctx, env.Message.ID, 2)
	require.NoError(t, err)
	rec, changed, err := ledger.MarkRead(ctx, env.Message.ID, 2)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, rec.ReadAt)
	readAt := *rec.ReadAt

	rec, changed, err = ledger.MarkDelivered(ctx, env.Message.ID, 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StateRead, rec.State)

	rec, changed, err = ledger.MarkRead(ctx, env.Message.ID, 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, readAt.Equal(*rec.ReadAt))
}

func TestMarkReadFromSentSkipsDelivered(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)
	env, err := ledger.CreateMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)

	rec, changed, err := ledger.MarkRead(ctx, env.Message.ID, 2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StateRead, rec.State)
	assert.Nil(t, rec.DeliveredAt)
	assert.NotNil(t, rec.ReadAt)

	backlog, err := ledger.BacklogFor(ctx, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestMarkUnknownRecord(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)
	env, err := ledger.CreateMessage(ctx, 1, 2, "hi")
	require.NoError(t, err)

	_, _, err = ledger.MarkDelivered(ctx, 999, 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = ledger.MarkRead(ctx, env.Message.ID, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ledger.GetMessage(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBacklogOnlyReturnsSentOldestFirst(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)
	befriend(t, friends, 3, 2)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	m1, err := ledger.CreateMessage(ctx, 1, 2, "one")
	require.NoError(t, err)
	m2, err := ledger.CreateMessage(ctx, 3, 2, "two")
	require.NoError(t, err)
	m3, err := ledger.CreateMessage(ctx, 1, 2, "three")
	require.NoError(t, err)
	_, err = ledger.CreateMessage(ctx, 2, 1, "other direction")
	require.NoError(t, err)

	_, _, err = ledger.MarkDelivered(ctx, m2.Message.ID, 2)
	require.NoError(t, err)

	backlog, err := ledger.BacklogFor(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	assert.Equal(t, m1.Message.ID, backlog[0].Message.ID)
	assert.Equal(t, m3.Message.ID, backlog[1].Message.ID)
	for _, env := range backlog {
		assert.Equal(t, models.StateSent, env.Record.State)
	}

	limited, err := ledger.BacklogFor(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, m1.Message.ID, limited[0].Message.ID)
}

func TestConcurrentTransitionsOnOneRecord(t *testing.T) {
	ctx := context.Background()
	ledger, friends := setupLedger(t)
	befriend(t, friends, 1, 2)
	env, err := ledger.CreateMessage(ctx, 1, 2, "race")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := ledger.MarkDelivered(ctx, env.Message.ID, 2)
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, changes)

	stored, err := ledger.GetMessage(ctx, env.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, stored.Record.State)
}

func TestBadgerFriendsList(t *testing.T) {
	ctx := context.Background()
	_, friends := setupLedger(t)
	befriend(t, friends, 5, 1)
	befriend(t, friends, 5, 9)
	befriend(t, friends, 2, 3)

	list, err := friends.ListFriends(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = friends.SetStatus(ctx, 4, 4, models.FriendAccepted, 4)
	assert.ErrorIs(t, err, ErrSelfFriendship)

	blocked, err := friends.SetStatus(ctx, 9, 5, models.FriendBlocked, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(5), blocked.User1ID)
	require.NotNil(t, blocked.BlockedBy)
	assert.Equal(t, int64(9), *blocked.BlockedBy)
	ok, err := friends.CanMessage(ctx, 5, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}
