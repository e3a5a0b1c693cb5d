package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"chat-relay/internal/models"
)

// BadgerFriends is a FriendStore for the embedded backend.
type BadgerFriends struct {
	db *badger.DB
}

// NewBadgerFriends constructs BadgerFriends.
func NewBadgerFriends(db *badger.DB) *BadgerFriends {
	return &BadgerFriends{db: db}
}

func friendKey(userA, userB int64) []byte {
	user1, user2 := orderedPair(userA, userB)
	return []byte(fmt.Sprintf("friend:%d:%d", user1, user2))
}

func (b *BadgerFriends) get(userA, userB int64) (models.Friendship, bool, error) {
	var f models.Friendship
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, friendKey(userA, userB), &f)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Friendship{}, false, nil
	}
	return f, err == nil, err
}

// CanMessage is true iff the edge is accepted and nobody blocked it.
func (b *BadgerFriends) CanMessage(ctx context.Context, userA, userB int64) (bool, error) {
	f, ok, err := b.get(userA, userB)
	if err != nil || !ok {
		return false, err
	}
	return f.AllowsMessaging(), nil
}

// SetStatus moves the edge between two users to status on behalf of actorID.
// The read and the write share one transaction; Badger rejects a concurrent
// writer of the same edge with ErrConflict, which is retried.
func (b *BadgerFriends) SetStatus(ctx context.Context, userA, userB int64, status models.FriendStatus, actorID int64) (models.Friendship, error) {
	if userA == userB {
		return models.Friendship{}, ErrSelfFriendship
	}
	key := friendKey(userA, userB)
	var next models.Friendship
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.Update(func(txn *badger.Txn) error {
			var current *models.Friendship
			var existing models.Friendship
			switch err := getJSON(txn, key, &existing); {
			case err == nil:
				current = &existing
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			f, err := nextFriendship(current, userA, userB, actorID, status, time.Now().UTC())
			if err != nil {
				return err
			}
			next = f
			return setJSON(txn, key, f)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return models.Friendship{}, err
	}
	return next, nil
}

// ListFriends returns every edge touching userID.
func (b *BadgerFriends) ListFriends(ctx context.Context, userID int64) ([]models.Friendship, error) {
	var out []models.Friendship
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("friend:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var f models.Friendship
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
				return err
			}
			if f.User1ID == userID || f.User2ID == userID {
				out = append(out, f)
			}
		}
		return nil
	})
	return out, err
}
