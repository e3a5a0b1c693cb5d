package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"chat-relay/internal/models"
)

const (
	messageSeqKey       = "seq:msg"
	messageSeqBandwidth = 128
	maxConflictRetries  = 16
)

// BadgerLedger is an embedded DeliveryLedger.
//
// Keys:
//
//	msg:{id}                        -> Message
//	dlv:{id}:{recipient}            -> DeliveryRecord
//	pend:{recipient}:{sentAt}:{id}  -> empty, present while the record is Sent
//
// ids and timestamps are zero padded so prefix scans return the backlog
// oldest first. Badger's serialisable transactions reject concurrent writers
// of the same record with ErrConflict; those are retried.
type BadgerLedger struct {
	db      *badger.DB
	seq     *badger.Sequence
	friends FriendChecker
	now     func() time.Time
}

// NewBadgerLedger constructs a ledger on an open Badger database.
func NewBadgerLedger(db *badger.DB, friends FriendChecker) (*BadgerLedger, error) {
	seq, err := db.GetSequence([]byte(messageSeqKey), messageSeqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return &BadgerLedger{db: db, seq: seq, friends: friends, now: func() time.Time { return time.Now().UTC() }}, nil
}

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d", id))
}

func recordKey(id, recipientID int64) []byte {
	return []byte(fmt.Sprintf("dlv:%020d:%d", id, recipientID))
}

func pendingPrefix(recipientID int64) []byte {
	return []byte(fmt.Sprintf("pend:%d:", recipientID))
}

func pendingKey(rec models.DeliveryRecord) []byte {
	return []byte(fmt.Sprintf("pend:%d:%019d:%020d", rec.RecipientID, rec.SentAt.UnixNano(), rec.MessageID))
}

func pendingMessageID(key []byte) (int64, error) {
	s := string(key)
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return 0, fmt.Errorf("malformed pending key %q", s)
	}
	return strconv.ParseInt(s[idx+1:], 10, 64)
}

func (l *BadgerLedger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("ledger update: %w", err)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// CreateMessage persists a message and its Sent record in one transaction.
func (l *BadgerLedger) CreateMessage(ctx context.Context, senderID, recipientID int64, body string) (models.Envelope, error) {
	if err := checkRecipient(ctx, l.friends, senderID, recipientID); err != nil {
		return models.Envelope{}, err
	}

	next, err := l.seq.Next()
	if err != nil {
		return models.Envelope{}, fmt.Errorf("next message id: %w", err)
	}
	now := l.now()
	env := models.Envelope{
		Message: models.Message{
			ID:          int64(next) + 1,
			SenderID:    senderID,
			RecipientID: recipientID,
			Body:        body,
			CreatedAt:   now,
		},
		Record: models.DeliveryRecord{
			MessageID:   int64(next) + 1,
			RecipientID: recipientID,
			SenderID:    senderID,
			State:       models.StateSent,
			SentAt:      now,
		},
	}

	err = l.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, messageKey(env.Message.ID), env.Message); err != nil {
			return err
		}
		if err := setJSON(txn, recordKey(env.Message.ID, recipientID), env.Record); err != nil {
			return err
		}
		return txn.Set(pendingKey(env.Record), nil)
	})
	if err != nil {
		return models.Envelope{}, fmt.Errorf("store message: %w", err)
	}
	return env, nil
}

// MarkDelivered transitions sent -> delivered.
func (l *BadgerLedger) MarkDelivered(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error) {
	return l.transition(messageID, recipientID, func(rec *models.DeliveryRecord, now time.Time) bool {
		return rec.Delivered(now)
	})
}

// MarkRead transitions any earlier state to read.
func (l *BadgerLedger) MarkRead(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error) {
	return l.transition(messageID, recipientID, func(rec *models.DeliveryRecord, now time.Time) bool {
		return rec.Read(now)
	})
}

func (l *BadgerLedger) transition(messageID, recipientID int64, apply func(*models.DeliveryRecord, time.Time) bool) (models.DeliveryRecord, bool, error) {
	var (
		result  models.DeliveryRecord
		changed bool
	)
	err := l.update(func(txn *badger.Txn) error {
		var rec models.DeliveryRecord
		if err := getJSON(txn, recordKey(messageID, recipientID), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		wasSent := rec.State == models.StateSent
		changed = apply(&rec, l.now())
		result = rec
		if !changed {
			return nil
		}
		if err := setJSON(txn, recordKey(messageID, recipientID), rec); err != nil {
			return err
		}
		if wasSent {
			return txn.Delete(pendingKey(rec))
		}
		return nil
	})
	if err != nil {
		return models.DeliveryRecord{}, false, err
	}
	return result, changed, nil
}

// BacklogFor returns Sent records for userID, oldest first.
func (l *BadgerLedger) BacklogFor(ctx context.Context, userID int64, limit int) ([]models.Envelope, error) {
	var out []models.Envelope
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := pendingPrefix(userID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := pendingMessageID(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			var env models.Envelope
			if err := getJSON(txn, messageKey(id), &env.Message); err != nil {
				return fmt.Errorf("message %d: %w", id, err)
			}
			if err := getJSON(txn, recordKey(id, userID), &env.Record); err != nil {
				return fmt.Errorf("record %d: %w", id, err)
			}
			if env.Record.State != models.StateSent {
				continue
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage returns a message with its recipient's record.
func (l *BadgerLedger) GetMessage(ctx context.Context, messageID int64) (models.Envelope, error) {
	var env models.Envelope
	err := l.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, messageKey(messageID), &env.Message); err != nil {
			return err
		}
		return getJSON(txn, recordKey(messageID, env.Message.RecipientID), &env.Record)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.Envelope{}, ErrNotFound
	}
	if err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

// Close releases the id lease. The database itself is owned by the caller.
func (l *BadgerLedger) Close() error {
	return l.seq.Release()
}
