package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-relay/internal/models"
)

// LedgerRepo is a sqlx/Postgres DeliveryLedger.
// Row locks taken by UPDATE serialise transitions of a single record.
type LedgerRepo struct {
	db      *sqlx.DB
	friends FriendChecker
}

// NewLedgerRepo constructs LedgerRepo.
func NewLedgerRepo(db *sqlx.DB, friends FriendChecker) *LedgerRepo {
	return &LedgerRepo{db: db, friends: friends}
}

type envelopeRow struct {
	ID          int64                `db:"id"`
	SenderID    int64                `db:"sender_id"`
	RecipientID int64                `db:"recipient_id"`
	Body        string               `db:"body"`
	CreatedAt   time.Time            `db:"created_at"`
	State       models.DeliveryState `db:"state"`
	SentAt      time.Time            `db:"sent_at"`
	DeliveredAt *time.Time           `db:"delivered_at"`
	ReadAt      *time.Time           `db:"read_at"`
}

func (r envelopeRow) envelope() models.Envelope {
	return models.Envelope{
		Message: models.Message{
			ID:          r.ID,
			SenderID:    r.SenderID,
			RecipientID: r.RecipientID,
			Body:        r.Body,
			CreatedAt:   r.CreatedAt,
		},
		Record: models.DeliveryRecord{
			MessageID:   r.ID,
			RecipientID: r.RecipientID,
			SenderID:    r.SenderID,
			State:       r.State,
			SentAt:      r.SentAt,
			DeliveredAt: r.DeliveredAt,
			ReadAt:      r.ReadAt,
		},
	}
}

const envelopeColumns = `m.id, m.sender_id, m.recipient_id, m.body, m.created_at,
        d.state, d.sent_at, d.delivered_at, d.read_at`

const recordColumns = `message_id, recipient_id, sender_id, state, sent_at, delivered_at, read_at`

// CreateMessage stores a message and its Sent record in one transaction.
func (r *LedgerRepo) CreateMessage(ctx context.Context, senderID, recipientID int64, body string) (models.Envelope, error) {
	if err := checkRecipient(ctx, r.friends, senderID, recipientID); err != nil {
		return models.Envelope{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var msg models.Message
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (sender_id, recipient_id, body) VALUES ($1, $2, $3)
        RETURNING id, sender_id, recipient_id, body, created_at`, senderID, recipientID, body).
		StructScan(&msg)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("insert message: %w", err)
	}

	var rec models.DeliveryRecord
	err = tx.QueryRowxContext(ctx, `INSERT INTO delivery_records (message_id, recipient_id, sender_id, state, sent_at)
        VALUES ($1, $2, $3, 'sent', $4) RETURNING `+recordColumns, msg.ID, recipientID, senderID, msg.CreatedAt).
		StructScan(&rec)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("insert delivery record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Envelope{}, fmt.Errorf("commit: %w", err)
	}
	return models.Envelope{Message: msg, Record: rec}, nil
}

// MarkDelivered transitions sent -> delivered.
func (r *LedgerRepo) MarkDelivered(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error) {
	return r.transition(ctx, `UPDATE delivery_records SET state = 'delivered', delivered_at = NOW()
        WHERE message_id=$1 AND recipient_id=$2 AND state = 'sent'
        RETURNING `+recordColumns, messageID, recipientID)
}

// MarkRead transitions any earlier state to read. read_at is only set once.
func (r *LedgerRepo) MarkRead(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error) {
	return r.transition(ctx, `UPDATE delivery_records SET state = 'read', read_at = COALESCE(read_at, NOW())
        WHERE message_id=$1 AND recipient_id=$2 AND state <> 'read'
        RETURNING `+recordColumns, messageID, recipientID)
}

func (r *LedgerRepo) transition(ctx context.Context, query string, messageID, recipientID int64) (models.DeliveryRecord, bool, error) {
	var rec models.DeliveryRecord
	err := r.db.QueryRowxContext(ctx, query, messageID, recipientID).StructScan(&rec)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryRecord{}, false, err
	}

	// Nothing updated: either already past this state or no such record.
	err = r.db.GetContext(ctx, &rec, `SELECT `+recordColumns+` FROM delivery_records WHERE message_id=$1 AND recipient_id=$2`, messageID, recipientID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryRecord{}, false, ErrNotFound
	}
	if err != nil {
		return models.DeliveryRecord{}, false, err
	}
	return rec, false, nil
}

// BacklogFor returns Sent records for userID ordered by creation time.
func (r *LedgerRepo) BacklogFor(ctx context.Context, userID int64, limit int) ([]models.Envelope, error) {
	query := `SELECT ` + envelopeColumns + `
        FROM delivery_records d
        JOIN messages m ON m.id = d.message_id
        WHERE d.recipient_id=$1 AND d.state = 'sent'
        ORDER BY m.created_at ASC, m.id ASC
        LIMIT $2`
	var rows []envelopeRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, err
	}
	out := make([]models.Envelope, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.envelope())
	}
	return out, nil
}

// GetMessage fetches a message with its delivery record.
func (r *LedgerRepo) GetMessage(ctx context.Context, messageID int64) (models.Envelope, error) {
	var row envelopeRow
	err := r.db.GetContext(ctx, &row, `SELECT `+envelopeColumns+`
        FROM messages m
        JOIN delivery_records d ON d.message_id = m.id AND d.recipient_id = m.recipient_id
        WHERE m.id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Envelope{}, ErrNotFound
	}
	if err != nil {
		return models.Envelope{}, err
	}
	return row.envelope(), nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *LedgerRepo) Close() error { return nil }
