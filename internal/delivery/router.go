package delivery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	log "github.com/sirupsen/logrus"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/repositories"
	"chat-relay/internal/ws"
)

// ErrPushFailed wraps errors from pushing to a channel that is gone or stalled.
var ErrPushFailed = errors.New("push failed")

// Registry is the live connection set the router pushes through.
type Registry interface {
	Register(userID int64, ch ws.Channel, info ws.ConnInfo) string
	Deregister(connID string)
	ActiveChannelsFor(userID int64) iter.Seq[ws.Channel]
	Lookup(connID string) (*ws.Handle, bool)
}

// Router persists outbound messages, pushes them to live recipients and
// applies acknowledgements to the ledger.
type Router struct {
	ledger       repositories.DeliveryLedger
	registry     Registry
	events       *observability.Events
	pushTimeout  time.Duration
	backlogLimit int
}

// NewRouter builds a Router. events may be nil.
func NewRouter(ledger repositories.DeliveryLedger, registry Registry, events *observability.Events, pushTimeout time.Duration, backlogLimit int) *Router {
	return &Router{
		ledger:       ledger,
		registry:     registry,
		events:       events,
		pushTimeout:  pushTimeout,
		backlogLimit: backlogLimit,
	}
}

// Send stores the message and tries to push it to every live channel of the
// recipient. Once the ledger accepted the message Send succeeds, whether or
// not the recipient is online; offline recipients get it on reconnect.
func (r *Router) Send(ctx context.Context, senderID, recipientID int64, body string) (models.Envelope, error) {
	// The caller going away must not undo a write the ledger may already report.
	ctx = context.WithoutCancel(ctx)

	env, err := r.ledger.CreateMessage(ctx, senderID, recipientID, body)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidRecipient) {
			observability.IncSendRejected("invalid_recipient")
		}
		return models.Envelope{}, err
	}
	observability.IncMessageSent()
	r.events.MessageSent(ctx, env)

	delivered := false
	for ch := range r.registry.ActiveChannelsFor(recipientID) {
		if err := r.push(ctx, ch, models.NewMessageEvent(env)); err != nil {
			continue
		}
		if delivered {
			continue
		}
		delivered = true
		if rec, err := r.markDelivered(ctx, env.Message.ID, recipientID); err == nil {
			env.Record = rec
		}
	}
	return env, nil
}

// DeliverTo pushes one stored message to a single channel and marks it
// delivered on success. The push error is returned so callers replaying a
// backlog can stop on a dead channel.
func (r *Router) DeliverTo(ctx context.Context, ch ws.Channel, env models.Envelope) (models.DeliveryRecord, error) {
	if err := r.push(ctx, ch, models.NewMessageEvent(env)); err != nil {
		return env.Record, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	return r.markDelivered(ctx, env.Message.ID, env.Message.RecipientID)
}

// AcknowledgeDelivered records a client's receipt confirmation.
func (r *Router) AcknowledgeDelivered(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, error) {
	return r.markDelivered(ctx, messageID, recipientID)
}

// AcknowledgeRead records that the recipient has read the message.
func (r *Router) AcknowledgeRead(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, error) {
	rec, changed, err := r.ledger.MarkRead(ctx, messageID, recipientID)
	if err != nil {
		return models.DeliveryRecord{}, err
	}
	if changed {
		r.transitioned(ctx, rec)
	}
	return rec, nil
}

// Backlog lists the messages still waiting for userID.
func (r *Router) Backlog(ctx context.Context, userID int64) ([]models.Envelope, error) {
	return r.ledger.BacklogFor(ctx, userID, r.backlogLimit)
}

// Lookup returns a message visible to userID as sender or recipient.
func (r *Router) Lookup(ctx context.Context, messageID, userID int64) (models.Envelope, error) {
	env, err := r.ledger.GetMessage(ctx, messageID)
	if err != nil {
		return models.Envelope{}, err
	}
	if env.Message.SenderID != userID && env.Message.RecipientID != userID {
		return models.Envelope{}, repositories.ErrNotFound
	}
	return env, nil
}

func (r *Router) markDelivered(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, error) {
	rec, changed, err := r.ledger.MarkDelivered(ctx, messageID, recipientID)
	if err != nil {
		log.WithFields(log.Fields{
			"message_id":   messageID,
			"recipient_id": recipientID,
		}).WithError(err).Warn("mark delivered failed")
		return models.DeliveryRecord{}, err
	}
	if changed {
		r.transitioned(ctx, rec)
	}
	return rec, nil
}

// transitioned runs once per actual state change: metrics, event stream and
// a receipt to the sender's live channels.
func (r *Router) transitioned(ctx context.Context, rec models.DeliveryRecord) {
	observability.IncTransition(string(rec.State))
	r.events.Transition(ctx, rec)

	receipt := models.ReceiptEvent(rec)
	for ch := range r.registry.ActiveChannelsFor(rec.SenderID) {
		_ = r.push(ctx, ch, receipt)
	}
}

// push sends one event; failures mean the channel is gone and are not retried.
func (r *Router) push(ctx context.Context, ch ws.Channel, event models.ChatEvent) error {
	if r.pushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.pushTimeout)
		defer cancel()
	}
	err := ch.Push(ctx, event)
	observability.ObservePush(event.Type, err)
	if err != nil {
		fields := log.Fields{"event": event.Type, "message_id": event.MessageID}
		if h, ok := ch.(*ws.Handle); ok {
			fields["conn_id"] = h.ConnID()
		}
		log.WithFields(fields).WithError(err).Debug("push failed")
	}
	return err
}
