package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"chat-relay/internal/delivery"
	"chat-relay/internal/models"
)

// MessageHandler exposes the message endpoints.
type MessageHandler struct {
	sender *Sender
	router *delivery.Router
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(sender *Sender, router *delivery.Router) *MessageHandler {
	return &MessageHandler{sender: sender, router: router}
}

type messageResponse struct {
	ID          int64                `json:"id"`
	SenderID    int64                `json:"sender_id"`
	RecipientID int64                `json:"recipient_id"`
	Body        string               `json:"body"`
	CreatedAt   time.Time            `json:"created_at"`
	State       models.DeliveryState `json:"state"`
	DeliveredAt *time.Time           `json:"delivered_at,omitempty"`
	ReadAt      *time.Time           `json:"read_at,omitempty"`
}

func toMessageResponse(env models.Envelope) messageResponse {
	return messageResponse{
		ID:          env.Message.ID,
		SenderID:    env.Message.SenderID,
		RecipientID: env.Message.RecipientID,
		Body:        env.Message.Body,
		CreatedAt:   env.Message.CreatedAt,
		State:       env.Record.State,
		DeliveredAt: env.Record.DeliveredAt,
		ReadAt:      env.Record.ReadAt,
	}
}

// SendMessage stores a message and pushes it to the recipient if online.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req struct {
		RecipientID int64  `json:"recipient_id" binding:"required,gt=0"`
		Body        string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := userIDFromContext(c)
	env, err := h.sender.Send(c.Request.Context(), userID, req.RecipientID, req.Body)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			log.WithFields(log.Fields{
				"sender_id":    userID,
				"recipient_id": req.RecipientID,
				"request_id":   requestIDFromContext(c),
			}).WithError(err).Error("send message failed")
		}
		c.JSON(statusFor(err), gin.H{"error": publicError(err)})
		return
	}

	c.JSON(http.StatusCreated, toMessageResponse(env))
}

// ListPending returns messages addressed to the caller that are still Sent.
func (h *MessageHandler) ListPending(c *gin.Context) {
	backlog, err := h.router.Backlog(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": lo.Map(backlog, func(env models.Envelope, _ int) messageResponse {
		return toMessageResponse(env)
	})})
}

// GetMessage returns one message the caller sent or received.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	messageID, ok := parseMessageID(c)
	if !ok {
		return
	}

	env, err := h.router.Lookup(c.Request.Context(), messageID, userIDFromContext(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": publicError(err)})
		return
	}

	c.JSON(http.StatusOK, toMessageResponse(env))
}

// MarkDelivered acknowledges receipt of a message by its recipient.
func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	h.acknowledge(c, h.router.AcknowledgeDelivered)
}

// MarkRead acknowledges that the recipient read a message.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	h.acknowledge(c, h.router.AcknowledgeRead)
}

type ackFunc func(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, error)

func (h *MessageHandler) acknowledge(c *gin.Context, ack ackFunc) {
	messageID, ok := parseMessageID(c)
	if !ok {
		return
	}

	rec, err := ack(c.Request.Context(), messageID, userIDFromContext(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": publicError(err)})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func parseMessageID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return 0, false
	}
	return id, true
}
