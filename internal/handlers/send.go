package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"chat-relay/internal/delivery"
	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/ratelimit"
	"chat-relay/internal/repositories"
)

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrBodyTooLong = errors.New("message body is too long")
	ErrRateLimited = errors.New("send rate exceeded")
)

// Sender is the send path shared by the REST and websocket surfaces.
type Sender struct {
	router  *delivery.Router
	limiter *ratelimit.UserLimiter
	maxBody int
}

// NewSender builds a Sender. A nil limiter disables rate limiting and a
// non-positive maxBody disables the length check.
func NewSender(router *delivery.Router, limiter *ratelimit.UserLimiter, maxBody int) *Sender {
	return &Sender{router: router, limiter: limiter, maxBody: maxBody}
}

// Send validates the body, applies the sender's rate limit and routes the message.
func (s *Sender) Send(ctx context.Context, senderID, recipientID int64, body string) (models.Envelope, error) {
	if strings.TrimSpace(body) == "" {
		observability.IncSendRejected("empty_body")
		return models.Envelope{}, ErrEmptyBody
	}
	if s.maxBody > 0 && utf8.RuneCountInString(body) > s.maxBody {
		observability.IncSendRejected("body_too_long")
		return models.Envelope{}, ErrBodyTooLong
	}
	if !s.limiter.Allow(senderID, time.Now()) {
		observability.IncSendRejected("rate_limited")
		return models.Envelope{}, ErrRateLimited
	}
	return s.router.Send(ctx, senderID, recipientID, body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repositories.ErrInvalidRecipient):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptyBody), errors.Is(err, ErrBodyTooLong):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// publicError is the message shown to clients; internal failures are not echoed.
func publicError(err error) string {
	switch {
	case errors.Is(err, repositories.ErrInvalidRecipient):
		return "recipient is not reachable"
	case errors.Is(err, repositories.ErrNotFound):
		return "message not found"
	case errors.Is(err, ErrEmptyBody), errors.Is(err, ErrBodyTooLong), errors.Is(err, ErrRateLimited):
		return err.Error()
	default:
		return "internal error"
	}
}
