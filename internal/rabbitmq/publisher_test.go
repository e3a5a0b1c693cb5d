package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("", "chat.events")

	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	assert.NoError(t, p.Publish(context.Background(), "messages.sent", map[string]int{"id": 1}, nil))
	assert.NoError(t, p.Close())
}

func TestPublishingEncodesEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := publishing(map[string]any{"message_id": 7}, map[string]string{"x-request-id": "r1"}, now)
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, now, msg.Timestamp)
	assert.NotEmpty(t, msg.MessageId)
	assert.Equal(t, amqp.Table{"x-request-id": "r1"}, msg.Headers)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, 7, decoded["message_id"])
}

func TestPublishingRejectsUnencodableEvent(t *testing.T) {
	_, err := publishing(make(chan int), nil, time.Now())
	assert.Error(t, err)
}
