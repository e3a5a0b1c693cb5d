package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/mocks"
	"chat-relay/internal/telemetry"
)

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(pub, "audit.chat-relay", "chat-relay", "test")

	var got telemetry.AuditEnvelope
	pub.On("Publish", mock.Anything, "audit.chat-relay", mock.AnythingOfType("telemetry.AuditEnvelope"), map[string]string{"x-request-id": "req-9"}).
		Run(func(args mock.Arguments) { got = args.Get(2).(telemetry.AuditEnvelope) }).
		Return(nil).Once()

	emitter.Emit(context.Background(), "WARN", "rejected access token", "req-9", 42)

	pub.AssertExpectations(t)
	assert.Equal(t, "audit_log", got.EventType)
	assert.Equal(t, "WARN", got.Payload.Level)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "42", *got.UserID)
}

func TestAuditEmitterAnonymousAndNil(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(pub, "audit", "svc", "test")

	pub.On("Publish", mock.Anything, "audit", mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
		return e.UserID == nil
	}), mock.Anything).Return(assert.AnError).Once()

	emitter.Emit(context.Background(), "INFO", "anon", "r", 0)
	pub.AssertExpectations(t)

	var nilEmitter *telemetry.AuditEmitter
	assert.NotPanics(t, func() { nilEmitter.Emit(context.Background(), "INFO", "x", "r", 1) })
}
