package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

type LedgerMock struct {
	mock.Mock
}

func (m *LedgerMock) CreateMessage(ctx context.Context, senderID, recipientID int64, body string) (models.Envelope, error) {
	args := m.Called(ctx, senderID, recipientID, body)
	var env models.Envelope
	if val := args.Get(0); val != nil {
		env = val.(models.Envelope)
	}
	return env, args.Error(1)
}

func (m *LedgerMock) MarkDelivered(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error) {
	args := m.Called(ctx, messageID, recipientID)
	var rec models.DeliveryRecord
	if val := args.Get(0); val != nil {
		rec = val.(models.DeliveryRecord)
	}
	return rec, args.Bool(1), args.Error(2)
}

func (m *LedgerMock) MarkRead(ctx context.Context, messageID, recipientID int64) (models.DeliveryRecord, bool, error) {
	args := m.Called(ctx, messageID, recipientID)
	var rec models.DeliveryRecord
	if val := args.Get(0); val != nil {
		rec = val.(models.DeliveryRecord)
	}
	return rec, args.Bool(1), args.Error(2)
}

func (m *LedgerMock) BacklogFor(ctx context.Context, userID int64, limit int) ([]models.Envelope, error) {
	args := m.Called(ctx, userID, limit)
	var list []models.Envelope
	if val := args.Get(0); val != nil {
		list = val.([]models.Envelope)
	}
	return list, args.Error(1)
}

func (m *LedgerMock) GetMessage(ctx context.Context, messageID int64) (models.Envelope, error) {
	args := m.Called(ctx, messageID)
	var env models.Envelope
	if val := args.Get(0); val != nil {
		env = val.(models.Envelope)
	}
	return env, args.Error(1)
}

func (m *LedgerMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type FriendStoreMock struct {
	mock.Mock
}

func (m *FriendStoreMock) CanMessage(ctx context.Context, userA, userB int64) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}

func (m *FriendStoreMock) SetStatus(ctx context.Context, userA, userB int64, status models.FriendStatus, actorID int64) (models.Friendship, error) {
	args := m.Called(ctx, userA, userB, status, actorID)
	var f models.Friendship
	if val := args.Get(0); val != nil {
		f = val.(models.Friendship)
	}
	return f, args.Error(1)
}

func (m *FriendStoreMock) ListFriends(ctx context.Context, userID int64) ([]models.Friendship, error) {
	args := m.Called(ctx, userID)
	var list []models.Friendship
	if val := args.Get(0); val != nil {
		list = val.([]models.Friendship)
	}
	return list, args.Error(1)
}

var (
	_ repositories.DeliveryLedger = (*LedgerMock)(nil)
	_ repositories.FriendStore    = (*FriendStoreMock)(nil)
)
