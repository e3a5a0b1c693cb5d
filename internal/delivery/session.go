package delivery

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"chat-relay/internal/observability"
	"chat-relay/internal/ws"
)

// Coordinator drives the connect/disconnect lifecycle of live channels.
type Coordinator struct {
	registry Registry
	router   *Router
}

// NewCoordinator builds a Coordinator.
func NewCoordinator(registry Registry, router *Router) *Coordinator {
	return &Coordinator{registry: registry, router: router}
}

// OnConnect registers ch for userID and replays the user's backlog to it,
// oldest first. Replay stops at the first failed push; whatever was not
// pushed stays Sent for the next connect. The connection stays registered
// even when the backlog cannot be read.
func (c *Coordinator) OnConnect(ctx context.Context, userID int64, ch ws.Channel, info ws.ConnInfo) (string, error) {
	connID := c.registry.Register(userID, ch, info)
	handle, ok := c.registry.Lookup(connID)
	if !ok {
		// disconnected before replay could start
		return connID, nil
	}

	replayed, err := c.replay(context.WithoutCancel(ctx), userID, handle)
	entry := log.WithFields(log.Fields{"user_id": userID, "conn_id": connID, "replayed": replayed})
	if err != nil {
		entry.WithError(err).Warn("backlog replay failed")
		return connID, err
	}
	if replayed > 0 {
		entry.Info("backlog replayed")
	}
	return connID, nil
}

// OnDisconnect deregisters the connection. Delivery state is untouched.
func (c *Coordinator) OnDisconnect(connID string) {
	c.registry.Deregister(connID)
}

func (c *Coordinator) replay(ctx context.Context, userID int64, handle *ws.Handle) (int, error) {
	replayed := 0
	for {
		backlog, err := c.router.Backlog(ctx, userID)
		if err != nil {
			return replayed, fmt.Errorf("load backlog: %w", err)
		}
		progressed := 0
		for _, env := range backlog {
			if _, err := c.router.DeliverTo(ctx, handle, env); err != nil {
				if errors.Is(err, ErrPushFailed) {
					return replayed, nil
				}
				return replayed, fmt.Errorf("deliver message %d: %w", env.Message.ID, err)
			}
			replayed++
			progressed++
			observability.IncBacklogReplayed()
		}
		if c.router.backlogLimit <= 0 || len(backlog) < c.router.backlogLimit || progressed == 0 {
			return replayed, nil
		}
	}
}
