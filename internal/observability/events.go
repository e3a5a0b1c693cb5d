package observability

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"chat-relay/internal/models"
)

// Routing keys on the events exchange.
const (
	RoutingMessageSent      = "messages.sent"
	RoutingMessageDelivered = "messages.delivered"
	RoutingMessageRead      = "messages.read"
	RoutingWSEvents         = "ws_events.connections"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// Publisher sends JSON events to a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// DefaultEventQueue is the number of events NewEvents buffers ahead of the broker.
const DefaultEventQueue = 1024

type queuedEvent struct {
	ctx        context.Context
	routingKey string
	envelope   EventEnvelope
	headers    map[string]string
}

// Events publishes delivery and connection events from a single background
// worker, so a slow broker never holds up routing. Events that do not fit in
// the queue are counted and dropped. A nil *Events drops everything.
type Events struct {
	publisher Publisher
	queue     chan queuedEvent
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewEvents wraps publisher with a DefaultEventQueue sized buffer.
func NewEvents(publisher Publisher) *Events {
	return NewEventsWithQueue(publisher, DefaultEventQueue)
}

// NewEventsWithQueue wraps publisher with a buffer of size events.
func NewEventsWithQueue(publisher Publisher, size int) *Events {
	if size < 1 {
		size = 1
	}
	e := &Events{
		publisher: publisher,
		queue:     make(chan queuedEvent, size),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Events) run() {
	defer close(e.done)
	for ev := range e.queue {
		if e.publisher == nil {
			continue
		}
		if err := e.publisher.Publish(ev.ctx, ev.routingKey, ev.envelope, ev.headers); err != nil {
			IncAMQPPublishError()
			log.WithFields(log.Fields{
				"routing_key": ev.routingKey,
				"event_name":  ev.envelope.EventName,
			}).WithError(err).Warn("event publish failed")
		}
	}
}

// Publish queues an envelope for the worker. It never blocks and never
// reports failures to the caller's request path.
func (e *Events) Publish(ctx context.Context, routingKey string, envelope EventEnvelope, headers map[string]string) {
	if e == nil || e.publisher == nil {
		return
	}
	if envelope.OccurredAt == "" {
		envelope.OccurredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	ev := queuedEvent{ctx: context.WithoutCancel(ctx), routingKey: routingKey, envelope: envelope, headers: headers}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		IncEventDropped()
		return
	}
	select {
	case e.queue <- ev:
	default:
		IncEventDropped()
		log.WithFields(log.Fields{
			"routing_key": routingKey,
			"event_name":  envelope.EventName,
		}).Warn("event queue full, dropping event")
	}
}

// Close stops accepting events and waits for the queued ones to be published.
func (e *Events) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

// MessageSent announces a newly persisted message.
func (e *Events) MessageSent(ctx context.Context, env models.Envelope) {
	e.Publish(ctx, RoutingMessageSent, EventEnvelope{
		EventType: "delivery_events",
		EventName: "message_sent",
		Payload: map[string]interface{}{
			"message_id":   env.Message.ID,
			"sender_id":    env.Message.SenderID,
			"recipient_id": env.Message.RecipientID,
			"created_at":   env.Message.CreatedAt,
		},
	}, nil)
}

// Transition announces a delivery record that moved to a new state.
func (e *Events) Transition(ctx context.Context, rec models.DeliveryRecord) {
	routingKey, name := RoutingMessageDelivered, "message_delivered"
	if rec.State == models.StateRead {
		routingKey, name = RoutingMessageRead, "message_read"
	}
	e.Publish(ctx, routingKey, EventEnvelope{
		EventType: "delivery_events",
		EventName: name,
		Payload:   rec,
	}, nil)
}

// ConnectionEvent describes a websocket lifecycle change.
type ConnectionEvent struct {
	Name      string
	ConnID    string
	UserID    int64
	DeviceID  string
	IP        string
	Duration  time.Duration
	Reason    string
	RequestID string
	TraceID   string
}

// Connection publishes a ws_events envelope for ev.
func (e *Events) Connection(ctx context.Context, ev ConnectionEvent) {
	e.Publish(ctx, RoutingWSEvents, EventEnvelope{
		EventType: "ws_events",
		EventName: ev.Name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       ev.Name,
				"conn_id":     ev.ConnID,
				"duration_ms": ev.Duration.Milliseconds(),
				"reason":      ev.Reason,
			},
			"identity": map[string]interface{}{
				"user_id":   ev.UserID,
				"device_id": ev.DeviceID,
				"ip":        ev.IP,
			},
		},
	}, BuildHeaders(ev.RequestID, ev.TraceID))
}
