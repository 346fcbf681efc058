package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

// Routing keys emitted by the delivery tracker.
const (
	RoutingDeliveryShipped   = "delivery.state.shipped"
	RoutingDeliveryDelivered = "delivery.state.delivered"
	RoutingDeliveryReturned  = "delivery.state.returned"
)

// DeliveryEventHandler is the part of the Service that consumes delivery events.
type DeliveryEventHandler interface {
	HandleDeliveryEvent(ctx context.Context, dealID uuid.UUID, state domain.DeliveryState) (*domain.Deal, error)
}

type DeliveryEventConsumer struct {
	handler DeliveryEventHandler
	logger  *slog.Logger
}

func NewDeliveryEventConsumer(handler DeliveryEventHandler, logger *slog.Logger) *DeliveryEventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryEventConsumer{handler: handler, logger: logger.With("component", "delivery_consumer")}
}

// Bindings maps each delivery routing key to its handler. The routing key decides the
// state, so a body that disagrees with its key cannot move the shipment elsewhere.
func (c *DeliveryEventConsumer) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		RoutingDeliveryShipped:   c.handlerFor(domain.DeliveryShipped),
		RoutingDeliveryDelivered: c.handlerFor(domain.DeliveryDelivered),
		RoutingDeliveryReturned:  c.handlerFor(domain.DeliveryReturned),
	}
}

func (c *DeliveryEventConsumer) handlerFor(state domain.DeliveryState) rabbitmq.Handler {
	return func(body []byte) bool {
		return c.handle(body, state)
	}
}

// HandleMessage processes a message whose body carries the state itself.
func (c *DeliveryEventConsumer) HandleMessage(body []byte) bool {
	return c.handle(body, "")
}

func (c *DeliveryEventConsumer) handle(body []byte, state domain.DeliveryState) bool {
	var event domain.DeliveryStateEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal delivery event; dropping", "error", err)
		return true
	}

	if state == "" {
		state = domain.DeliveryState(strings.ToLower(strings.TrimSpace(event.State)))
	}
	dealID, err := uuid.Parse(strings.TrimSpace(event.DealID))
	if err != nil {
		c.logger.Warn("delivery event without valid deal id; dropping", "event_id", event.EventID, "deal_id", event.DealID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := c.handler.HandleDeliveryEvent(ctx, dealID, state); err != nil {
		switch {
		case domain.IsValidation(err), domain.IsNotFound(err):
			c.logger.Warn("delivery event rejected; dropping", "event_id", event.EventID, "deal_id", dealID, "state", state, "error", err)
			return true
		case domain.IsStateConflict(err):
			// Out-of-order events will not heal on redelivery.
			c.logger.Error("delivery event conflicts with deal state", "event_id", event.EventID, "deal_id", dealID, "state", state, "error", err)
			return true
		default:
			c.logger.Error("delivery event processing failed", "event_id", event.EventID, "deal_id", dealID, "state", state, "error", err)
			return false
		}
	}

	c.logger.Info("delivery event applied", "event_id", event.EventID, "deal_id", dealID, "state", state)
	return true
}
