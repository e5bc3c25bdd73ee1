// Package notify delivers the two one-time customer messages: order
// confirmed and order ready for pickup.
package notify

import (
	"context"
	"fmt"

	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

// Gateway sends customer notifications. A false result with a nil error is
// never returned; callers treat (true, nil) as delivered and anything else as
// a failure to retry later.
type Gateway interface {
	NotifyConfirmed(ctx context.Context, o *orders.Order) (bool, error)
	NotifyReady(ctx context.Context, o *orders.Order) (bool, error)
}

// Send dispatches to the Gateway method for kind.
func Send(ctx context.Context, g Gateway, kind orders.NotificationKind, o *orders.Order) (bool, error) {
	switch kind {
	case orders.NotificationConfirmation:
		return g.NotifyConfirmed(ctx, o)
	case orders.NotificationReady:
		return g.NotifyReady(ctx, o)
	}
	return false, fmt.Errorf("unknown notification kind %q", kind)
}

// Message is the queue payload consumed by the notification worker.
type Message struct {
	Kind        orders.NotificationKind `json:"kind"`
	OrderID     string                  `json:"orderId"`
	OrderNumber string                  `json:"orderNumber"`
}

// Publisher is the subset of aws.Publisher used here.
type Publisher interface {
	PublishJSON(ctx context.Context, v interface{}, attributes map[string]string) error
}

// QueueGateway hands notifications to SQS for the worker to deliver.
// Delivered means enqueued.
type QueueGateway struct {
	pub Publisher
}

// NewQueueGateway returns a gateway publishing through pub.
func NewQueueGateway(pub Publisher) *QueueGateway {
	return &QueueGateway{pub: pub}
}

// NotifyConfirmed implements Gateway.
func (g *QueueGateway) NotifyConfirmed(ctx context.Context, o *orders.Order) (bool, error) {
	return g.publish(ctx, orders.NotificationConfirmation, o)
}

// NotifyReady implements Gateway.
func (g *QueueGateway) NotifyReady(ctx context.Context, o *orders.Order) (bool, error) {
	return g.publish(ctx, orders.NotificationReady, o)
}

func (g *QueueGateway) publish(ctx context.Context, kind orders.NotificationKind, o *orders.Order) (bool, error) {
	msg := Message{Kind: kind, OrderID: o.ID, OrderNumber: o.OrderNumber}
	attrs := map[string]string{
		"kind":         string(kind),
		"order_number": o.OrderNumber,
	}
	if err := g.pub.PublishJSON(ctx, msg, attrs); err != nil {
		return false, fmt.Errorf("enqueue %s notification: %w", kind, err)
	}
	return true, nil
}
