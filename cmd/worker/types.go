package main

import (
	"context"

	"github.com/imrishuroy/lumiere-orderflow/internal/idempotency"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

// OrderReader loads the order a notification refers to.
type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

// DeliveryLog remembers which notifications were already delivered so SQS
// redeliveries do not email the customer twice.
type DeliveryLog interface {
	Claim(ctx context.Context, key, requestHash, orderID string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}
