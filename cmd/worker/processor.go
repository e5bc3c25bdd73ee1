package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/lumiere-orderflow/internal/notify"
)

const defaultConcurrency = 4

// Processor delivers the notifications queued by the API.
type Processor struct {
	orders      OrderReader
	deliveries  DeliveryLog
	gateway     notify.Gateway
	log         *slog.Logger
	concurrency int
}

// NewProcessor creates a new worker processor.
func NewProcessor(orders OrderReader, deliveries DeliveryLog, gateway notify.Gateway, log *slog.Logger) *Processor {
	return &Processor{
		orders:      orders,
		deliveries:  deliveries,
		gateway:     gateway,
		log:         log,
		concurrency: defaultConcurrency,
	}
}

// Handle processes an SQS batch. Records that fail are reported back
// individually so only they are redelivered; after too many receives SQS
// moves them to the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	failed := make([]bool, len(ev.Records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, rec := range ev.Records {
		g.Go(func() error {
			if err := p.processMessage(gctx, rec); err != nil {
				p.log.ErrorContext(gctx, "notification failed", "message_id", rec.MessageId, "error", err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var resp events.SQSEventResponse
	for i, f := range failed {
		if f {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: ev.Records[i].MessageId,
			})
		}
	}
	return resp, nil
}

func deliveryKey(msg notify.Message) string {
	return fmt.Sprintf("notify#%s#%s", msg.Kind, msg.OrderID)
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg notify.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.OrderID == "" {
		return fmt.Errorf("message %s has no order id", rec.MessageId)
	}

	order, err := p.orders.Get(ctx, msg.OrderID)
	if err != nil {
		return fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		return fmt.Errorf("order not found: %s", msg.OrderID)
	}

	key := deliveryKey(msg)
	claimed, err := p.deliveries.Claim(ctx, key, "", order.ID)
	if err != nil {
		return fmt.Errorf("failed to claim delivery: %w", err)
	}
	if !claimed {
		prev, err := p.deliveries.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read delivery: %w", err)
		}
		if prev != nil && prev.Done() {
			p.log.InfoContext(ctx, "duplicate notification skipped", "order_number", order.OrderNumber, "kind", msg.Kind)
			return nil
		}
		// An earlier attempt failed or crashed mid-send; try again.
	}

	delivered, err := notify.Send(ctx, p.gateway, msg.Kind, order)
	if err == nil && !delivered {
		err = fmt.Errorf("%s notification not delivered", msg.Kind)
	}
	if err != nil {
		if merr := p.deliveries.MarkFailed(ctx, key, err.Error()); merr != nil {
			p.log.WarnContext(ctx, "delivery failure not recorded", "key", key, "error", merr)
		}
		return err
	}

	if err := p.deliveries.MarkDone(ctx, key, "", http.StatusOK); err != nil {
		// The email went out; a redelivery may send it again.
		p.log.WarnContext(ctx, "delivery not recorded", "key", key, "error", err)
	}
	p.log.InfoContext(ctx, "notification delivered", "order_number", order.OrderNumber, "kind", msg.Kind)
	return nil
}
