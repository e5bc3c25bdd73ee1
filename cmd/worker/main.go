package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/lumiere-orderflow/internal/aws"
	"github.com/imrishuroy/lumiere-orderflow/internal/config"
	"github.com/imrishuroy/lumiere-orderflow/internal/idempotency"
	"github.com/imrishuroy/lumiere-orderflow/internal/logger"
	"github.com/imrishuroy/lumiere-orderflow/internal/notify"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	clients, err := aws.NewClients(context.Background(), cfg.AWS)
	if err != nil {
		log.Error("failed to init aws clients", "error", err)
		os.Exit(1)
	}

	p := NewProcessor(
		orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, cfg.Tables.Counters, cfg.DBTimeout),
		idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL, cfg.DBTimeout),
		notify.NewMailGateway(notify.NewLogMailer(log), cfg.Location),
		log,
	)

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"kind":"confirmation","orderId":"local-order-1","orderNumber":"LUM-00000000-0001"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: body},
			},
		}
		resp, err := p.Handle(context.Background(), event)
		if err != nil || len(resp.BatchItemFailures) > 0 {
			log.Error("local handler error", "error", err, "failures", len(resp.BatchItemFailures))
			os.Exit(1)
		}
		return
	}

	lambda.Start(p.Handle)
}
