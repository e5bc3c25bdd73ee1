package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/lumiere-orderflow/internal/aws"
	"github.com/imrishuroy/lumiere-orderflow/internal/catalog"
	"github.com/imrishuroy/lumiere-orderflow/internal/config"
	"github.com/imrishuroy/lumiere-orderflow/internal/handlers"
	"github.com/imrishuroy/lumiere-orderflow/internal/idempotency"
	"github.com/imrishuroy/lumiere-orderflow/internal/logger"
	"github.com/imrishuroy/lumiere-orderflow/internal/notify"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
	"github.com/imrishuroy/lumiere-orderflow/internal/service"
	"github.com/imrishuroy/lumiere-orderflow/internal/validation"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(cfg.Logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterOrdersRoutes(r, cfg)

	return r
}

// gateway picks SQS delivery when a queue is configured. Inline email is
// only allowed for local runs: in Lambda the hooks are drained before each
// response, so they must be a single SendMessage.
func gateway(cfg *config.Config, clients *aws.Clients, log *slog.Logger) (notify.Gateway, error) {
	if cfg.NotificationsQueueURL != "" {
		return notify.NewQueueGateway(aws.NewPublisher(clients.SQS, cfg.NotificationsQueueURL)), nil
	}
	if !cfg.RunLocal {
		return nil, errors.New("NOTIFICATIONS_QUEUE_URL is required unless RUN_LOCAL=true")
	}
	return notify.NewMailGateway(notify.NewLogMailer(log), cfg.Location), nil
}

func buildService(cfg *config.Config, clients *aws.Clients, log *slog.Logger) (*service.Service, error) {
	gw, err := gateway(cfg, clients, log)
	if err != nil {
		return nil, err
	}

	var metrics service.Metrics
	if cfg.MetricsNamespace != "" {
		metrics = aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace)
	}

	products := catalog.NewCached(
		catalog.NewDynamoCatalog(clients.DynamoDB, cfg.Tables.Products, cfg.DBTimeout),
		cfg.CatalogCacheSize,
		cfg.CatalogCacheTTL,
	)

	svc := service.New(
		orders.NewStore(clients.DynamoDB, cfg.Tables.Orders, cfg.Tables.Counters, cfg.DBTimeout),
		orders.NewSequencer(clients.DynamoDB, cfg.Tables.Counters, cfg.OrderNumberPrefix, cfg.Location, cfg.DBTimeout),
		products,
		idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL, cfg.DBTimeout),
		service.NotificationHooks(gw),
		metrics,
		log,
		service.Options{
			Location:      cfg.Location,
			NotifyTimeout: cfg.NotifyTimeout,
		},
	)
	return svc, nil
}

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

	svc, err := buildService(cfg, clients, log)
	if err != nil {
		log.Error("failed to build order service", "error", err)
		os.Exit(1)
	}
	r := setupRouter(handlers.HandlerConfig{
		Service:   svc,
		Validator: validation.New(),
		Logger:    log,
	})

	// if RUN_LOCAL is "true", run a local HTTP server for development.
	if cfg.RunLocal {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info("running local server", "addr", addr)
		if err := r.Run(addr); err != nil {
			log.Error("failed to run local server", "error", err)
			os.Exit(1)
		}
		svc.Wait()
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		// The runtime freezes between invocations; the queued hand-off must
		// finish before we return.
		svc.Wait()
		return resp, err
	})
}
