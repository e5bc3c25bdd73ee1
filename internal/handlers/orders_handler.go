package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/lumiere-orderflow/internal/calendar"
	"github.com/imrishuroy/lumiere-orderflow/internal/idempotency"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
	"github.com/imrishuroy/lumiere-orderflow/internal/service"
	"github.com/imrishuroy/lumiere-orderflow/internal/validation"
)

// OrderService is the use-case surface the HTTP layer drives.
type OrderService interface {
	Create(ctx context.Context, in service.CreateInput, actor orders.Actor) (*service.CreateResult, error)
	Transition(ctx context.Context, id, target string, actor orders.Actor) (*orders.Order, error)
	MarkPaid(ctx context.Context, id, method string, actor orders.Actor) (*orders.Order, error)
	Get(ctx context.Context, id string) (*orders.Order, error)
	Track(ctx context.Context, number string) (*orders.Tracking, error)
	List(ctx context.Context, q service.ListQuery) (calendar.Result, error)
	MinPickup(ctx context.Context, productIDs []string) (*service.MinPickup, error)
}

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	Service   OrderService
	Validator *validatorv10.Validate
	Logger    *slog.Logger
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := cfg.Validator
	if v == nil {
		v = validation.New()
	}
	svc := cfg.Service
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	fail := func(c *gin.Context, err error) {
		if status := errorStatus(err); status >= http.StatusInternalServerError {
			log.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		}
		abortWithError(c, err)
	}

	r.Use(identify())

	// Public routes
	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_request_body", "message": err.Error()})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		in := service.CreateInput{
			Customer: orders.Customer{
				FullName: req.Customer.FullName,
				Email:    req.Customer.Email,
				Phone:    req.Customer.Phone,
			},
			PickupDate:     req.PickupDate,
			PickupTime:     req.PickupTime,
			Source:         orders.Source(req.OrderSource),
			Notes:          req.Notes,
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		}
		if in.IdempotencyKey != "" {
			in.RequestHash = idempotency.HashRequest(raw)
		}
		for _, it := range req.Items {
			in.Items = append(in.Items, service.ItemInput{
				ProductID:     it.ProductID,
				Quantity:      it.Quantity,
				CustomMessage: it.CustomMessage,
				IncludeCandle: it.IncludeCandle,
			})
		}

		res, err := svc.Create(ctx, in, actorFrom(c))
		if err != nil {
			fail(c, err)
			return
		}
		if res.Replayed {
			c.Header("Idempotent-Replayed", "true")
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", res.Order.ID))
		c.JSON(http.StatusCreated, gin.H{"ok": true, "order": res.Order})
	})

	r.POST("/orders/min-pickup-date", func(c *gin.Context) {
		var req validation.MinPickupRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		ids := make([]string, 0, len(req.Items))
		for _, it := range req.Items {
			ids = append(ids, it.ProductID)
		}
		res, err := svc.MinPickup(c.Request.Context(), ids)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "minPickupDate": res.MinPickupDate, "minDays": res.MinDays})
	})

	r.GET("/track/:orderNumber", func(c *gin.Context) {
		t, err := svc.Track(c.Request.Context(), c.Param("orderNumber"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "order": t})
	})

	// Staff routes
	staff := r.Group("/orders", requireStaff())

	staff.GET("", func(c *gin.Context) {
		res, err := svc.List(c.Request.Context(), service.ListQuery{
			Status:    c.Query("status"),
			StartDate: c.Query("startDate"),
			EndDate:   c.Query("endDate"),
			View:      c.Query("view"),
			All:       c.Query("all") == "true",
		})
		if err != nil {
			fail(c, err)
			return
		}
		if res.View == calendar.ViewCalendar {
			c.JSON(http.StatusOK, gin.H{"ok": true, "view": res.View, "data": res.Calendar, "count": res.Count})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "view": res.View, "orders": res.List, "count": res.Count})
	})

	staff.GET("/:id", func(c *gin.Context) {
		o, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "order": o})
	})

	staff.PATCH("/:id/status", func(c *gin.Context) {
		var req validation.TransitionRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		o, err := svc.Transition(c.Request.Context(), c.Param("id"), req.Status, actorFrom(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "order": o})
	})

	staff.PATCH("/:id/pay", func(c *gin.Context) {
		var req validation.MarkPaidRequest
		if c.Request.ContentLength != 0 {
			if err := validation.BindAndValidate(c, &req, v); err != nil {
				return
			}
		}
		o, err := svc.MarkPaid(c.Request.Context(), c.Param("id"), req.PaymentMethod, actorFrom(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "order": o})
	})
}
