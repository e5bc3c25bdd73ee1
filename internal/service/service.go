// Package service coordinates the order aggregate with its collaborators:
// catalog, lead-time policy, numbering, persistence, idempotency and the
// post-commit notification hooks.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
	"github.com/imrishuroy/lumiere-orderflow/internal/calendar"
	"github.com/imrishuroy/lumiere-orderflow/internal/catalog"
	"github.com/imrishuroy/lumiere-orderflow/internal/idempotency"
	"github.com/imrishuroy/lumiere-orderflow/internal/leadtime"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

const (
	// maxNumberAttempts bounds retries when a generated order number is
	// already taken.
	maxNumberAttempts = 3
	// maxSaveAttempts bounds read-modify-write retries on version conflicts.
	maxSaveAttempts = 5
	// defaultRangeDays is the window used when only one end of a date range
	// is given.
	defaultRangeDays = 31
	statusCreated    = 201
)

// OrderStore is the persistence surface used by the service.
type OrderStore interface {
	Create(ctx context.Context, o *orders.Order, extra ...types.TransactWriteItem) error
	Get(ctx context.Context, id string) (*orders.Order, error)
	GetByOrderNumber(ctx context.Context, number string) (*orders.Order, error)
	FindByDateRange(ctx context.Context, start, end time.Time, status orders.Status) ([]orders.Order, error)
	FindAll(ctx context.Context, status orders.Status) ([]orders.Order, error)
	Save(ctx context.Context, o *orders.Order) error
	MarkNotificationSent(ctx context.Context, id string, kind orders.NotificationKind, at time.Time) error
}

// Numberer allocates order numbers.
type Numberer interface {
	Next(ctx context.Context, now time.Time) (string, error)
}

// IdempotencyStore records create requests so client retries replay the
// original response.
type IdempotencyStore interface {
	ClaimItem(key, requestHash, orderID string) (types.TransactWriteItem, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
}

// Metrics counts business events.
type Metrics interface {
	Incr(ctx context.Context, name string, dims map[string]string) error
}

// Options tune the service. Zero values fall back to defaults.
type Options struct {
	Location      *time.Location
	Policy        *leadtime.Policy
	NotifyTimeout time.Duration
	Now           func() time.Time
	NewID         func() string
	Backoff       func(attempt int) time.Duration
}

// Service implements the order use cases.
type Service struct {
	store   OrderStore
	numbers Numberer
	catalog catalog.Catalog
	idem    IdempotencyStore
	hooks   []Hook
	metrics Metrics
	log     *slog.Logger

	loc           *time.Location
	policy        leadtime.Policy
	notifyTimeout time.Duration
	now           func() time.Time
	newID         func() string
	backoff       func(attempt int) time.Duration

	inflight sync.WaitGroup
}

// New wires a Service. idem and metrics may be nil.
func New(store OrderStore, numbers Numberer, cat catalog.Catalog, idem IdempotencyStore, hooks []Hook, metrics Metrics, log *slog.Logger, opts Options) *Service {
	s := &Service{
		store:         store,
		numbers:       numbers,
		catalog:       cat,
		idem:          idem,
		hooks:         hooks,
		metrics:       metrics,
		log:           log,
		loc:           opts.Location,
		policy:        leadtime.Default,
		notifyTimeout: opts.NotifyTimeout,
		now:           opts.Now,
		newID:         opts.NewID,
		backoff:       opts.Backoff,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if opts.Policy != nil {
		s.policy = *opts.Policy
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = 10 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	if s.backoff == nil {
		s.backoff = DefaultBackoff.Next
	}
	return s
}

// localNow is the current instant in the bakery's timezone.
func (s *Service) localNow() time.Time { return s.now().In(s.loc) }

// ItemInput is one requested cart line.
type ItemInput struct {
	ProductID     string
	Quantity      int
	CustomMessage string
	IncludeCandle bool
}

// CreateInput is a new order request.
type CreateInput struct {
	Customer       orders.Customer
	Items          []ItemInput
	PickupDate     string
	PickupTime     string
	Source         orders.Source
	Notes          string
	IdempotencyKey string
	RequestHash    string
}

// CreateResult is the created order. Replayed is set when the response comes
// from an earlier request with the same idempotency key.
type CreateResult struct {
	Order    *orders.Order
	Replayed bool
}

// Create validates and stores a new order, then fires the confirmation hooks.
func (s *Service) Create(ctx context.Context, in CreateInput, actor orders.Actor) (*CreateResult, error) {
	if in.Source == "" {
		in.Source = orders.SourceWebsite
	}
	if in.IdempotencyKey != "" && s.idem != nil {
		if res, err := s.replay(ctx, in); res != nil || err != nil {
			return res, err
		}
	}

	lines, err := s.resolveLines(ctx, in.Items)
	if err != nil {
		return nil, err
	}

	pickup, err := leadtime.ParseDate(in.PickupDate, s.loc)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid pickup date %q", in.PickupDate)
	}

	now := s.localNow()
	o, err := orders.New(s.newID(), "", orders.Draft{
		Customer:   in.Customer,
		Lines:      lines,
		PickupDate: pickup,
		PickupTime: in.PickupTime,
		Source:     in.Source,
		Notes:      in.Notes,
	}, actor, now)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Validate(o.Categories(), pickup, now); err != nil {
		return nil, err
	}

	var extra []types.TransactWriteItem
	if in.IdempotencyKey != "" && s.idem != nil {
		claim, err := s.idem.ClaimItem(in.IdempotencyKey, in.RequestHash, o.ID)
		if err != nil {
			return nil, err
		}
		extra = append(extra, claim)
	}

	if err := s.persistNew(ctx, o, now, extra); err != nil {
		if errors.Is(err, orders.ErrDuplicateRequest) {
			// A concurrent request with the same key won the race.
			if res, rerr := s.replay(ctx, in); res != nil || rerr != nil {
				return res, rerr
			}
			return nil, apperr.Wrap(apperr.KindConflict, err, "request with this idempotency key is in progress")
		}
		return nil, err
	}

	s.log.InfoContext(ctx, "order created",
		"order_id", o.ID, "order_number", o.OrderNumber, "source", o.Source, "total", o.Total)
	s.incr(ctx, "orders_created", map[string]string{"source": string(o.Source)})

	if in.IdempotencyKey != "" && s.idem != nil {
		s.recordResponse(ctx, in.IdempotencyKey, o)
	}

	s.fire(o)
	return &CreateResult{Order: o}, nil
}

func (s *Service) persistNew(ctx context.Context, o *orders.Order, now time.Time, extra []types.TransactWriteItem) error {
	var lastErr error
	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number, err := s.numbers.Next(ctx, now)
		if err != nil {
			return err
		}
		o.OrderNumber = number

		err = s.store.Create(ctx, o, extra...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, orders.ErrOrderNumberTaken) {
			return err
		}
		s.log.WarnContext(ctx, "order number collision", "order_number", number, "attempt", attempt)
		lastErr = err
	}
	return apperr.Wrap(apperr.KindConflict, lastErr, "could not allocate a unique order number")
}

func (s *Service) resolveLines(ctx context.Context, items []ItemInput) ([]orders.Line, error) {
	lines := make([]orders.Line, 0, len(items))
	for _, it := range items {
		p, err := s.catalog.Lookup(ctx, it.ProductID)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, apperr.New(apperr.KindProductNotFound, "product %s not found", it.ProductID).
				WithContext("productId", it.ProductID)
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, orders.Line{
			ProductID:       p.ID,
			ProductName:     p.Name,
			ProductCategory: p.Category,
			Quantity:        it.Quantity,
			UnitPrice:       p.Price,
			CustomMessage:   it.CustomMessage,
			IncludeCandle:   it.IncludeCandle,
		})
	}
	return lines, nil
}

// replay returns the stored result for a reused idempotency key, or
// (nil, nil) when the key is unused.
func (s *Service) replay(ctx context.Context, in CreateInput) (*CreateResult, error) {
	rec, err := s.idem.Get(ctx, in.IdempotencyKey)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.RequestHash != "" && in.RequestHash != "" && rec.RequestHash != in.RequestHash {
		e := apperr.New(apperr.KindConflict, "idempotency key was used with a different request")
		e.Retryable = false
		return nil, e
	}
	if rec.Done() && rec.ResponseBody != "" {
		var o orders.Order
		if err := json.Unmarshal([]byte(rec.ResponseBody), &o); err == nil {
			return &CreateResult{Order: &o, Replayed: true}, nil
		}
	}
	// The order commits together with the claim, so it exists even if the
	// response was never recorded.
	if rec.OrderID != "" {
		o, err := s.store.Get(ctx, rec.OrderID)
		if err != nil {
			return nil, err
		}
		if o != nil {
			return &CreateResult{Order: o, Replayed: true}, nil
		}
	}
	return nil, apperr.New(apperr.KindConflict, "request with this idempotency key is in progress")
}

func (s *Service) recordResponse(ctx context.Context, key string, o *orders.Order) {
	body, err := json.Marshal(o)
	if err == nil {
		err = s.idem.MarkDone(ctx, key, string(body), statusCreated)
	}
	if err != nil {
		s.log.WarnContext(ctx, "idempotency response not recorded", "key", key, "order_number", o.OrderNumber, "error", err)
	}
}

// Transition moves an order to target on behalf of actor. Concurrent writers
// are resolved by re-reading and re-evaluating the transition.
func (s *Service) Transition(ctx context.Context, id, target string, actor orders.Actor) (*orders.Order, error) {
	to, err := orders.ParseStatus(target)
	if err != nil {
		return nil, err
	}
	o, err := s.mutate(ctx, id, func(o *orders.Order) error {
		return o.Transition(to, actor, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "order status changed",
		"order_number", o.OrderNumber, "status", o.Status, "actor", actor.ID, "role", actor.Role)
	s.incr(ctx, "order_transitions", map[string]string{"status": string(o.Status)})
	s.fire(o)
	return o, nil
}

// MarkPaid records payment. An empty method means cash.
func (s *Service) MarkPaid(ctx context.Context, id, method string, actor orders.Actor) (*orders.Order, error) {
	pm := orders.PaymentMethod(method)
	if pm == "" {
		pm = orders.PaymentCash
	}
	o, err := s.mutate(ctx, id, func(o *orders.Order) error {
		return o.MarkPaid(pm, actor, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "order paid", "order_number", o.OrderNumber, "method", o.PaymentMethod, "actor", actor.ID)
	s.incr(ctx, "orders_paid", map[string]string{"method": string(o.PaymentMethod)})
	return o, nil
}

func (s *Service) mutate(ctx context.Context, id string, apply func(*orders.Order) error) (*orders.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		o, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := apply(o); err != nil {
			return nil, err
		}
		err = s.store.Save(ctx, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, orders.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		s.log.DebugContext(ctx, "version conflict, retrying", "order_id", id, "attempt", attempt)
		if err := sleep(ctx, s.backoff(attempt)); err != nil {
			if te := apperr.FromContext(err, "update order"); te != nil {
				return nil, te
			}
			return nil, err
		}
	}
	return nil, apperr.Wrap(apperr.KindConflict, lastErr, "order %s is being modified concurrently", id)
}

func (s *Service) load(ctx context.Context, id string) (*orders.Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.New(apperr.KindNotFound, "order not found")
	}
	return o, nil
}

// Get returns the full order for staff.
func (s *Service) Get(ctx context.Context, id string) (*orders.Order, error) {
	return s.load(ctx, id)
}

// Track returns the public projection of an order by its number.
func (s *Service) Track(ctx context.Context, number string) (*orders.Tracking, error) {
	o, err := s.store.GetByOrderNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.New(apperr.KindNotFound, "order not found")
	}
	t := o.Tracking()
	return &t, nil
}

// ListQuery selects orders for the staff schedule.
type ListQuery struct {
	Status    string
	StartDate string
	EndDate   string
	View      string
	All       bool
}

// List returns orders shaped for the requested view. Without a date range
// (or with All) every order is returned; a single bound covers
// defaultRangeDays from that bound.
func (s *Service) List(ctx context.Context, q ListQuery) (calendar.Result, error) {
	view, err := calendar.ParseView(q.View)
	if err != nil {
		return calendar.Result{}, err
	}
	var status orders.Status
	if q.Status != "" {
		if status, err = orders.ParseStatus(q.Status); err != nil {
			return calendar.Result{}, err
		}
	}

	var list []orders.Order
	if q.All || (q.StartDate == "" && q.EndDate == "") {
		list, err = s.store.FindAll(ctx, status)
	} else {
		var start, end time.Time
		start, end, err = s.dateRange(q.StartDate, q.EndDate)
		if err != nil {
			return calendar.Result{}, err
		}
		list, err = s.store.FindByDateRange(ctx, start, end, status)
	}
	if err != nil {
		return calendar.Result{}, err
	}
	return calendar.Build(list, view), nil
}

func (s *Service) dateRange(startStr, endStr string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if startStr != "" {
		if start, err = leadtime.ParseDate(startStr, s.loc); err != nil {
			return start, end, apperr.New(apperr.KindValidation, "invalid startDate %q", startStr)
		}
	}
	if endStr != "" {
		if end, err = leadtime.ParseDate(endStr, s.loc); err != nil {
			return start, end, apperr.New(apperr.KindValidation, "invalid endDate %q", endStr)
		}
	}
	switch {
	case startStr == "":
		start = end.AddDate(0, 0, -(defaultRangeDays - 1))
	case endStr == "":
		end = start.AddDate(0, 0, defaultRangeDays-1)
	}
	return start, end, nil
}

// MinPickup is the earliest pickup date for a prospective cart.
type MinPickup struct {
	MinPickupDate string `json:"minPickupDate"`
	MinDays       int    `json:"minDays"`
}

// MinPickup computes the earliest pickup date for the given products.
func (s *Service) MinPickup(ctx context.Context, productIDs []string) (*MinPickup, error) {
	categories := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		p, err := s.catalog.Lookup(ctx, id)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, apperr.New(apperr.KindProductNotFound, "product %s not found", id).
				WithContext("productId", id)
		}
		if err != nil {
			return nil, err
		}
		categories = append(categories, p.Category)
	}
	now := s.localNow()
	return &MinPickup{
		MinPickupDate: s.policy.MinPickupDate(categories, now).Format(leadtime.DateLayout),
		MinDays:       s.policy.MinLeadDays(categories),
	}, nil
}

func (s *Service) incr(ctx context.Context, name string, dims map[string]string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.Incr(ctx, name, dims); err != nil {
		s.log.WarnContext(ctx, "metric not published", "metric", name, "error", err)
	}
}
