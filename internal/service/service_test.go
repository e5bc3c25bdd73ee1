package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
	"github.com/imrishuroy/lumiere-orderflow/internal/catalog"
	"github.com/imrishuroy/lumiere-orderflow/internal/dynamotest"
	"github.com/imrishuroy/lumiere-orderflow/internal/idempotency"
	"github.com/imrishuroy/lumiere-orderflow/internal/logger"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

var toronto = func() *time.Location {
	loc, err := time.LoadLocation("America/Toronto")
	if err != nil {
		panic(err)
	}
	return loc
}()

// Tuesday 2025-06-10, 10:00 in Toronto.
var tuesdayMorning = time.Date(2025, 6, 10, 10, 0, 0, 0, toronto)

var (
	admin   = orders.Actor{ID: "u-admin", Role: orders.RoleAdmin}
	chef    = orders.Actor{ID: "u-chef", Role: orders.RolePastryChef}
	barista = orders.Actor{ID: "u-barista", Role: orders.RoleBarista}
)

type stubGateway struct {
	mu    sync.Mutex
	calls map[orders.NotificationKind]int
	fail  map[orders.NotificationKind]bool
}

func newStubGateway() *stubGateway {
	return &stubGateway{calls: map[orders.NotificationKind]int{}, fail: map[orders.NotificationKind]bool{}}
}

func (g *stubGateway) record(kind orders.NotificationKind) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[kind]++
	if g.fail[kind] {
		return false, errors.New("mail server unavailable")
	}
	return true, nil
}

func (g *stubGateway) NotifyConfirmed(ctx context.Context, o *orders.Order) (bool, error) {
	return g.record(orders.NotificationConfirmation)
}

func (g *stubGateway) NotifyReady(ctx context.Context, o *orders.Order) (bool, error) {
	return g.record(orders.NotificationReady)
}

func (g *stubGateway) count(kind orders.NotificationKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[kind]
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) Incr(ctx context.Context, name string, dims map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
	return nil
}

func (m *countingMetrics) get(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

type env struct {
	svc     *Service
	fake    *dynamotest.Fake
	store   *orders.Store
	gw      *stubGateway
	metrics *countingMetrics
	ids     int
}

func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()
	fake := dynamotest.New().
		CreateTable("orders", "id").
		CreateTable("counters", "counter_key").
		CreateTable("idempotency", "idempotency_key").
		CreateTable("products", "id").
		AddIndex("orders", orders.IndexOrderNumber, "order_number").
		AddIndex("orders", orders.IndexPickupDate, "pickup_date").
		AddIndex("orders", orders.IndexStatus, "status")

	for _, p := range []catalog.Product{
		{ID: "p-cake", Name: "Chocolate Cake", Category: catalog.CategoryCakes, Price: 10, IsActive: true},
		{ID: "p-croissant", Name: "Croissant", Category: catalog.CategoryPastries, Price: 5, IsActive: true},
		{ID: "p-bread", Name: "Sourdough", Category: catalog.CategoryBread, Price: 4, IsActive: true},
	} {
		item, err := attributevalue.MarshalMap(p)
		require.NoError(t, err)
		fake.Seed("products", item)
	}

	e := &env{
		fake:    fake,
		store:   orders.NewStore(fake, "orders", "counters", time.Second),
		gw:      newStubGateway(),
		metrics: &countingMetrics{counts: map[string]int{}},
	}
	e.svc = New(
		e.store,
		orders.NewSequencer(fake, "counters", "LUM", toronto, time.Second),
		catalog.NewDynamoCatalog(fake, "products", time.Second),
		idempotency.NewStore(fake, "idempotency", 48*time.Hour, time.Second),
		NotificationHooks(e.gw),
		e.metrics,
		logger.Discard(),
		Options{
			Location:      toronto,
			NotifyTimeout: time.Second,
			Now:           func() time.Time { return now },
			NewID: func() string {
				e.ids++
				return "order-" + string(rune('a'+e.ids-1))
			},
			Backoff: func(int) time.Duration { return 0 },
		},
	)
	return e
}

func cakeOrder() CreateInput {
	return CreateInput{
		Customer: orders.Customer{FullName: "Ada Baker", Email: "ada@example.com", Phone: "416-555-0100"},
		Items: []ItemInput{
			{ProductID: "p-cake", Quantity: 1, CustomMessage: "Happy Birthday", IncludeCandle: true},
			{ProductID: "p-croissant", Quantity: 3},
		},
		PickupDate: "2025-06-14",
		PickupTime: "2:00 PM",
		Source:     orders.SourceWebsite,
	}
}

func TestCreate(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()

	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()

	o := res.Order
	assert.False(t, res.Replayed)
	assert.Equal(t, "LUM-20250610-0001", o.OrderNumber)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.Equal(t, "Chocolate Cake", o.Items[0].ProductName)
	assert.Equal(t, "cakes", o.Items[0].ProductCategory)
	assert.InDelta(t, 25.0, o.Subtotal, 1e-9)
	assert.InDelta(t, 3.25, o.Tax, 1e-9)
	assert.InDelta(t, 28.25, o.Total, 1e-9)

	assert.Equal(t, 1, e.gw.count(orders.NotificationConfirmation))
	stored, err := e.store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notifications.ConfirmationSent)
	assert.False(t, stored.Notifications.ReadyNotificationSent)
	assert.Equal(t, 1, e.metrics.get("orders_created"))

	second, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	assert.Equal(t, "LUM-20250610-0002", second.Order.OrderNumber)
	e.svc.Wait()
}

func TestCreate_LeadTimeViolation(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	in := cakeOrder()
	in.PickupDate = "2025-06-11"

	_, err := e.svc.Create(context.Background(), in, orders.Actor{})
	require.ErrorIs(t, err, apperr.ErrLeadTimeViolation)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "2025-06-12", ae.Context["minPickupDate"])
	assert.Equal(t, 0, e.fake.Len("orders"))
	assert.Equal(t, 0, e.gw.count(orders.NotificationConfirmation))
}

func TestCreate_FridayEveningCake(t *testing.T) {
	friday := time.Date(2025, 6, 13, 19, 0, 0, 0, toronto)
	e := newEnv(t, friday)

	in := cakeOrder()
	in.PickupDate = "2025-06-16"
	_, err := e.svc.Create(context.Background(), in, orders.Actor{})
	require.ErrorIs(t, err, apperr.ErrLeadTimeViolation)

	in.PickupDate = "2025-06-17"
	res, err := e.svc.Create(context.Background(), in, orders.Actor{})
	require.NoError(t, err)
	assert.Equal(t, "LUM-20250613-0001", res.Order.OrderNumber)
	e.svc.Wait()
}

func TestCreate_ProductNotFound(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	in := cakeOrder()
	in.Items = append(in.Items, ItemInput{ProductID: "p-ghost", Quantity: 1})

	_, err := e.svc.Create(context.Background(), in, orders.Actor{})
	require.ErrorIs(t, err, apperr.ErrProductNotFound)
	assert.Equal(t, 0, e.fake.Len("orders"))
	assert.Equal(t, 0, e.fake.Calls["UpdateItem"], "no order number consumed")
}

func TestCreate_InPerson(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	in := cakeOrder()
	in.Source = orders.SourceInPerson

	_, err := e.svc.Create(context.Background(), in, orders.Actor{})
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)

	res, err := e.svc.Create(context.Background(), in, barista)
	require.NoError(t, err)
	assert.Equal(t, "u-barista", res.Order.CreatedBy)
	e.svc.Wait()
}

func TestCreate_InvalidPickupDate(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	in := cakeOrder()
	in.PickupDate = "14/06/2025"
	_, err := e.svc.Create(context.Background(), in, orders.Actor{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreate_NotificationFailureKeepsOrder(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	e.gw.fail[orders.NotificationConfirmation] = true

	res, err := e.svc.Create(context.Background(), cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()

	stored, err := e.store.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.False(t, stored.Notifications.ConfirmationSent)
	assert.Equal(t, orders.StatusConfirmed, stored.Status)
	assert.Equal(t, 1, e.metrics.get("notification_failures"))
}

func TestCreate_NumberCollisionRetries(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	e.fake.Seed("counters", map[string]types.AttributeValue{
		"counter_key": &types.AttributeValueMemberS{Value: "order-number#LUM-20250610-0001"},
		"order_id":    &types.AttributeValueMemberS{Value: "legacy"},
	})

	res, err := e.svc.Create(context.Background(), cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	assert.Equal(t, "LUM-20250610-0002", res.Order.OrderNumber)
	assert.Equal(t, 1, e.fake.Len("orders"))
	e.svc.Wait()
}

func TestCreate_Idempotent(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()
	in := cakeOrder()
	in.IdempotencyKey = "key-1"
	in.RequestHash = idempotency.HashRequest([]byte("body-1"))

	first, err := e.svc.Create(ctx, in, orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()

	again, err := e.svc.Create(ctx, in, orders.Actor{})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Order.ID, again.Order.ID)
	assert.Equal(t, first.Order.OrderNumber, again.Order.OrderNumber)
	assert.Equal(t, 1, e.fake.Len("orders"))
	assert.Equal(t, 1, e.gw.count(orders.NotificationConfirmation))

	in.RequestHash = idempotency.HashRequest([]byte("body-2"))
	_, err = e.svc.Create(ctx, in, orders.Actor{})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCreate_Timeout(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	e.fake.Intercept = func(op, table string) error {
		if op == "TransactWriteItems" {
			return context.DeadlineExceeded
		}
		return nil
	}
	_, err := e.svc.Create(context.Background(), cakeOrder(), orders.Actor{})
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Equal(t, 0, e.gw.count(orders.NotificationConfirmation))
}

func TestTransition_FullLifecycle(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()
	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	id := res.Order.ID

	o, err := e.svc.Transition(ctx, id, "in_progress", chef)
	require.NoError(t, err)
	assert.NotNil(t, o.Fulfillment.StartedAt)

	o, err = e.svc.Transition(ctx, id, "ready", chef)
	require.NoError(t, err)
	assert.Equal(t, "u-chef", o.Fulfillment.CompletedBy)
	e.svc.Wait()
	assert.Equal(t, 1, e.gw.count(orders.NotificationReady))

	o, err = e.svc.Transition(ctx, id, "picked_up", barista)
	require.NoError(t, err)
	assert.Equal(t, "u-barista", o.Pickup.HandledBy)
	e.svc.Wait()

	stored, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPickedUp, stored.Status)
	assert.True(t, stored.Notifications.ConfirmationSent)
	assert.True(t, stored.Notifications.ReadyNotificationSent)
	assert.Equal(t, 1, e.gw.count(orders.NotificationReady))
	assert.Equal(t, 3, e.metrics.get("order_transitions"))
}

func TestTransition_Errors(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()
	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()

	_, err = e.svc.Transition(ctx, res.Order.ID, "baking", admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidStatus)

	_, err = e.svc.Transition(ctx, res.Order.ID, "picked_up", barista)
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)

	_, err = e.svc.Transition(ctx, res.Order.ID, "in_progress", barista)
	assert.Equal(t, 403, apperr.HTTPStatus(err))

	_, err = e.svc.Transition(ctx, "missing", "ready", chef)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransition_ReadyNotificationFailureStillSucceeds(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	e.gw.fail[orders.NotificationReady] = true
	ctx := context.Background()
	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)

	_, err = e.svc.Transition(ctx, res.Order.ID, "in_progress", admin)
	require.NoError(t, err)
	o, err := e.svc.Transition(ctx, res.Order.ID, "ready", admin)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusReady, o.Status)
	e.svc.Wait()

	stored, err := e.store.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusReady, stored.Status)
	assert.False(t, stored.Notifications.ReadyNotificationSent)
}

func TestTransition_SkipsAlreadySentNotification(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()

	pending := &orders.Order{
		ID:          "legacy-1",
		OrderNumber: "LUM-20250601-0001",
		Status:      orders.StatusPending,
		PickupDate:  "2025-06-14",
		PickupTime:  "9:00 AM",
		PickupSort:  "09:00",
		Notifications: orders.Notifications{
			ConfirmationSent: true,
		},
	}
	require.NoError(t, e.store.Create(ctx, pending))

	o, err := e.svc.Transition(ctx, "legacy-1", "confirmed", admin)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	e.svc.Wait()
	assert.Equal(t, 0, e.gw.count(orders.NotificationConfirmation))
}

// bumpVersion simulates another writer committing between our read and write.
func bumpVersion(t *testing.T, fake *dynamotest.Fake, id string) {
	item := fake.Item("orders", id)
	var o orders.Order
	require.NoError(t, attributevalue.UnmarshalMap(item, &o))
	o.Version++
	o.IsPaid = true
	o.PaymentMethod = orders.PaymentCard
	updated, err := attributevalue.MarshalMap(o)
	require.NoError(t, err)
	fake.Seed("orders", updated)
}

func TestTransition_VersionConflictReevaluates(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()
	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()
	id := res.Order.ID

	var once sync.Once
	e.fake.Intercept = func(op, table string) error {
		if op == "PutItem" && table == "orders" {
			once.Do(func() { bumpVersion(t, e.fake, id) })
		}
		return nil
	}

	o, err := e.svc.Transition(ctx, id, "in_progress", chef)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusInProgress, o.Status)
	assert.True(t, o.IsPaid, "concurrent payment must survive the retry")
	assert.Equal(t, 2, e.fake.Calls["PutItem"])
}

func TestTransition_PersistentConflict(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()
	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()

	e.fake.Intercept = func(op, table string) error {
		if op == "PutItem" && table == "orders" {
			bumpVersion(t, e.fake, res.Order.ID)
		}
		return nil
	}
	_, err = e.svc.Transition(ctx, res.Order.ID, "in_progress", chef)
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, maxSaveAttempts, e.fake.Calls["PutItem"])
}

func TestMarkPaid(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()
	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()

	_, err = e.svc.MarkPaid(ctx, res.Order.ID, "", chef)
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)

	_, err = e.svc.MarkPaid(ctx, res.Order.ID, "bitcoin", barista)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	o, err := e.svc.MarkPaid(ctx, res.Order.ID, "", barista)
	require.NoError(t, err)
	assert.True(t, o.IsPaid)
	assert.Equal(t, orders.PaymentCash, o.PaymentMethod)

	_, err = e.svc.MarkPaid(ctx, res.Order.ID, "card", admin)
	assert.ErrorIs(t, err, apperr.ErrAlreadyPaid)

	stored, err := e.store.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentCash, stored.PaymentMethod)
}

func TestGetAndTrack(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()
	res, err := e.svc.Create(ctx, cakeOrder(), orders.Actor{})
	require.NoError(t, err)
	e.svc.Wait()

	o, err := e.svc.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", o.Customer.Email)

	tr, err := e.svc.Track(ctx, res.Order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, tr.Status)
	assert.Equal(t, 2, tr.ItemCount)

	_, err = e.svc.Track(ctx, "LUM-20990101-0001")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestList(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()

	for _, p := range []struct{ date, slot string }{
		{"2025-06-14", "2:00 PM"},
		{"2025-06-14", "9:00 AM"},
		{"2025-06-20", "11:00 AM"},
	} {
		in := cakeOrder()
		in.PickupDate = p.date
		in.PickupTime = p.slot
		_, err := e.svc.Create(ctx, in, orders.Actor{})
		require.NoError(t, err)
	}
	e.svc.Wait()

	cal, err := e.svc.List(ctx, ListQuery{StartDate: "2025-06-13", EndDate: "2025-06-15", View: "calendar"})
	require.NoError(t, err)
	require.Len(t, cal.Calendar["2025-06-14"], 2)
	assert.Equal(t, "9:00 AM", cal.Calendar["2025-06-14"][0].PickupTime)
	assert.Equal(t, 2, cal.Count)

	list, err := e.svc.List(ctx, ListQuery{All: true, StartDate: "2025-06-13", EndDate: "2025-06-15"})
	require.NoError(t, err)
	require.Len(t, list.List, 3)
	assert.Equal(t, "2025-06-20", list.List[2].PickupDate)

	open, err := e.svc.List(ctx, ListQuery{StartDate: "2025-06-15"})
	require.NoError(t, err)
	assert.Len(t, open.List, 1)

	none, err := e.svc.List(ctx, ListQuery{Status: "ready"})
	require.NoError(t, err)
	assert.Equal(t, 0, none.Count)

	_, err = e.svc.List(ctx, ListQuery{Status: "baking"})
	assert.ErrorIs(t, err, apperr.ErrInvalidStatus)
	_, err = e.svc.List(ctx, ListQuery{StartDate: "June 1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.svc.List(ctx, ListQuery{View: "grid"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMinPickup(t *testing.T) {
	e := newEnv(t, tuesdayMorning)
	ctx := context.Background()

	got, err := e.svc.MinPickup(ctx, []string{"p-bread", "p-cake"})
	require.NoError(t, err)
	assert.Equal(t, "2025-06-12", got.MinPickupDate)
	assert.Equal(t, 2, got.MinDays)

	got, err = e.svc.MinPickup(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-10", got.MinPickupDate)

	_, err = e.svc.MinPickup(ctx, []string{"p-ghost"})
	assert.ErrorIs(t, err, apperr.ErrProductNotFound)
}

func TestBackoff(t *testing.T) {
	b := Backoff{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, b.Next(1))
	assert.Equal(t, 20*time.Millisecond, b.Next(2))
	assert.Equal(t, 50*time.Millisecond, b.Next(5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Second), context.Canceled)
}
