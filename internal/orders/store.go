package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
	"github.com/imrishuroy/lumiere-orderflow/internal/aws"
)

// Index names on the orders table.
const (
	IndexOrderNumber = "order_number-index"
	IndexPickupDate  = "pickup_date-index"
	IndexStatus      = "status-index"
)

// MaxRangeDays bounds a single date-range query.
const MaxRangeDays = 366

// rangeConcurrency caps parallel per-day index queries.
const rangeConcurrency = 8

var (
	// ErrVersionConflict means the order changed since it was read.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrOrderNumberTaken means another order already holds the number.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrDuplicateRequest means a request-scoped guard (idempotency key) in the
	// create transaction already exists.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrAlreadyExists means an order with the same id exists.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrNotificationAlreadySent means the flag was set by someone else first.
	ErrNotificationAlreadySent = errors.New("notification already sent")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	countersTable string
	timeout       time.Duration
	nowFunc       func() time.Time
}

// NewStore creates a new orders Store. countersTable holds the order number
// uniqueness guards; timeout bounds every call (zero means no bound).
func NewStore(client aws.DynamoDBAPI, tableName, countersTable string, timeout time.Duration) *Store {
	return &Store{
		client:        client,
		tableName:     tableName,
		countersTable: countersTable,
		timeout:       timeout,
		nowFunc:       time.Now,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Create persists a new order at version 1 together with its order number
// guard in a single transaction. extra items (e.g. an idempotency record) join
// the same transaction; if one of their conditions fails ErrDuplicateRequest
// is returned and nothing is written.
func (s *Store) Create(ctx context.Context, o *Order, extra ...types.TransactWriteItem) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.nowFunc().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	o.Version = 1

	orderMap, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	createdAt, err := attributevalue.Marshal(o.CreatedAt)
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: strPtr("attribute_not_exists(id)"),
			},
		},
		{
			Put: &types.Put{
				TableName: &s.countersTable,
				Item: map[string]types.AttributeValue{
					"counter_key": &types.AttributeValueMemberS{Value: numberGuardKey(o.OrderNumber)},
					"order_id":    &types.AttributeValueMemberS{Value: o.ID},
					"created_at":  createdAt,
				},
				ConditionExpression: strPtr("attribute_not_exists(counter_key)"),
			},
		},
	}
	transactItems = append(transactItems, extra...)

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err == nil {
		return nil
	}
	if codes := aws.CancellationCodes(err); codes != nil {
		for i, code := range codes {
			if code != "ConditionalCheckFailed" {
				continue
			}
			switch {
			case i == 0:
				return ErrAlreadyExists
			case i == 1:
				return ErrOrderNumberTaken
			default:
				return ErrDuplicateRequest
			}
		}
	}
	return aws.ClassifyError("create order", err)
}

func numberGuardKey(number string) string { return "order-number#" + number }

// Get fetches an order by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, aws.ClassifyError("get order", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// GetByOrderNumber looks an order up through the order number index.
// Returns (nil, nil) if not found.
func (s *Store) GetByOrderNumber(ctx context.Context, number string) (*Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	found, err := s.queryAll(ctx, &dyn.QueryInput{
		TableName:                &s.tableName,
		IndexName:                strPtr(IndexOrderNumber),
		KeyConditionExpression:   strPtr("#on = :on"),
		ExpressionAttributeNames: map[string]string{"#on": "order_number"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":on": &types.AttributeValueMemberS{Value: number},
		},
	})
	if err != nil {
		return nil, aws.ClassifyError("get order by number", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// FindByDateRange returns orders whose pickup date falls within [start, end]
// (both YYYY-MM-DD, inclusive), optionally restricted to one status, sorted by
// pickup date, slot and order number. Each day is one index query; days are
// fetched concurrently.
func (s *Store) FindByDateRange(ctx context.Context, start, end time.Time, status Status) ([]Order, error) {
	// Compare calendar dates so DST shifts in the caller's zone cannot skew
	// the day count.
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	if last.Before(first) {
		return nil, apperr.New(apperr.KindValidation, "end date is before start date")
	}
	days := int(last.Sub(first)/(24*time.Hour)) + 1
	if days > MaxRangeDays {
		return nil, apperr.New(apperr.KindValidation, "date range exceeds %d days", MaxRangeDays)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		mu  sync.Mutex
		all []Order
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rangeConcurrency)
	for i := 0; i < days; i++ {
		date := first.AddDate(0, 0, i).Format("2006-01-02")
		g.Go(func() error {
			in := &dyn.QueryInput{
				TableName:                &s.tableName,
				IndexName:                strPtr(IndexPickupDate),
				KeyConditionExpression:   strPtr("#pd = :pd"),
				ExpressionAttributeNames: map[string]string{"#pd": "pickup_date"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pd": &types.AttributeValueMemberS{Value: date},
				},
			}
			if status != "" {
				in.FilterExpression = strPtr("#s = :s")
				in.ExpressionAttributeNames["#s"] = "status"
				in.ExpressionAttributeValues[":s"] = &types.AttributeValueMemberS{Value: string(status)}
			}
			found, err := s.queryAll(gctx, in)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, aws.ClassifyError("find orders by date", err)
	}

	SortBySchedule(all)
	return all, nil
}

// FindAll returns every order, or every order in one status, in schedule order.
func (s *Store) FindAll(ctx context.Context, status Status) ([]Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		all []Order
		err error
	)
	if status != "" {
		all, err = s.queryAll(ctx, &dyn.QueryInput{
			TableName:                &s.tableName,
			IndexName:                strPtr(IndexStatus),
			KeyConditionExpression:   strPtr("#s = :s"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s": &types.AttributeValueMemberS{Value: string(status)},
			},
		})
	} else {
		all, err = s.scanAll(ctx)
	}
	if err != nil {
		return nil, aws.ClassifyError("find orders", err)
	}
	SortBySchedule(all)
	return all, nil
}

// Save writes o back if nobody else changed it since it was read. On success
// o.Version is incremented; on ErrVersionConflict o is left unchanged.
func (s *Store) Save(ctx context.Context, o *Order) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	expected := o.Version
	o.Version++
	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		o.Version = expected
		return fmt.Errorf("marshal order item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      strPtr("#v = :expected"),
		ExpressionAttributeNames: map[string]string{"#v": "version"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expected)},
		},
	})
	if err != nil {
		o.Version = expected
		if aws.IsConditionFailed(err) {
			return ErrVersionConflict
		}
		return aws.ClassifyError("save order", err)
	}
	return nil
}

var notificationFields = map[NotificationKind][2]string{
	NotificationConfirmation: {"confirmation_sent", "confirmation_sent_at"},
	NotificationReady:        {"ready_notification_sent", "ready_notification_sent_at"},
}

// MarkNotificationSent sets exactly one notification flag, only if it is not
// already set. Other fields of the order are not touched apart from
// updated_at and version.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, kind NotificationKind, at time.Time) error {
	fields, ok := notificationFields[kind]
	if !ok {
		return fmt.Errorf("unknown notification kind %q", kind)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	atAV, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	uaAV, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:    strPtr("SET #n.#sent = :true, #n.#at = :at, updated_at = :ua ADD #v :one"),
		ConditionExpression: strPtr("attribute_exists(id) AND #n.#sent = :false"),
		ExpressionAttributeNames: map[string]string{
			"#n":    "notifications",
			"#sent": fields[0],
			"#at":   fields[1],
			"#v":    "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":at":    atAV,
			":ua":    uaAV,
			":one":   &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrNotificationAlreadySent
		}
		return aws.ClassifyError("mark notification sent", err)
	}
	return nil
}

func (s *Store) queryAll(ctx context.Context, in *dyn.QueryInput) ([]Order, error) {
	var out []Order
	for {
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (s *Store) scanAll(ctx context.Context) ([]Order, error) {
	in := &dyn.ScanInput{TableName: &s.tableName}
	var out []Order
	for {
		page, err := s.client.Scan(ctx, in)
		if err != nil {
			return nil, err
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// SortBySchedule orders by pickup date, then slot, then order number.
func SortBySchedule(list []Order) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.PickupDate != b.PickupDate {
			return a.PickupDate < b.PickupDate
		}
		if a.PickupSort != b.PickupSort {
			return a.PickupSort < b.PickupSort
		}
		return a.OrderNumber < b.OrderNumber
	})
}

func boolPtr(b bool) *bool { return &b }
