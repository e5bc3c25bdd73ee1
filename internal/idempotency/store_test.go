package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/lumiere-orderflow/internal/dynamotest"
)

const table = "idempotency-table"

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *dynamotest.Fake) {
	fake := dynamotest.New().CreateTable(table, "idempotency_key")
	s := NewStore(fake, table, 48*time.Hour, time.Second)
	s.nowFunc = func() time.Time { return now }
	return s, fake
}

func claim(t *testing.T, s *Store, fake *dynamotest.Fake, key, hash, orderID string) error {
	t.Helper()
	item, err := s.ClaimItem(key, hash, orderID)
	if err != nil {
		t.Fatalf("ClaimItem error: %v", err)
	}
	_, err = fake.TransactWriteItems(context.Background(), &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{item},
	})
	return err
}

func TestClaim_Get_MarkDone_MarkFailed(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()
	key := "test-key-1"
	orderID := "order-123"

	if err := claim(t, s, fake, key, "h1", orderID); err != nil {
		t.Fatalf("first claim error: %v", err)
	}

	// second claim should fail the condition
	err := claim(t, s, fake, key, "h1", orderID)
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		t.Fatalf("expected TransactionCanceledException on duplicate claim, got %v", err)
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.OrderID != orderID || rec.RequestHash != "h1" {
		t.Fatalf("record mismatch: %+v", rec)
	}
	if rec.ExpiresAt != now.Add(48*time.Hour).Unix() {
		t.Fatalf("unexpected expiry %d", rec.ExpiresAt)
	}

	if err := s.MarkDone(ctx, key, "{\"ok\":true}", 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}
	rec, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !rec.Done() || rec.ResponseBody != "{\"ok\":true}" || rec.ResponseStatus != 201 {
		t.Fatalf("response not stored: %+v", rec)
	}

	if err := s.MarkFailed(ctx, key, "failed-reason"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	item := fake.Item(table, key)
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusFailed {
		t.Fatalf("status not updated to FAILED, got %+v", item["status"])
	}
	if n, ok := item["note"].(*types.AttributeValueMemberS); !ok || n.Value != "failed-reason" {
		t.Fatalf("note not set, got %+v", item["note"])
	}
}

func TestMarkDone_MissingKey(t *testing.T) {
	s, fake := newTestStore()
	if err := s.MarkDone(context.Background(), "ghost", "{}", 201); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if fake.Len(table) != 0 {
		t.Fatalf("MarkDone must not create records")
	}
}

func TestGet_ExpiredIsMissing(t *testing.T) {
	s, fake := newTestStore()
	if err := claim(t, s, fake, "k", "h", "o"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	s.nowFunc = func() time.Time { return now.Add(49 * time.Hour) }
	rec, err := s.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected expired record to be ignored, got %+v", rec)
	}
}

func TestHashRequest(t *testing.T) {
	a := HashRequest([]byte(`{"a":1}`))
	if a != HashRequest([]byte(`{"a":1}`)) {
		t.Fatalf("hash not stable")
	}
	if a == HashRequest([]byte(`{"a":2}`)) {
		t.Fatalf("different bodies must hash differently")
	}
}

func TestAttributevalueMarshal_Unmarshal(t *testing.T) {
	rec := Record{
		IdempotencyKey: "k1",
		Status:         StatusInProgress,
		OrderID:        "o1",
		CreatedAt:      time.Now().Round(time.Second),
		UpdatedAt:      time.Now().Round(time.Second),
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	m, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Record
	if err := attributevalue.UnmarshalMap(m, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.IdempotencyKey != rec.IdempotencyKey {
		t.Fatalf("unmarshal mismatch")
	}
}

func TestClaim_Standalone(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	ok, err := s.Claim(ctx, "notify#o1", "", "o1")
	if err != nil || !ok {
		t.Fatalf("first Claim = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Claim(ctx, "notify#o1", "", "o1")
	if err != nil {
		t.Fatalf("second Claim error: %v", err)
	}
	if ok {
		t.Fatalf("second Claim should report the key as taken")
	}

	rec, err := s.Get(ctx, "notify#o1")
	if err != nil || rec == nil {
		t.Fatalf("Get after Claim = %v, %v", rec, err)
	}
	if rec.Status != StatusInProgress || rec.OrderID != "o1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestClaim_ExpiredKeyCanBeReused(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()

	if err := claim(t, s, fake, "k-expired", "h1", "order-1"); err != nil {
		t.Fatalf("first claim error: %v", err)
	}
	if err := s.MarkDone(ctx, "k-expired", `{"id":"order-1"}`, 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	// Past the TTL window, before the table's sweep has deleted the item.
	s.nowFunc = func() time.Time { return now.Add(49 * time.Hour) }
	if rec, err := s.Get(ctx, "k-expired"); err != nil || rec != nil {
		t.Fatalf("Get of expired record = %+v, %v; want nil, nil", rec, err)
	}
	if err := claim(t, s, fake, "k-expired", "h2", "order-2"); err != nil {
		t.Fatalf("claim of expired key error: %v", err)
	}
	rec, err := s.Get(ctx, "k-expired")
	if err != nil || rec == nil {
		t.Fatalf("Get after reclaim = %v, %v", rec, err)
	}
	if rec.OrderID != "order-2" || rec.RequestHash != "h2" || rec.Status != StatusInProgress {
		t.Fatalf("unexpected record after reclaim: %+v", rec)
	}

	// A live record still blocks the key.
	if err := claim(t, s, fake, "k-expired", "h3", "order-3"); err == nil {
		t.Fatalf("expected claim of live key to fail")
	}
	ok, err := s.Claim(ctx, "k-expired", "h3", "order-3")
	if err != nil || ok {
		t.Fatalf("Claim of live key = %v, %v; want false, nil", ok, err)
	}

	s.nowFunc = func() time.Time { return now.Add(100 * time.Hour) }
	ok, err = s.Claim(ctx, "k-expired", "h4", "order-4")
	if err != nil || !ok {
		t.Fatalf("Claim of expired key = %v, %v; want true, nil", ok, err)
	}
}
