package orders

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	awsinfra "github.com/imrishuroy/lumiere-orderflow/internal/aws"
)

// FormatNumber renders PREFIX-YYYYMMDD-NNNN. Sequences above 9999 simply grow
// wider.
func FormatNumber(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), seq)
}

// Sequencer hands out per-day order numbers from an atomic counter row.
type Sequencer struct {
	client  awsinfra.DynamoDBAPI
	table   string
	prefix  string
	loc     *time.Location
	timeout time.Duration
}

// NewSequencer returns a Sequencer counting in the bakery's local day.
func NewSequencer(client awsinfra.DynamoDBAPI, countersTable, prefix string, loc *time.Location, timeout time.Duration) *Sequencer {
	if loc == nil {
		loc = time.UTC
	}
	return &Sequencer{client: client, table: countersTable, prefix: prefix, loc: loc, timeout: timeout}
}

// Next increments today's counter and returns the formatted number.
func (s *Sequencer) Next(ctx context.Context, now time.Time) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	day := now.In(s.loc)
	updatedAt, err := attributevalue.Marshal(now.UTC())
	if err != nil {
		return "", fmt.Errorf("marshal timestamp: %w", err)
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.table,
		Key: map[string]types.AttributeValue{
			"counter_key": &types.AttributeValueMemberS{Value: "order-seq#" + day.Format("20060102")},
		},
		UpdateExpression:         strPtr("SET updated_at = :ua ADD #seq :one"),
		ExpressionAttributeNames: map[string]string{"#seq": "seq"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":ua":  updatedAt,
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return "", awsinfra.ClassifyError("next order number", err)
	}

	n, ok := out.Attributes["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("next order number: counter returned no sequence")
	}
	seq, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return FormatNumber(s.prefix, day, seq), nil
}

func strPtr(s string) *string { return &s }
