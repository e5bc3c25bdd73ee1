// Package dynamotest provides an in-memory DynamoDB double for store tests.
//
// It understands the small expression dialect the stores use: SET/ADD/REMOVE
// update clauses, OR of AND-joined conditions built from =, <>, <,
// attribute_exists and attribute_not_exists, and single-attribute key
// conditions on tables and global secondary indexes.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type table struct {
	pk      string
	indexes map[string]string // index name -> partition attribute
	items   map[string]map[string]types.AttributeValue
}

// Fake is a concurrency-safe in-memory DynamoDB.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table

	// Intercept, when set, runs before every operation. A non-nil error is
	// returned to the caller instead of executing the operation.
	Intercept func(op, tableName string) error

	Calls map[string]int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		tables: map[string]*table{},
		Calls:  map[string]int{},
	}
}

// CreateTable registers a table keyed by a single string partition attribute.
func (f *Fake) CreateTable(name, pk string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{
		pk:      pk,
		indexes: map[string]string{},
		items:   map[string]map[string]types.AttributeValue{},
	}
	return f
}

// AddIndex registers a global secondary index partitioned on attr.
func (f *Fake) AddIndex(tableName, index, attr string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableName].indexes[index] = attr
	return f
}

// Item returns a copy of the stored item, or nil.
func (f *Fake) Item(tableName, key string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	it, ok := t.items[key]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Len returns the number of items in a table.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[tableName].items)
}

// Seed writes an item unconditionally.
func (f *Fake) Seed(tableName string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[tableName]
	t.items[keyString(item[t.pk])] = copyItem(item)
}

func (f *Fake) enter(op string, tableName *string) (*table, error) {
	f.Calls[op]++
	name := ""
	if tableName != nil {
		name = *tableName
	}
	if f.Intercept != nil {
		f.mu.Unlock()
		err := f.Intercept(op, name)
		f.mu.Lock()
		if err != nil {
			return nil, err
		}
	}
	t, ok := f.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table not found: " + name)}
	}
	return t, nil
}

// PutItem implements the DynamoDB PutItem call.
func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("PutItem", in.TableName)
	if err != nil {
		return nil, err
	}
	if err := f.applyPut(t, in.Item, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, false); err != nil {
		return nil, err
	}
	return &dyn.PutItemOutput{}, nil
}

// GetItem implements the DynamoDB GetItem call.
func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("GetItem", in.TableName)
	if err != nil {
		return nil, err
	}
	it, ok := t.items[keyString(in.Key[t.pk])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

// UpdateItem implements the DynamoDB UpdateItem call, creating the item if absent.
func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("UpdateItem", in.TableName)
	if err != nil {
		return nil, err
	}
	updated, err := f.applyUpdate(t, in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, false)
	if err != nil {
		return nil, err
	}
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues != types.ReturnValueNone && in.ReturnValues != "" {
		out.Attributes = copyItem(updated)
	}
	return out, nil
}

// Query implements a partition-key equality query on a table or index.
func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("Query", in.TableName)
	if err != nil {
		return nil, err
	}
	attr := t.pk
	if in.IndexName != nil {
		a, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %s", *in.IndexName)
		}
		attr = a
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("dynamotest: query without key condition")
	}
	keyPath, keyVal, err := parseEquality(*in.KeyConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if len(keyPath) != 1 || keyPath[0] != attr {
		return nil, fmt.Errorf("dynamotest: key condition on %v, index partitioned on %s", keyPath, attr)
	}

	var items []map[string]types.AttributeValue
	for _, k := range sortedKeys(t.items) {
		it := t.items[k]
		if !equalAV(it[attr], keyVal) {
			continue
		}
		ok, err := evalCondition(it, in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, copyItem(it))
		}
	}
	return &dyn.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

// Scan implements a full-table scan with an optional filter.
func (f *Fake) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("Scan", in.TableName)
	if err != nil {
		return nil, err
	}
	var items []map[string]types.AttributeValue
	for _, k := range sortedKeys(t.items) {
		it := t.items[k]
		ok, err := evalCondition(it, in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, copyItem(it))
		}
	}
	return &dyn.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

// TransactWriteItems checks every condition first and applies all writes only
// if none fail. Failures surface as TransactionCanceledException with one
// cancellation reason per item, like the real service.
func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterTx(); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		var err error
		switch {
		case ti.Put != nil:
			t, ok := f.tables[deref(ti.Put.TableName)]
			if !ok {
				return nil, &types.ResourceNotFoundException{Message: ti.Put.TableName}
			}
			err = f.applyPut(t, ti.Put.Item, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues, true)
		case ti.Update != nil:
			t, ok := f.tables[deref(ti.Update.TableName)]
			if !ok {
				return nil, &types.ResourceNotFoundException{Message: ti.Update.TableName}
			}
			_, err = f.applyUpdate(t, ti.Update.Key, ti.Update.UpdateExpression, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues, true)
		}
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed"), Message: strPtr("The conditional request failed")}
			failed = true
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			t := f.tables[deref(ti.Put.TableName)]
			t.items[keyString(ti.Put.Item[t.pk])] = copyItem(ti.Put.Item)
		case ti.Update != nil:
			t := f.tables[deref(ti.Update.TableName)]
			if _, err := f.applyUpdate(t, ti.Update.Key, ti.Update.UpdateExpression, nil, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues, false); err != nil {
				return nil, err
			}
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (f *Fake) enterTx() error {
	f.Calls["TransactWriteItems"]++
	if f.Intercept == nil {
		return nil
	}
	f.mu.Unlock()
	err := f.Intercept("TransactWriteItems", "")
	f.mu.Lock()
	return err
}

func (f *Fake) applyPut(t *table, item map[string]types.AttributeValue, cond *string, names map[string]string, values map[string]types.AttributeValue, dryRun bool) error {
	pkVal, ok := item[t.pk]
	if !ok {
		return fmt.Errorf("dynamotest: item missing partition key %s", t.pk)
	}
	key := keyString(pkVal)
	existing := t.items[key]
	ok, err := evalCondition(existing, cond, names, values)
	if err != nil {
		return err
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	if !dryRun {
		t.items[key] = copyItem(item)
	}
	return nil
}

func (f *Fake) applyUpdate(t *table, keyAttrs map[string]types.AttributeValue, update, cond *string, names map[string]string, values map[string]types.AttributeValue, dryRun bool) (map[string]types.AttributeValue, error) {
	key := keyString(keyAttrs[t.pk])
	existing := t.items[key]
	ok, err := evalCondition(existing, cond, names, values)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	if dryRun {
		return nil, nil
	}

	item := copyItem(existing)
	if item == nil {
		item = copyItem(keyAttrs)
	}
	if update != nil {
		if err := applyUpdateExpr(item, *update, names, values); err != nil {
			return nil, err
		}
	}
	t.items[key] = item
	return item, nil
}

var clauseRe = regexp.MustCompile(`\b(SET|ADD|REMOVE)\b`)

func applyUpdateExpr(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	locs := clauseRe.FindAllStringIndex(expr, -1)
	for i, loc := range locs {
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		keyword := expr[loc[0]:loc[1]]
		body := strings.TrimSpace(expr[loc[1]:end])
		for _, part := range strings.Split(body, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			switch keyword {
			case "SET":
				lhs, rhs, found := strings.Cut(part, "=")
				if !found {
					return fmt.Errorf("dynamotest: bad SET clause %q", part)
				}
				v, ok := values[strings.TrimSpace(rhs)]
				if !ok {
					return fmt.Errorf("dynamotest: unknown value %q", rhs)
				}
				setPath(item, resolvePath(strings.TrimSpace(lhs), names), v)
			case "ADD":
				fields := strings.Fields(part)
				if len(fields) != 2 {
					return fmt.Errorf("dynamotest: bad ADD clause %q", part)
				}
				path := resolvePath(fields[0], names)
				inc, ok := values[fields[1]].(*types.AttributeValueMemberN)
				if !ok {
					return fmt.Errorf("dynamotest: ADD needs a number value")
				}
				cur := 0.0
				if n, ok := getPath(item, path).(*types.AttributeValueMemberN); ok {
					cur, _ = strconv.ParseFloat(n.Value, 64)
				}
				d, _ := strconv.ParseFloat(inc.Value, 64)
				setPath(item, path, &types.AttributeValueMemberN{Value: strconv.FormatFloat(cur+d, 'f', -1, 64)})
			case "REMOVE":
				path := resolvePath(part, names)
				removePath(item, path)
			}
		}
	}
	return nil
}

func evalCondition(item map[string]types.AttributeValue, cond *string, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if cond == nil || strings.TrimSpace(*cond) == "" {
		return true, nil
	}
	for _, disjunct := range strings.Split(*cond, " OR ") {
		ok, err := evalConjunction(item, disjunct, names, values)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func evalConjunction(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			path := resolvePath(clause[len("attribute_not_exists("):len(clause)-1], names)
			if getPath(item, path) != nil {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			path := resolvePath(clause[len("attribute_exists("):len(clause)-1], names)
			if getPath(item, path) == nil {
				return false, nil
			}
		case strings.Contains(clause, "<>"):
			lhs, rhs, _ := strings.Cut(clause, "<>")
			v, ok := values[strings.TrimSpace(rhs)]
			if !ok {
				return false, fmt.Errorf("dynamotest: unknown value %q", rhs)
			}
			if equalAV(getPath(item, resolvePath(strings.TrimSpace(lhs), names)), v) {
				return false, nil
			}
		case strings.Contains(clause, "<"):
			lhs, rhs, _ := strings.Cut(clause, "<")
			v, ok := values[strings.TrimSpace(rhs)]
			if !ok {
				return false, fmt.Errorf("dynamotest: unknown value %q", rhs)
			}
			if !lessAV(getPath(item, resolvePath(strings.TrimSpace(lhs), names)), v) {
				return false, nil
			}
		case strings.Contains(clause, "="):
			path, v, err := parseEquality(clause, names, values)
			if err != nil {
				return false, err
			}
			if !equalAV(getPath(item, path), v) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("dynamotest: unsupported condition %q", clause)
		}
	}
	return true, nil
}

func parseEquality(expr string, names map[string]string, values map[string]types.AttributeValue) ([]string, types.AttributeValue, error) {
	lhs, rhs, found := strings.Cut(expr, "=")
	if !found {
		return nil, nil, fmt.Errorf("dynamotest: expected equality, got %q", expr)
	}
	v, ok := values[strings.TrimSpace(rhs)]
	if !ok {
		return nil, nil, fmt.Errorf("dynamotest: unknown value %q", rhs)
	}
	return resolvePath(strings.TrimSpace(lhs), names), v, nil
}

func resolvePath(expr string, names map[string]string) []string {
	parts := strings.Split(strings.TrimSpace(expr), ".")
	for i, p := range parts {
		if strings.HasPrefix(p, "#") {
			if n, ok := names[p]; ok {
				parts[i] = n
			}
		}
	}
	return parts
}

func getPath(item map[string]types.AttributeValue, path []string) types.AttributeValue {
	if item == nil {
		return nil
	}
	var cur types.AttributeValue = &types.AttributeValueMemberM{Value: item}
	for _, p := range path {
		m, ok := cur.(*types.AttributeValueMemberM)
		if !ok {
			return nil
		}
		cur, ok = m.Value[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func setPath(item map[string]types.AttributeValue, path []string, v types.AttributeValue) {
	m := item
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(*types.AttributeValueMemberM)
		if !ok {
			next = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
			m[p] = next
		}
		m = next.Value
	}
	m[path[len(path)-1]] = v
}

func removePath(item map[string]types.AttributeValue, path []string) {
	m := item
	for _, p := range path[:len(path)-1] {
		next, ok := m[p].(*types.AttributeValueMemberM)
		if !ok {
			return
		}
		m = next.Value
	}
	delete(m, path[len(path)-1])
}

func equalAV(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		return x == y
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	default:
		return false
	}
}

// lessAV orders numbers numerically and strings lexically. Missing or
// mismatched values never compare less.
func lessAV(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		return x < y
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value < bv.Value
	default:
		return false
	}
}

func keyString(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	default:
		return ""
	}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = copyAV(v)
	}
	return out
}

func copyAV(v types.AttributeValue) types.AttributeValue {
	switch av := v.(type) {
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: copyItem(av.Value)}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(av.Value))
		for i, e := range av.Value {
			l[i] = copyAV(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	default:
		return v
	}
}

func sortedKeys(m map[string]map[string]types.AttributeValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
