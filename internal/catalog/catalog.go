// Package catalog resolves product ids to the name, category and price that
// get snapshotted onto order lines. Catalog management lives elsewhere; this
// package only reads.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/imrishuroy/lumiere-orderflow/internal/aws"
)

// Categories sold by the bakery.
const (
	CategoryCakes            = "cakes"
	CategoryPersonalDesserts = "personal-desserts"
	CategoryOneBite          = "onebite"
	CategoryPastries         = "pastries"
	CategoryBread            = "bread"
	CategoryBakeryShelf      = "bakery-shelf"
)

// ErrNotFound is returned for unknown or inactive products.
var ErrNotFound = errors.New("product not found")

// Product is the read model stored in the products table.
type Product struct {
	ID       string  `dynamodbav:"id" json:"id"`
	Name     string  `dynamodbav:"name" json:"name"`
	Category string  `dynamodbav:"category" json:"category"`
	Price    float64 `dynamodbav:"price" json:"price"`
	IsActive bool    `dynamodbav:"is_active" json:"isActive"`
}

// Catalog looks products up by id.
type Catalog interface {
	Lookup(ctx context.Context, productID string) (Product, error)
}

// DynamoCatalog reads products from DynamoDB.
type DynamoCatalog struct {
	client    aws.DynamoDBAPI
	tableName string
	timeout   time.Duration
}

// NewDynamoCatalog returns a catalog backed by tableName.
func NewDynamoCatalog(client aws.DynamoDBAPI, tableName string, timeout time.Duration) *DynamoCatalog {
	return &DynamoCatalog{client: client, tableName: tableName, timeout: timeout}
}

// Lookup implements Catalog.
func (c *DynamoCatalog) Lookup(ctx context.Context, productID string) (Product, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &c.tableName,
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: productID},
		},
	})
	if err != nil {
		return Product{}, aws.ClassifyError("lookup product", err)
	}
	if len(out.Item) == 0 {
		return Product{}, ErrNotFound
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return Product{}, fmt.Errorf("unmarshal product: %w", err)
	}
	if !p.IsActive {
		return Product{}, ErrNotFound
	}
	return p, nil
}

// Cached fronts a Catalog with a size and age bounded LRU. Misses are not
// cached so a product activated later becomes visible immediately.
type Cached struct {
	next  Catalog
	cache *expirable.LRU[string, Product]
}

// NewCached wraps next. size <= 0 disables caching.
func NewCached(next Catalog, size int, ttl time.Duration) Catalog {
	if size <= 0 {
		return next
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, Product](size, nil, ttl),
	}
}

// Lookup implements Catalog.
func (c *Cached) Lookup(ctx context.Context, productID string) (Product, error) {
	if p, ok := c.cache.Get(productID); ok {
		return p, nil
	}
	p, err := c.next.Lookup(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	c.cache.Add(productID, p)
	return p, nil
}
