package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-stkpush-checkout/internal/aws"
	"github.com/shopspring/decimal"
)

// Item is one cart line. Exactly one of ProductID and BasketID is set.
type Item struct {
	ProductID string
	BasketID  string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Snapshot is the cart as read once at checkout time.
type Snapshot struct {
	CustomerID string
	Items      []Item
	Subtotal   decimal.Decimal
	CapturedAt time.Time
}

// Empty reports whether there is nothing to check out.
func (s Snapshot) Empty() bool { return len(s.Items) == 0 }

type cartRecord struct {
	CustomerID string       `dynamodbav:"customer_id"` // PK
	Items      []itemRecord `dynamodbav:"items"`
	UpdatedAt  time.Time    `dynamodbav:"updated_at"`
}

type itemRecord struct {
	ProductID string `dynamodbav:"product_id,omitempty"`
	BasketID  string `dynamodbav:"basket_id,omitempty"`
	Name      string `dynamodbav:"name"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price"`
}

// Store reads and clears customer carts kept in DynamoDB. Editing carts is
// handled by the storefront; this service only snapshots and clears them.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore returns a Store over the carts table.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName, nowFunc: time.Now}
}

// Snapshot reads the customer's cart. A missing cart is an empty snapshot.
func (s *Store) Snapshot(ctx context.Context, customerID string) (Snapshot, error) {
	snap := Snapshot{CustomerID: customerID, Subtotal: decimal.Zero, CapturedAt: s.nowFunc().UTC()}

	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            cartKey(customerID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("get cart: %w", err)
	}
	if len(out.Item) == 0 {
		return snap, nil
	}
	var rec cartRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal cart: %w", err)
	}

	for _, r := range rec.Items {
		if (r.ProductID == "") == (r.BasketID == "") || r.Quantity < 1 {
			return Snapshot{}, fmt.Errorf("cart %s: invalid line %q", customerID, r.Name)
		}
		price, err := decimal.NewFromString(r.UnitPrice)
		if err != nil {
			return Snapshot{}, fmt.Errorf("cart %s: bad unit price %q: %w", customerID, r.UnitPrice, err)
		}
		line := price.Mul(decimal.NewFromInt(int64(r.Quantity)))
		snap.Items = append(snap.Items, Item{
			ProductID: r.ProductID,
			BasketID:  r.BasketID,
			Name:      r.Name,
			Quantity:  r.Quantity,
			UnitPrice: price,
			LineTotal: line,
		})
		snap.Subtotal = snap.Subtotal.Add(line)
	}
	return snap, nil
}

// Clear empties the customer's cart.
func (s *Store) Clear(ctx context.Context, customerID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              cartKey(customerID),
		UpdateExpression: awsString("SET #items = :empty, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#items": "items",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":ua":    &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("clear cart %s: %w", customerID, err)
	}
	return nil
}

func cartKey(customerID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"customer_id": &types.AttributeValueMemberS{Value: customerID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
