package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-stkpush-checkout/internal/aws"
)

var (
	// ErrNotFound is returned when no order matches the id or checkout request id.
	ErrNotFound = errors.New("order not found")
	// ErrAlreadyAssigned means the order already carries a different checkout request id.
	ErrAlreadyAssigned = errors.New("checkout request id already assigned")
	// ErrDuplicate means the order id or an idempotency claim in the same transaction already exists.
	ErrDuplicate = errors.New("order or idempotency claim already exists")
	// ErrStatusMismatch is returned when a conditional update finds the order in another state.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// condition expressions used by the store
const (
	condOrderAbsent     = "attribute_not_exists(order_id)"
	condStatusIs        = "#s = :expected"
	condPaidUnconfirmed = "#s = :expected AND receipt_confirmed = :unconfirmed"
	condRequestSettable = "attribute_exists(order_id) AND (attribute_not_exists(checkout_request_id) OR checkout_request_id = :rid)"
	condRequestFree     = "attribute_not_exists(checkout_request_id) OR order_id = :oid"
)

// Transition reports what a MarkPaid or MarkFailed call did.
type Transition struct {
	// Order is the state after the call.
	Order *Order
	// Applied is true only for the call that moved the order out of pending.
	Applied bool
	// ReceiptUpdated is true when a placeholder receipt was replaced by the real one.
	ReceiptUpdated bool
}

// Store is the order ledger backed by DynamoDB. Every status change is a
// conditional update on the order item, so concurrent writers cannot both
// observe pending and both win.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	requestsTable string
	nowFunc       func() time.Time
}

// NewStore creates a ledger over the orders table and the checkout request index table.
func NewStore(client aws.DynamoDBAPI, tableName, requestsTable string) *Store {
	return &Store{
		client:        client,
		tableName:     tableName,
		requestsTable: requestsTable,
		nowFunc:       time.Now,
	}
}

// CreatePending writes a new pending order together with any extra transact items
// (an idempotency claim) in one TransactWriteItems call. Nothing is written when
// any condition fails.
func (s *Store) CreatePending(ctx context.Context, o *Order, extra ...types.TransactWriteItem) error {
	now := s.nowFunc().UTC()
	o.Status = StatusPending
	o.ReceiptNumber = ""
	o.ReceiptConfirmed = false
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if err := o.Validate(); err != nil {
		return err
	}

	orderMap, err := attributevalue.MarshalMap(toRecord(o))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := make([]types.TransactWriteItem, 0, 1+len(extra))
	transactItems = append(transactItems, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                orderMap,
			ConditionExpression: awsString(condOrderAbsent),
		},
	})
	transactItems = append(transactItems, extra...)

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		if conditionCancelled(err) {
			return fmt.Errorf("create order %s: %w", o.OrderID, ErrDuplicate)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id with a strongly consistent read.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return unmarshalOrder(out.Item)
}

// GetByCheckoutRequestID resolves the gateway's correlation id to its order.
func (s *Store) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.requestsTable,
		Key: map[string]types.AttributeValue{
			"checkout_request_id": &types.AttributeValueMemberS{Value: checkoutRequestID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get request index: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var rec requestRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal request index: %w", err)
	}
	return s.Get(ctx, rec.OrderID)
}

// AttachCheckoutRequestID records the gateway's correlation id on the order and in
// the lookup index. Re-attaching the same id is a no-op; a different id fails with
// ErrAlreadyAssigned.
func (s *Store) AttachCheckoutRequestID(ctx context.Context, orderID, checkoutRequestID string) error {
	now := s.nowFunc().UTC()
	idx, err := attributevalue.MarshalMap(requestRecord{
		CheckoutRequestID: checkoutRequestID,
		OrderID:           orderID,
		CreatedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("marshal request index: %w", err)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           &s.tableName,
					Key:                 orderKey(orderID),
					UpdateExpression:    awsString("SET checkout_request_id = :rid, updated_at = :ua"),
					ConditionExpression: awsString(condRequestSettable),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":rid": &types.AttributeValueMemberS{Value: checkoutRequestID},
						":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.requestsTable,
					Item:                idx,
					ConditionExpression: awsString(condRequestFree),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":oid": &types.AttributeValueMemberS{Value: orderID},
					},
				},
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, input)
	if err == nil {
		return nil
	}
	if !conditionCancelled(err) {
		return fmt.Errorf("attach checkout request id: %w", err)
	}
	if _, getErr := s.Get(ctx, orderID); errors.Is(getErr, ErrNotFound) {
		return ErrNotFound
	}
	log.Printf("[ledger] INVARIANT: order=%s refused checkout_request_id=%s", orderID, checkoutRequestID)
	return fmt.Errorf("order %s: %w", orderID, ErrAlreadyAssigned)
}

// MarkPaid moves a pending order to paid and records receipt. authoritative marks
// a receipt that came from the gateway callback rather than a poll placeholder.
//
// On an already paid order only a placeholder receipt may be replaced, and only
// by an authoritative one. On a failed order nothing changes: a success reported
// after a declared failure is not trusted.
func (s *Store) MarkPaid(ctx context.Context, orderID, receipt string, authoritative bool) (Transition, error) {
	o, err := s.conditionalUpdate(ctx, orderID, condStatusIs,
		map[string]types.AttributeValue{":expected": statusValue(StatusPending)},
		[]field{
			{"#s", statusValue(StatusPaid)},
			{"receipt_number", &types.AttributeValueMemberS{Value: receipt}},
			{"receipt_confirmed", &types.AttributeValueMemberBOOL{Value: authoritative}},
		})
	if err == nil {
		return Transition{Order: o, Applied: true}, nil
	}
	if !errors.Is(err, ErrStatusMismatch) {
		return Transition{}, err
	}

	cur, err := s.Get(ctx, orderID)
	if err != nil {
		return Transition{}, err
	}
	switch cur.Status {
	case StatusPaid:
		if !authoritative || receipt == "" || cur.ReceiptConfirmed {
			return Transition{Order: cur}, nil
		}
		o, err := s.conditionalUpdate(ctx, orderID, condPaidUnconfirmed,
			map[string]types.AttributeValue{
				":expected":    statusValue(StatusPaid),
				":unconfirmed": &types.AttributeValueMemberBOOL{Value: false},
			},
			[]field{
				{"receipt_number", &types.AttributeValueMemberS{Value: receipt}},
				{"receipt_confirmed", &types.AttributeValueMemberBOOL{Value: true}},
			})
		if errors.Is(err, ErrStatusMismatch) {
			// a concurrent callback confirmed it first
			cur, err = s.Get(ctx, orderID)
			if err != nil {
				return Transition{}, err
			}
			return Transition{Order: cur}, nil
		}
		if err != nil {
			return Transition{}, err
		}
		return Transition{Order: o, ReceiptUpdated: true}, nil
	case StatusFailed:
		log.Printf("[ledger] INCONSISTENT: success for failed order=%s receipt=%s authoritative=%t, leaving failed", orderID, receipt, authoritative)
		return Transition{Order: cur}, nil
	default:
		return Transition{}, fmt.Errorf("order %s in unexpected status %q", orderID, cur.Status)
	}
}

// MarkFailed moves a pending order to failed. Terminal orders are returned unchanged.
func (s *Store) MarkFailed(ctx context.Context, orderID, reason string) (Transition, error) {
	o, err := s.conditionalUpdate(ctx, orderID, condStatusIs,
		map[string]types.AttributeValue{":expected": statusValue(StatusPending)},
		[]field{
			{"#s", statusValue(StatusFailed)},
			{"failure_reason", &types.AttributeValueMemberS{Value: reason}},
		})
	if err == nil {
		return Transition{Order: o, Applied: true}, nil
	}
	if !errors.Is(err, ErrStatusMismatch) {
		return Transition{}, err
	}
	cur, err := s.Get(ctx, orderID)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Order: cur}, nil
}

type field struct {
	name  string
	value types.AttributeValue
}

// conditionalUpdate sets fields (plus updated_at) when condition holds and returns
// the updated order. A failed condition yields ErrStatusMismatch.
func (s *Store) conditionalUpdate(ctx context.Context, orderID, condition string, condValues map[string]types.AttributeValue, fields []field) (*Order, error) {
	now := s.nowFunc().UTC()
	values := map[string]types.AttributeValue{
		":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	for k, v := range condValues {
		values[k] = v
	}
	sets := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		placeholder := ":" + strings.TrimPrefix(f.name, "#")
		sets = append(sets, fmt.Sprintf("%s = %s", f.name, placeholder))
		values[placeholder] = f.value
	}
	sets = append(sets, "updated_at = :ua")

	input := &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       orderKey(orderID),
		UpdateExpression:          awsString("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       awsString(condition),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	return unmarshalOrder(out.Attributes)
}

// conditionCancelled reports whether a transaction was cancelled by a failed
// condition check, as opposed to a conflict with another transaction or throttling.
func conditionCancelled(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func unmarshalOrder(item map[string]types.AttributeValue) (*Order, error) {
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return fromRecord(rec)
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func statusValue(s Status) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: string(s)}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
