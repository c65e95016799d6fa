package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

const (
	ordersTable   = "orders"
	requestsTable = "checkout-requests"
	idempTable    = "idempotency"
)

// mockDynamo is an in-memory table set that evaluates the condition expressions
// the stores issue. It stores items per table: table -> pk value -> item.
type mockDynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue

	updateErr   error
	transactErr error
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		keys: map[string]string{
			ordersTable:   "order_id",
			requestsTable: "checkout_request_id",
			idempTable:    "idempotency_key",
		},
		tables: map[string]map[string]map[string]types.AttributeValue{
			ordersTable:   {},
			requestsTable: {},
			idempTable:    {},
		},
	}
}

func (m *mockDynamo) pk(table string, item map[string]types.AttributeValue) (string, error) {
	name, ok := m.keys[table]
	if !ok {
		return "", fmt.Errorf("unknown table %s", table)
	}
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("missing key %s", name)
	}
	return v.Value, nil
}

func str(av types.AttributeValue) (string, bool) {
	v, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func boolean(av types.AttributeValue) bool {
	v, ok := av.(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}

func eval(cond string, item map[string]types.AttributeValue, values map[string]types.AttributeValue) (bool, error) {
	status, _ := str(item["status"])
	switch cond {
	case "":
		return true, nil
	case condOrderAbsent:
		return item == nil, nil
	case condStatusIs:
		want, _ := str(values[":expected"])
		return item != nil && status == want, nil
	case condPaidUnconfirmed:
		want, _ := str(values[":expected"])
		return item != nil && status == want && boolean(item["receipt_confirmed"]) == boolean(values[":unconfirmed"]), nil
	case condRequestSettable:
		if item == nil {
			return false, nil
		}
		cur, ok := str(item["checkout_request_id"])
		want, _ := str(values[":rid"])
		return !ok || cur == want, nil
	case condRequestFree:
		if item == nil {
			return true, nil
		}
		cur, _ := str(item["order_id"])
		want, _ := str(values[":oid"])
		return cur == want, nil
	case "attribute_not_exists(idempotency_key) OR #s = :failed":
		want, _ := str(values[":failed"])
		return item == nil || status == want, nil
	}
	return false, fmt.Errorf("mock: unsupported condition %q", cond)
}

func applySet(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("mock: unsupported update %q", expr)
	}
	for _, part := range strings.Split(strings.TrimPrefix(expr, "SET "), ", ") {
		lhs, rhs, ok := strings.Cut(part, " = ")
		if !ok {
			return fmt.Errorf("mock: bad assignment %q", part)
		}
		if n, ok := names[lhs]; ok {
			lhs = n
		}
		v, ok := values[rhs]
		if !ok {
			return fmt.Errorf("mock: missing value %s", rhs)
		}
		item[lhs] = v
	}
	return nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := m.pk(*params.TableName, params.Item)
	if err != nil {
		return nil, err
	}
	cond := ""
	if params.ConditionExpression != nil {
		cond = *params.ConditionExpression
	}
	ok, err := eval(cond, m.tables[*params.TableName][pk], params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	m.tables[*params.TableName][pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := m.pk(*params.TableName, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[*params.TableName][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	table := *params.TableName
	pk, err := m.pk(table, params.Key)
	if err != nil {
		return nil, err
	}
	item := m.tables[table][pk]
	cond := ""
	if params.ConditionExpression != nil {
		cond = *params.ConditionExpression
	}
	ok, err := eval(cond, item, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	next := copyItem(item)
	for k, v := range params.Key {
		next[k] = v
	}
	if err := applySet(next, *params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	m.tables[table][pk] = next
	return &dyn.UpdateItemOutput{Attributes: copyItem(next)}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transactErr != nil {
		return nil, m.transactErr
	}
	// first pass: every condition must hold
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	cancelled := false
	for i, it := range params.TransactItems {
		var (
			table, cond string
			key         map[string]types.AttributeValue
			values      map[string]types.AttributeValue
		)
		switch {
		case it.Put != nil:
			table, key, values = *it.Put.TableName, it.Put.Item, it.Put.ExpressionAttributeValues
			if it.Put.ConditionExpression != nil {
				cond = *it.Put.ConditionExpression
			}
		case it.Update != nil:
			table, key, values = *it.Update.TableName, it.Update.Key, it.Update.ExpressionAttributeValues
			if it.Update.ConditionExpression != nil {
				cond = *it.Update.ConditionExpression
			}
		default:
			return nil, errors.New("mock: unsupported transact item")
		}
		pk, err := m.pk(table, key)
		if err != nil {
			return nil, err
		}
		ok, err := eval(cond, m.tables[table][pk], values)
		if err != nil {
			return nil, err
		}
		reasons[i].Code = awsString("None")
		if !ok {
			reasons[i].Code = awsString("ConditionalCheckFailed")
			cancelled = true
		}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}
	// second pass: apply
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			pk, _ := m.pk(*p.TableName, p.Item)
			m.tables[*p.TableName][pk] = copyItem(p.Item)
			continue
		}
		u := it.Update
		pk, _ := m.pk(*u.TableName, u.Key)
		next := copyItem(m.tables[*u.TableName][pk])
		if err := applySet(next, *u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues); err != nil {
			return nil, err
		}
		m.tables[*u.TableName][pk] = next
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func newTestOrder(id string) *Order {
	return &Order{
		OrderID:    id,
		CustomerID: "cust-1",
		Phone:      "254712345678",
		Email:      "buyer@example.com",
		Zone:       "Westlands",
		Items: []LineItem{
			{ProductID: "p1", Name: "Sukuma wiki", Quantity: 2, UnitPrice: decimal.RequireFromString("250"), LineTotal: decimal.RequireFromString("500")},
			{BasketID: "b1", Name: "Veggie basket", Quantity: 1, UnitPrice: decimal.RequireFromString("500"), LineTotal: decimal.RequireFromString("500")},
		},
		Subtotal:    decimal.RequireFromString("1000"),
		DeliveryFee: decimal.RequireFromString("200"),
		Total:       decimal.RequireFromString("1200"),
	}
}

func seedPending(t *testing.T, store *Store, id, requestID string) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreatePending(ctx, newTestOrder(id)); err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if requestID != "" {
		if err := store.AttachCheckoutRequestID(ctx, id, requestID); err != nil {
			t.Fatalf("AttachCheckoutRequestID: %v", err)
		}
	}
}

func TestCreatePending_Success(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, ordersTable, requestsTable)

	claim := types.TransactWriteItem{Put: &types.Put{
		TableName: awsString(idempTable),
		Item: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: "cust-1:key-1"},
			"status":          &types.AttributeValueMemberS{Value: "IN_PROGRESS"},
		},
		ConditionExpression: awsString("attribute_not_exists(idempotency_key) OR #s = :failed"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: "FAILED"},
		},
	}}

	order := newTestOrder("order-1")
	order.Status = StatusPaid // ignored: new orders are always pending
	if err := store.CreatePending(context.Background(), order, claim); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if _, ok := mock.tables[idempTable]["cust-1:key-1"]; !ok {
		t.Fatalf("idempotency claim not stored")
	}
	item, ok := mock.tables[ordersTable]["order-1"]
	if !ok {
		t.Fatalf("order item not stored")
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if rec.Status != string(StatusPending) || rec.Total != "1200" || len(rec.Items) != 2 {
		t.Fatalf("unexpected stored record %+v", rec)
	}

	got, err := store.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Total.Equal(decimal.NewFromInt(1200)) || got.Items[1].BasketID != "b1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCreatePending_ExistingClaim_WritesNothing(t *testing.T) {
	mock := newMockDynamo()
	mock.tables[idempTable]["cust-1:key-2"] = map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: "cust-1:key-2"},
		"status":          &types.AttributeValueMemberS{Value: "DONE"},
	}
	store := NewStore(mock, ordersTable, requestsTable)

	claim := types.TransactWriteItem{Put: &types.Put{
		TableName: awsString(idempTable),
		Item: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: "cust-1:key-2"},
		},
		ConditionExpression: awsString("attribute_not_exists(idempotency_key) OR #s = :failed"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: "FAILED"},
		},
	}}

	err := store.CreatePending(context.Background(), newTestOrder("order-2"), claim)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, ok := mock.tables[ordersTable]["order-2"]; ok {
		t.Fatalf("order must not be visible after a cancelled transaction")
	}
}

func TestTransactConflict_IsNotDuplicate(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, ordersTable, requestsTable)
	seedPending(t, store, "order-5", "")

	mock.transactErr = &types.TransactionCanceledException{
		Message: awsString("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: awsString("TransactionConflict")},
			{Code: awsString("None")},
		},
	}
	err := store.CreatePending(context.Background(), newTestOrder("order-6"))
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("conflict must not be reported as a duplicate, got %v", err)
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		t.Fatalf("expected the cancellation to be wrapped, got %v", err)
	}

	err = store.AttachCheckoutRequestID(context.Background(), "order-5", "ws_5")
	if err == nil || errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("conflict must not be reported as already assigned, got %v", err)
	}
}

func TestCreatePending_RejectsInconsistentTotals(t *testing.T) {
	store := NewStore(newMockDynamo(), ordersTable, requestsTable)
	o := newTestOrder("order-3")
	o.Total = decimal.RequireFromString("1199.99")
	if err := store.CreatePending(context.Background(), o); err == nil {
		t.Fatal("expected validation error")
	}

	o = newTestOrder("order-4")
	o.Items = nil
	if err := store.CreatePending(context.Background(), o); err == nil {
		t.Fatal("expected error for empty items")
	}
}

func TestAttachCheckoutRequestID(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, ordersTable, requestsTable)
	seedPending(t, store, "order-10", "")
	ctx := context.Background()

	if err := store.AttachCheckoutRequestID(ctx, "order-10", "ws_1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// same id again is a no-op
	if err := store.AttachCheckoutRequestID(ctx, "order-10", "ws_1"); err != nil {
		t.Fatalf("re-attach same id: %v", err)
	}
	// different id is refused
	if err := store.AttachCheckoutRequestID(ctx, "order-10", "ws_2"); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if _, ok := mock.tables[requestsTable]["ws_2"]; ok {
		t.Fatalf("index must not contain refused id")
	}
	// unknown order
	if err := store.AttachCheckoutRequestID(ctx, "missing", "ws_3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := store.GetByCheckoutRequestID(ctx, "ws_1")
	if err != nil {
		t.Fatalf("GetByCheckoutRequestID: %v", err)
	}
	if got.OrderID != "order-10" || got.CheckoutRequestID != "ws_1" {
		t.Fatalf("unexpected order %+v", got)
	}
	if _, err := store.GetByCheckoutRequestID(ctx, "ws_unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkPaid_PendingToPaid(t *testing.T) {
	store := NewStore(newMockDynamo(), ordersTable, requestsTable)
	seedPending(t, store, "order-20", "ws_20")

	tr, err := store.MarkPaid(context.Background(), "order-20", "NLJ7RT61SV", true)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if !tr.Applied || tr.Order.Status != StatusPaid || tr.Order.ReceiptNumber != "NLJ7RT61SV" || !tr.Order.ReceiptConfirmed {
		t.Fatalf("unexpected transition %+v / %+v", tr, tr.Order)
	}

	// duplicate callback: idempotent, not applied again
	tr, err = store.MarkPaid(context.Background(), "order-20", "NLJ7RT61SV", true)
	if err != nil {
		t.Fatalf("MarkPaid again: %v", err)
	}
	if tr.Applied || tr.ReceiptUpdated {
		t.Fatalf("second MarkPaid must be a no-op, got %+v", tr)
	}
}

func TestMarkPaid_PlaceholderReplacedByCallback(t *testing.T) {
	store := NewStore(newMockDynamo(), ordersTable, requestsTable)
	seedPending(t, store, "order-21", "ws_21")
	ctx := context.Background()

	tr, err := store.MarkPaid(ctx, "order-21", PlaceholderReceipt("ws_21"), false)
	if err != nil || !tr.Applied {
		t.Fatalf("poll MarkPaid: %+v %v", tr, err)
	}
	if !tr.Order.HasPlaceholderReceipt() {
		t.Fatalf("expected placeholder receipt, got %+v", tr.Order)
	}

	// another placeholder never overwrites
	tr, err = store.MarkPaid(ctx, "order-21", "POLL-other", false)
	if err != nil || tr.Applied || tr.ReceiptUpdated {
		t.Fatalf("unexpected %+v %v", tr, err)
	}

	tr, err = store.MarkPaid(ctx, "order-21", "REAL123", true)
	if err != nil {
		t.Fatalf("callback MarkPaid: %v", err)
	}
	if tr.Applied || !tr.ReceiptUpdated {
		t.Fatalf("expected receipt update only, got %+v", tr)
	}
	got, _ := store.Get(ctx, "order-21")
	if got.Status != StatusPaid || got.ReceiptNumber != "REAL123" || !got.ReceiptConfirmed {
		t.Fatalf("unexpected order %+v", got)
	}

	// a later authoritative receipt does not replace a confirmed one
	tr, err = store.MarkPaid(ctx, "order-21", "OTHER999", true)
	if err != nil || tr.ReceiptUpdated {
		t.Fatalf("confirmed receipt must stay, got %+v %v", tr, err)
	}
	got, _ = store.Get(ctx, "order-21")
	if got.ReceiptNumber != "REAL123" {
		t.Fatalf("receipt changed to %s", got.ReceiptNumber)
	}
}

func TestMarkPaid_FailedStaysFailed(t *testing.T) {
	store := NewStore(newMockDynamo(), ordersTable, requestsTable)
	seedPending(t, store, "order-22", "ws_22")
	ctx := context.Background()

	tr, err := store.MarkFailed(ctx, "order-22", "Request cancelled by user")
	if err != nil || !tr.Applied || tr.Order.Status != StatusFailed {
		t.Fatalf("MarkFailed: %+v %v", tr, err)
	}
	tr, err = store.MarkPaid(ctx, "order-22", "LATE1", true)
	if err != nil {
		t.Fatalf("MarkPaid on failed: %v", err)
	}
	if tr.Applied || tr.Order.Status != StatusFailed || tr.Order.ReceiptNumber != "" {
		t.Fatalf("failed order must not be resurrected: %+v", tr.Order)
	}
}

func TestMarkFailed_TerminalIsNoop(t *testing.T) {
	store := NewStore(newMockDynamo(), ordersTable, requestsTable)
	seedPending(t, store, "order-23", "ws_23")
	ctx := context.Background()

	if _, err := store.MarkPaid(ctx, "order-23", "R1", true); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	tr, err := store.MarkFailed(ctx, "order-23", "late failure")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if tr.Applied || tr.Order.Status != StatusPaid {
		t.Fatalf("paid order must stay paid, got %+v", tr.Order)
	}

	tr, err = store.MarkFailed(ctx, "order-23", "again")
	if err != nil || tr.Applied {
		t.Fatalf("unexpected %+v %v", tr, err)
	}
}

func TestMarkPaid_UnknownOrder(t *testing.T) {
	store := NewStore(newMockDynamo(), ordersTable, requestsTable)
	if _, err := store.MarkPaid(context.Background(), "nope", "R", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.MarkFailed(context.Background(), "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkPaid_StoreError(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, ordersTable, requestsTable)
	seedPending(t, store, "order-24", "")
	mock.updateErr = errors.New("throttled")

	if _, err := store.MarkPaid(context.Background(), "order-24", "R", true); err == nil || errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestTransitions_ConcurrentWritersSingleWinner(t *testing.T) {
	store := NewStore(newMockDynamo(), ordersTable, requestsTable)
	seedPending(t, store, "order-30", "ws_30")

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				tr  Transition
				err error
			)
			switch i % 3 {
			case 0:
				tr, err = store.MarkPaid(context.Background(), "order-30", PlaceholderReceipt("ws_30"), false)
			case 1:
				tr, err = store.MarkPaid(context.Background(), "order-30", "REAL", true)
			default:
				tr, err = store.MarkFailed(context.Background(), "order-30", "cancelled")
			}
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
				return
			}
			if tr.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied)
	}
	got, _ := store.Get(context.Background(), "order-30")
	if !got.Status.Terminal() {
		t.Fatalf("order must be terminal, got %s", got.Status)
	}
}

func TestOrderRecord_RoundTrip(t *testing.T) {
	o := newTestOrder("order-40")
	o.Status = StatusPending
	o.CreatedAt = time.Now().UTC().Round(time.Second)
	o.UpdatedAt = o.CreatedAt
	m, err := attributevalue.MarshalMap(toRecord(o))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := unmarshalOrder(m)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Subtotal.Equal(o.Subtotal) || !got.CreatedAt.Equal(o.CreatedAt) || got.Items[0].Name != "Sukuma wiki" {
		t.Fatalf("round trip mismatch %+v", got)
	}
}
