package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/imrishuroy/go-stkpush-checkout/internal/cart"
	"github.com/imrishuroy/go-stkpush-checkout/internal/delivery"
	"github.com/imrishuroy/go-stkpush-checkout/internal/idempotency"
	"github.com/imrishuroy/go-stkpush-checkout/internal/mpesa"
	"github.com/imrishuroy/go-stkpush-checkout/internal/orders"
	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyCart is returned when the customer's cart has nothing to check out.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrSubmissionInProgress means another request with the same idempotency key is running.
	ErrSubmissionInProgress = errors.New("checkout with this idempotency key is in progress")
	// ErrCheckoutFailed wraps unexpected failures after validation.
	ErrCheckoutFailed = errors.New("checkout failed")
)

// CartSource snapshots a customer's cart.
type CartSource interface {
	Snapshot(ctx context.Context, customerID string) (cart.Snapshot, error)
}

// OrderWriter is the part of the ledger checkout writes to.
type OrderWriter interface {
	CreatePending(ctx context.Context, o *orders.Order, extra ...types.TransactWriteItem) error
	AttachCheckoutRequestID(ctx context.Context, orderID, checkoutRequestID string) error
	MarkFailed(ctx context.Context, orderID, reason string) (orders.Transition, error)
}

// Pusher initiates the STK push.
type Pusher interface {
	InitiatePush(ctx context.Context, req mpesa.PushRequest) (mpesa.PushResult, error)
}

// FeeTable prices delivery per zone.
type FeeTable interface {
	Fee(zone string) (decimal.Decimal, string, error)
}

// Idempotency guards a submission key. Satisfied by *idempotency.Store.
type Idempotency interface {
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	ClaimItem(key, orderID string) (types.TransactWriteItem, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// Request is one checkout submission.
type Request struct {
	CustomerID     string
	Email          string
	Phone          string
	Zone           string
	DeliveryDate   string
	DeliverySlot   string
	IdempotencyKey string
}

// PendingReceipt is handed back once the push is on the customer's phone.
type PendingReceipt struct {
	OrderID           string          `json:"order_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	Total             decimal.Decimal `json:"total"`
	Amount            int64           `json:"amount"`
	CustomerMessage   string          `json:"message"`
}

// Service turns a cart into a pending order and an STK push.
type Service struct {
	carts   CartSource
	ledger  OrderWriter
	gateway Pusher
	zones   FeeTable
	idem    Idempotency
	newID   func() string
}

// NewService wires the checkout. idem may be nil, in which case idempotency keys are ignored.
func NewService(carts CartSource, ledger OrderWriter, gateway Pusher, zones FeeTable, idem Idempotency) *Service {
	return &Service{
		carts:   carts,
		ledger:  ledger,
		gateway: gateway,
		zones:   zones,
		idem:    idem,
		newID:   uuid.NewString,
	}
}

// ChargeAmount is the whole-shilling amount pushed for total, rounded half up.
func ChargeAmount(total decimal.Decimal) int64 {
	return total.Round(0).IntPart()
}

// Submit creates a pending order from the customer's cart and initiates the push.
// The cart is left untouched; it is cleared only when payment is confirmed.
func (s *Service) Submit(ctx context.Context, req Request) (*PendingReceipt, error) {
	var key string
	if req.IdempotencyKey != "" && s.idem != nil {
		key = idempotency.Key(req.CustomerID, req.IdempotencyKey)
		rec, err := s.idem.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: idempotency lookup: %w", ErrCheckoutFailed, err)
		}
		if rec.Done() {
			var receipt PendingReceipt
			if err := json.Unmarshal([]byte(rec.ResponseBody), &receipt); err != nil {
				return nil, fmt.Errorf("%w: stored response: %w", ErrCheckoutFailed, err)
			}
			log.Printf("[checkout] replay key=%s order=%s", key, receipt.OrderID)
			return &receipt, nil
		}
		if rec.InProgress() {
			return nil, ErrSubmissionInProgress
		}
	}

	snap, err := s.carts.Snapshot(ctx, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("%w: cart snapshot: %w", ErrCheckoutFailed, err)
	}
	if snap.Empty() {
		return nil, ErrEmptyCart
	}
	phone, err := mpesa.FormatPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	fee, zone, err := s.zones.Fee(req.Zone)
	if err != nil {
		return nil, err
	}

	order := s.buildOrder(req, snap, phone, zone, fee)
	var extra []types.TransactWriteItem
	if key != "" {
		claim, err := s.idem.ClaimItem(key, order.OrderID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCheckoutFailed, err)
		}
		extra = append(extra, claim)
	}
	if err := s.ledger.CreatePending(ctx, order, extra...); err != nil {
		if key != "" && errors.Is(err, orders.ErrDuplicate) {
			return nil, ErrSubmissionInProgress
		}
		return nil, fmt.Errorf("%w: create order: %w", ErrCheckoutFailed, err)
	}

	amount := ChargeAmount(order.Total)
	res, err := s.gateway.InitiatePush(ctx, mpesa.PushRequest{Phone: phone, Amount: amount})
	if err != nil {
		s.abandon(ctx, order.OrderID, key, err.Error())
		var ge *mpesa.GatewayError
		if errors.As(err, &ge) {
			return nil, fmt.Errorf("initiate push for order %s: %w", order.OrderID, err)
		}
		return nil, fmt.Errorf("%w: initiate push: %w", ErrCheckoutFailed, err)
	}

	if err := s.ledger.AttachCheckoutRequestID(ctx, order.OrderID, res.CheckoutRequestID); err != nil {
		log.Printf("[checkout] ERROR order=%s push accepted as %s but id not stored: %v", order.OrderID, res.CheckoutRequestID, err)
		s.abandon(ctx, order.OrderID, key, "checkout request id not stored")
		return nil, fmt.Errorf("%w: attach checkout request id: %w", ErrCheckoutFailed, err)
	}

	receipt := &PendingReceipt{
		OrderID:           order.OrderID,
		CheckoutRequestID: res.CheckoutRequestID,
		Total:             order.Total,
		Amount:            amount,
		CustomerMessage:   res.CustomerMessage,
	}
	log.Printf("[checkout] order=%s customer=%s total=%s push=%s", order.OrderID, req.CustomerID, order.Total, res.CheckoutRequestID)

	if key != "" {
		body, err := json.Marshal(receipt)
		if err == nil {
			err = s.idem.MarkDone(ctx, key, string(body), http.StatusCreated)
		}
		if err != nil {
			log.Printf("[checkout] mark idempotency done key=%s: %v", key, err)
		}
	}
	return receipt, nil
}

func (s *Service) buildOrder(req Request, snap cart.Snapshot, phone, zone string, fee decimal.Decimal) *orders.Order {
	items := make([]orders.LineItem, 0, len(snap.Items))
	for _, it := range snap.Items {
		items = append(items, orders.LineItem{
			ProductID: it.ProductID,
			BasketID:  it.BasketID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal,
		})
	}
	o := &orders.Order{
		OrderID:      s.newID(),
		CustomerID:   req.CustomerID,
		Phone:        phone,
		Email:        req.Email,
		Zone:         zone,
		DeliveryDate: req.DeliveryDate,
		Items:        items,
		Subtotal:     snap.Subtotal,
		DeliveryFee:  fee,
		Total:        snap.Subtotal.Add(fee),
	}
	if w, ok := delivery.ParseWindow(req.DeliverySlot); ok {
		o.DeliveryStart, o.DeliveryEnd = w.Start, w.End
	}
	return o
}

// abandon marks a created order failed and releases its idempotency key.
func (s *Service) abandon(ctx context.Context, orderID, key, reason string) {
	if _, err := s.ledger.MarkFailed(ctx, orderID, reason); err != nil {
		log.Printf("[checkout] mark order=%s failed: %v", orderID, err)
	}
	if key == "" {
		return
	}
	if err := s.idem.MarkFailed(ctx, key, reason); err != nil {
		log.Printf("[checkout] release idempotency key=%s: %v", key, err)
	}
}
