package payments

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/imrishuroy/go-stkpush-checkout/internal/mpesa"
	"github.com/imrishuroy/go-stkpush-checkout/internal/orders"
)

// Outcome is what a status poll reports to the client.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
	OutcomePending Outcome = "PENDING"
)

// Source names the channel that reported a payment result.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceCallback Source = "callback"
)

// Metric names published per reconciliation outcome.
const (
	MetricPaymentSucceeded   = "PaymentSucceeded"
	MetricPaymentFailed      = "PaymentFailed"
	MetricReceiptReconciled  = "ReceiptReconciled"
	MetricLateSuccessIgnored = "LateSuccessIgnored"
)

// result codes the gateway uses for a push that will never complete
var failureCodes = map[string]bool{
	"1":    true, // insufficient balance
	"1001": true, // subscriber busy
	"1019": true, // transaction expired
	"1025": true, // push could not be sent
	"1032": true, // cancelled by user
	"1037": true, // phone unreachable
	"2001": true, // wrong PIN
	"9999": true, // push request error
}

// IsFailureCode reports whether a query result code means the payment definitively failed.
func IsFailureCode(code string) bool { return failureCodes[code] }

// Ledger is the order state the engine reconciles against.
type Ledger interface {
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*orders.Order, error)
	MarkPaid(ctx context.Context, orderID, receipt string, authoritative bool) (orders.Transition, error)
	MarkFailed(ctx context.Context, orderID, reason string) (orders.Transition, error)
}

// StatusQuerier asks the gateway for the state of a push.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, checkoutRequestID string) (mpesa.QueryResult, error)
}

// CartClearer empties a customer's cart once their order is paid.
type CartClearer interface {
	Clear(ctx context.Context, customerID string) error
}

// Notifier sends the order confirmation.
type Notifier interface {
	OrderConfirmed(ctx context.Context, o *orders.Order) error
}

// Metrics counts reconciliation outcomes. Satisfied by *aws.Metrics.
type Metrics interface {
	Count(ctx context.Context, name string, dimensions map[string]string)
}

// PollResult is the answer to a client status poll.
type PollResult struct {
	Status  Outcome `json:"status"`
	OrderID string  `json:"order_id,omitempty"`
	Message string  `json:"message"`
}

// CallbackResult describes what a gateway callback did to its order.
type CallbackResult struct {
	OrderID        string
	Status         orders.Status
	Applied        bool
	ReceiptUpdated bool
}

const (
	msgPaid       = "Payment received"
	msgProcessing = "Payment is still being processed"
	msgFailed     = "Payment failed"
)

// Engine reconciles payment results arriving by client poll and by gateway
// callback. Both paths go through the ledger's conditional transitions, and the
// side effects of a successful payment run only in the call whose transition
// moved the order out of pending.
type Engine struct {
	ledger   Ledger
	gateway  StatusQuerier
	carts    CartClearer
	notifier Notifier
	metrics  Metrics
}

// NewEngine wires the engine. metrics may be nil.
func NewEngine(ledger Ledger, gateway StatusQuerier, carts CartClearer, notifier Notifier, metrics Metrics) *Engine {
	return &Engine{
		ledger:   ledger,
		gateway:  gateway,
		carts:    carts,
		notifier: notifier,
		metrics:  metrics,
	}
}

// QueryStatus answers a client poll for checkoutRequestID. customerID must own
// the order; otherwise, like an unknown id, it fails with orders.ErrNotFound.
// Gateway and ledger failures are reported as PENDING so the client keeps polling.
func (e *Engine) QueryStatus(ctx context.Context, customerID, checkoutRequestID string) (PollResult, error) {
	o, err := e.ledger.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if errors.Is(err, orders.ErrNotFound) {
		return PollResult{}, err
	}
	if err != nil {
		log.Printf("[reconcile] poll lookup checkout_request_id=%s failed: %v", checkoutRequestID, err)
		return PollResult{Status: OutcomePending, Message: msgProcessing}, nil
	}
	if customerID != "" && o.CustomerID != customerID {
		return PollResult{}, orders.ErrNotFound
	}
	if o.Status.Terminal() {
		return resultFor(o), nil
	}

	res, err := e.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		log.Printf("[reconcile] query order=%s checkout_request_id=%s: %v", o.OrderID, checkoutRequestID, err)
		return PollResult{Status: OutcomePending, OrderID: o.OrderID, Message: msgProcessing}, nil
	}

	switch {
	case res.ResultCode == mpesa.ResultCodeSuccess:
		tr, err := e.ledger.MarkPaid(ctx, o.OrderID, orders.PlaceholderReceipt(checkoutRequestID), false)
		if err != nil {
			log.Printf("[reconcile] poll mark paid order=%s: %v", o.OrderID, err)
			return PollResult{Status: OutcomePending, OrderID: o.OrderID, Message: msgProcessing}, nil
		}
		e.afterPaid(ctx, tr, SourcePoll)
		return resultFor(tr.Order), nil
	case IsFailureCode(res.ResultCode):
		tr, err := e.ledger.MarkFailed(ctx, o.OrderID, res.ResultDesc)
		if err != nil {
			log.Printf("[reconcile] poll mark failed order=%s: %v", o.OrderID, err)
			return PollResult{Status: OutcomePending, OrderID: o.OrderID, Message: msgProcessing}, nil
		}
		e.afterFailed(ctx, tr, SourcePoll)
		return resultFor(tr.Order), nil
	default:
		return PollResult{Status: OutcomePending, OrderID: o.OrderID, Message: msgProcessing}, nil
	}
}

// HandleCallback applies a gateway callback. An unknown checkout request id
// fails with orders.ErrNotFound and changes nothing. Duplicate and late
// callbacks are accepted: a paid order only has a placeholder receipt replaced,
// a failed order stays failed.
func (e *Engine) HandleCallback(ctx context.Context, cb mpesa.Callback) (CallbackResult, error) {
	o, err := e.ledger.GetByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Printf("[reconcile] callback for unknown checkout_request_id=%s result=%s", cb.CheckoutRequestID, cb.ResultCode)
		return CallbackResult{}, err
	}
	if err != nil {
		return CallbackResult{}, fmt.Errorf("lookup checkout request %s: %w", cb.CheckoutRequestID, err)
	}

	var tr orders.Transition
	if cb.Succeeded() {
		receipt, authoritative := cb.ReceiptNumber, true
		if receipt == "" {
			log.Printf("[reconcile] success callback without receipt order=%s", o.OrderID)
			receipt, authoritative = orders.PlaceholderReceipt(cb.CheckoutRequestID), false
		}
		tr, err = e.ledger.MarkPaid(ctx, o.OrderID, receipt, authoritative)
		if err != nil {
			return CallbackResult{}, fmt.Errorf("mark paid: %w", err)
		}
		e.afterPaid(ctx, tr, SourceCallback)
	} else {
		// a callback is final: any non-zero code ends the attempt
		tr, err = e.ledger.MarkFailed(ctx, o.OrderID, cb.ResultDesc)
		if err != nil {
			return CallbackResult{}, fmt.Errorf("mark failed: %w", err)
		}
		e.afterFailed(ctx, tr, SourceCallback)
	}

	log.Printf("[reconcile] callback order=%s result=%s status=%s applied=%t receipt_updated=%t",
		o.OrderID, cb.ResultCode, tr.Order.Status, tr.Applied, tr.ReceiptUpdated)
	return CallbackResult{
		OrderID:        o.OrderID,
		Status:         tr.Order.Status,
		Applied:        tr.Applied,
		ReceiptUpdated: tr.ReceiptUpdated,
	}, nil
}

// afterPaid runs the side effects of a success report. Cart and notification
// failures are logged; the order stays paid regardless.
func (e *Engine) afterPaid(ctx context.Context, tr orders.Transition, src Source) {
	o := tr.Order
	switch {
	case tr.Applied:
		e.count(ctx, MetricPaymentSucceeded, src)
		log.Printf("[reconcile] order=%s paid via %s receipt=%s", o.OrderID, src, o.ReceiptNumber)
		if err := e.carts.Clear(ctx, o.CustomerID); err != nil {
			log.Printf("[reconcile] clear cart customer=%s order=%s: %v", o.CustomerID, o.OrderID, err)
		}
		if err := e.notifier.OrderConfirmed(ctx, o); err != nil {
			log.Printf("[reconcile] confirmation order=%s: %v", o.OrderID, err)
		}
	case tr.ReceiptUpdated:
		e.count(ctx, MetricReceiptReconciled, src)
		log.Printf("[reconcile] order=%s receipt reconciled to %s", o.OrderID, o.ReceiptNumber)
	case o.Status == orders.StatusFailed:
		e.count(ctx, MetricLateSuccessIgnored, src)
	}
}

func (e *Engine) afterFailed(ctx context.Context, tr orders.Transition, src Source) {
	if tr.Applied {
		e.count(ctx, MetricPaymentFailed, src)
		log.Printf("[reconcile] order=%s failed via %s: %s", tr.Order.OrderID, src, tr.Order.FailureReason)
	}
}

func (e *Engine) count(ctx context.Context, name string, src Source) {
	if e.metrics == nil {
		return
	}
	e.metrics.Count(ctx, name, map[string]string{"Source": string(src)})
}

func resultFor(o *orders.Order) PollResult {
	switch o.Status {
	case orders.StatusPaid:
		return PollResult{Status: OutcomeSuccess, OrderID: o.OrderID, Message: msgPaid}
	case orders.StatusFailed:
		msg := o.FailureReason
		if msg == "" {
			msg = msgFailed
		}
		return PollResult{Status: OutcomeFailed, OrderID: o.OrderID, Message: msg}
	default:
		return PollResult{Status: OutcomePending, OrderID: o.OrderID, Message: msgProcessing}
	}
}
