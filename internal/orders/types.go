package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment state of an order.
type Status string

// Order statuses. paid and failed are terminal.
const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusPaid || s == StatusFailed }

const placeholderReceiptPrefix = "POLL-"

// PlaceholderReceipt is stored when success is learned by polling, before the
// callback carrying the real receipt arrives.
func PlaceholderReceipt(checkoutRequestID string) string {
	return placeholderReceiptPrefix + checkoutRequestID
}

// LineItem is one frozen cart line. Exactly one of ProductID and BasketID is set.
type LineItem struct {
	ProductID string          `json:"product_id,omitempty"`
	BasketID  string          `json:"basket_id,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Order is a checkout attempt and its payment state.
type Order struct {
	OrderID       string     `json:"order_id"`
	CustomerID    string     `json:"customer_id"`
	Phone         string     `json:"phone_number"`
	Email         string     `json:"email"`
	Zone          string     `json:"zone"`
	DeliveryDate  string     `json:"preferred_delivery_date,omitempty"`
	DeliveryStart string     `json:"preferred_delivery_time_start,omitempty"`
	DeliveryEnd   string     `json:"preferred_delivery_time_end,omitempty"`
	Items         []LineItem `json:"items"`

	Subtotal    decimal.Decimal `json:"subtotal"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Total       decimal.Decimal `json:"total"`

	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	ReceiptNumber     string `json:"receipt_number,omitempty"`
	ReceiptConfirmed  bool   `json:"receipt_confirmed"`
	FailureReason     string `json:"failure_reason,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPlaceholderReceipt reports whether the stored receipt still awaits the callback's value.
func (o *Order) HasPlaceholderReceipt() bool {
	return o.ReceiptNumber != "" && !o.ReceiptConfirmed
}

// Validate checks the invariants that must hold when an order is created.
func (o *Order) Validate() error {
	if o.OrderID == "" || o.CustomerID == "" {
		return fmt.Errorf("order and customer id are required")
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("order %s has no line items", o.OrderID)
	}
	if !o.Subtotal.Add(o.DeliveryFee).Equal(o.Total) {
		return fmt.Errorf("order %s total %s != subtotal %s + delivery %s", o.OrderID, o.Total, o.Subtotal, o.DeliveryFee)
	}
	for _, it := range o.Items {
		if (it.ProductID == "") == (it.BasketID == "") {
			return fmt.Errorf("order %s line %q must reference exactly one product or basket", o.OrderID, it.Name)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("order %s line %q has quantity %d", o.OrderID, it.Name, it.Quantity)
		}
	}
	return nil
}

// orderRecord is the shape persisted in the orders DynamoDB table. Money is kept as
// decimal strings so no precision is lost in Number conversion.
type orderRecord struct {
	OrderID           string           `dynamodbav:"order_id"` // PK
	CustomerID        string           `dynamodbav:"customer_id"`
	Phone             string           `dynamodbav:"phone_number"`
	Email             string           `dynamodbav:"email"`
	Zone              string           `dynamodbav:"zone"`
	DeliveryDate      string           `dynamodbav:"delivery_date,omitempty"`
	DeliveryStart     string           `dynamodbav:"delivery_start,omitempty"`
	DeliveryEnd       string           `dynamodbav:"delivery_end,omitempty"`
	Items             []lineItemRecord `dynamodbav:"items"`
	Subtotal          string           `dynamodbav:"subtotal"`
	DeliveryFee       string           `dynamodbav:"delivery_fee"`
	Total             string           `dynamodbav:"total"`
	CheckoutRequestID string           `dynamodbav:"checkout_request_id,omitempty"`
	ReceiptNumber     string           `dynamodbav:"receipt_number,omitempty"`
	ReceiptConfirmed  bool             `dynamodbav:"receipt_confirmed"`
	FailureReason     string           `dynamodbav:"failure_reason,omitempty"`
	Status            string           `dynamodbav:"status"`
	CreatedAt         time.Time        `dynamodbav:"created_at"`
	UpdatedAt         time.Time        `dynamodbav:"updated_at"`
}

type lineItemRecord struct {
	ProductID string `dynamodbav:"product_id,omitempty"`
	BasketID  string `dynamodbav:"basket_id,omitempty"`
	Name      string `dynamodbav:"name"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price"`
	LineTotal string `dynamodbav:"line_total"`
}

// requestRecord maps a gateway checkout request id back to its order.
type requestRecord struct {
	CheckoutRequestID string    `dynamodbav:"checkout_request_id"` // PK
	OrderID           string    `dynamodbav:"order_id"`
	CreatedAt         time.Time `dynamodbav:"created_at"`
}

func toRecord(o *Order) orderRecord {
	items := make([]lineItemRecord, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, lineItemRecord{
			ProductID: it.ProductID,
			BasketID:  it.BasketID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.String(),
			LineTotal: it.LineTotal.String(),
		})
	}
	return orderRecord{
		OrderID:           o.OrderID,
		CustomerID:        o.CustomerID,
		Phone:             o.Phone,
		Email:             o.Email,
		Zone:              o.Zone,
		DeliveryDate:      o.DeliveryDate,
		DeliveryStart:     o.DeliveryStart,
		DeliveryEnd:       o.DeliveryEnd,
		Items:             items,
		Subtotal:          o.Subtotal.String(),
		DeliveryFee:       o.DeliveryFee.String(),
		Total:             o.Total.String(),
		CheckoutRequestID: o.CheckoutRequestID,
		ReceiptNumber:     o.ReceiptNumber,
		ReceiptConfirmed:  o.ReceiptConfirmed,
		FailureReason:     o.FailureReason,
		Status:            string(o.Status),
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func fromRecord(r orderRecord) (*Order, error) {
	money := func(field, v string) (decimal.Decimal, error) {
		if v == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("order %s: bad %s %q: %w", r.OrderID, field, v, err)
		}
		return d, nil
	}

	o := &Order{
		OrderID:           r.OrderID,
		CustomerID:        r.CustomerID,
		Phone:             r.Phone,
		Email:             r.Email,
		Zone:              r.Zone,
		DeliveryDate:      r.DeliveryDate,
		DeliveryStart:     r.DeliveryStart,
		DeliveryEnd:       r.DeliveryEnd,
		CheckoutRequestID: r.CheckoutRequestID,
		ReceiptNumber:     r.ReceiptNumber,
		ReceiptConfirmed:  r.ReceiptConfirmed,
		FailureReason:     r.FailureReason,
		Status:            Status(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	var err error
	if o.Subtotal, err = money("subtotal", r.Subtotal); err != nil {
		return nil, err
	}
	if o.DeliveryFee, err = money("delivery_fee", r.DeliveryFee); err != nil {
		return nil, err
	}
	if o.Total, err = money("total", r.Total); err != nil {
		return nil, err
	}
	o.Items = make([]LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		unit, err := money("unit_price", it.UnitPrice)
		if err != nil {
			return nil, err
		}
		line, err := money("line_total", it.LineTotal)
		if err != nil {
			return nil, err
		}
		o.Items = append(o.Items, LineItem{
			ProductID: it.ProductID,
			BasketID:  it.BasketID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: unit,
			LineTotal: line,
		})
	}
	return o, nil
}
