package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/imrishuroy/go-stkpush-checkout/internal/orders"
)

// Confirmation is the queued message the worker turns into an email.
type Confirmation struct {
	OrderID       string             `json:"order_id"`
	CustomerID    string             `json:"customer_id"`
	Email         string             `json:"email"`
	Phone         string             `json:"phone_number"`
	Zone          string             `json:"zone"`
	DeliveryDate  string             `json:"delivery_date,omitempty"`
	DeliveryStart string             `json:"delivery_start,omitempty"`
	DeliveryEnd   string             `json:"delivery_end,omitempty"`
	Items         []ConfirmationItem `json:"items"`
	Subtotal      string             `json:"subtotal"`
	DeliveryFee   string             `json:"delivery_fee"`
	Total         string             `json:"total"`
	ReceiptNumber string             `json:"receipt_number,omitempty"`
	PaidAt        time.Time          `json:"paid_at"`
}

// ConfirmationItem is one purchased line as shown in the email.
type ConfirmationItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	LineTotal string `json:"line_total"`
}

// NewConfirmation builds the message for a paid order.
func NewConfirmation(o *orders.Order) Confirmation {
	items := make([]ConfirmationItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ConfirmationItem{
			Name:      it.Name,
			Quantity:  it.Quantity,
			LineTotal: it.LineTotal.StringFixed(2),
		})
	}
	// a receipt learned by polling is not the customer's M-Pesa receipt
	receipt := o.ReceiptNumber
	if o.HasPlaceholderReceipt() {
		receipt = ""
	}
	return Confirmation{
		OrderID:       o.OrderID,
		CustomerID:    o.CustomerID,
		Email:         o.Email,
		Phone:         o.Phone,
		Zone:          o.Zone,
		DeliveryDate:  o.DeliveryDate,
		DeliveryStart: o.DeliveryStart,
		DeliveryEnd:   o.DeliveryEnd,
		Items:         items,
		Subtotal:      o.Subtotal.StringFixed(2),
		DeliveryFee:   o.DeliveryFee.StringFixed(2),
		Total:         o.Total.StringFixed(2),
		ReceiptNumber: receipt,
		PaidAt:        o.UpdatedAt,
	}
}

// JSONPublisher sends a JSON payload to a queue. Satisfied by *aws.Publisher.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, payload any, attributes map[string]string) (string, error)
}

// Queue hands confirmations to the email worker over SQS.
type Queue struct {
	pub JSONPublisher
}

// NewQueue returns a Queue publishing through pub.
func NewQueue(pub JSONPublisher) *Queue {
	return &Queue{pub: pub}
}

// OrderConfirmed enqueues the confirmation for a paid order.
func (q *Queue) OrderConfirmed(ctx context.Context, o *orders.Order) error {
	if o.Status != orders.StatusPaid {
		return fmt.Errorf("order %s is %s, not paid", o.OrderID, o.Status)
	}
	msgID, err := q.pub.PublishJSON(ctx, NewConfirmation(o), map[string]string{
		"order_id":    o.OrderID,
		"customer_id": o.CustomerID,
		"type":        "order_confirmed",
	})
	if err != nil {
		return fmt.Errorf("enqueue confirmation for order %s: %w", o.OrderID, err)
	}
	log.Printf("[notify] queued confirmation order=%s message=%s", o.OrderID, msgID)
	return nil
}
