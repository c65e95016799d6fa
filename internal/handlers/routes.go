package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-stkpush-checkout/internal/checkout"
	"github.com/imrishuroy/go-stkpush-checkout/internal/delivery"
	"github.com/imrishuroy/go-stkpush-checkout/internal/mpesa"
	"github.com/imrishuroy/go-stkpush-checkout/internal/orders"
	"github.com/imrishuroy/go-stkpush-checkout/internal/payments"
	"github.com/imrishuroy/go-stkpush-checkout/internal/validation"
)

// callback bodies are small; anything larger is not from the gateway
const maxCallbackBytes = 64 << 10

// Submitter runs a checkout.
type Submitter interface {
	Submit(ctx context.Context, req checkout.Request) (*checkout.PendingReceipt, error)
}

// Reconciler answers polls and applies gateway callbacks.
type Reconciler interface {
	QueryStatus(ctx context.Context, customerID, checkoutRequestID string) (payments.PollResult, error)
	HandleCallback(ctx context.Context, cb mpesa.Callback) (payments.CallbackResult, error)
}

// OrderReader loads orders for the detail endpoint.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

// HandlerConfig groups dependencies for the routes.
type HandlerConfig struct {
	Checkout    Submitter
	Payments    Reconciler
	Orders      OrderReader
	JWTSecret   []byte
	PollLimiter *Limiter
	Validator   *validatorv10.Validate
}

// RegisterRoutes registers the checkout, payment and order routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.PollLimiter == nil {
		cfg.PollLimiter = NewLimiter(1, 5)
	}

	// the gateway cannot authenticate
	r.POST("/payment/callback", paymentCallback(cfg))

	authed := r.Group("/", Auth(cfg.JWTSecret))
	authed.POST("/checkout", submitCheckout(cfg))
	authed.POST("/payment/status", RateLimit(cfg.PollLimiter), paymentStatus(cfg))
	authed.GET("/orders/:id", getOrder(cfg))
}

func submitCheckout(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req validation.CheckoutRequest
		if err := validation.BindAndValidate(c, &req, cfg.Validator); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		receipt, err := cfg.Checkout.Submit(c.Request.Context(), checkout.Request{
			CustomerID:     CustomerID(c),
			Email:          req.Email,
			Phone:          req.PhoneNumber,
			Zone:           req.Zone,
			DeliveryDate:   req.PreferredDeliveryDate,
			DeliverySlot:   req.PreferredDeliveryTime,
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		})
		if err != nil {
			writeCheckoutError(c, err)
			return
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", receipt.OrderID))
		c.JSON(http.StatusCreated, receipt)
	}
}

func writeCheckoutError(c *gin.Context, err error) {
	var ge *mpesa.GatewayError
	switch {
	case errors.Is(err, checkout.ErrEmptyCart):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_cart", "message": "Your cart is empty."})
	case errors.Is(err, mpesa.ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone", "message": "Use a Safaricom number like 0712345678 or 254712345678."})
	case errors.Is(err, delivery.ErrUnknownZone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_zone", "message": err.Error()})
	case errors.Is(err, checkout.ErrSubmissionInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "submission_in_progress"})
	case errors.As(err, &ge) && ge.Kind == mpesa.KindRejected:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_rejected", "message": ge.Message})
	case errors.As(err, &ge):
		log.Printf("[checkout] gateway unavailable: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_unavailable", "message": "Payment service is unavailable, please try again."})
	default:
		log.Printf("[checkout] submit failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout_failed"})
	}
}

func paymentCallback(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Unreadable body"})
			return
		}
		cb, err := mpesa.ParseCallback(body)
		if err != nil {
			log.Printf("[callback] rejected payload: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Invalid callback"})
			return
		}

		_, err = cfg.Payments.HandleCallback(c.Request.Context(), cb)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"ResultCode": 1, "ResultDesc": "Order not found"})
		case err != nil:
			log.Printf("[callback] checkout_request_id=%s: %v", cb.CheckoutRequestID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Processing failed"})
		default:
			c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
		}
	}
}

func paymentStatus(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req validation.StatusRequest
		if err := validation.BindAndValidate(c, &req, cfg.Validator); err != nil {
			return
		}
		res, err := cfg.Payments.QueryStatus(c.Request.Context(), CustomerID(c), req.CheckoutRequestID)
		if errors.Is(err, orders.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		if err != nil {
			log.Printf("[status] checkout_request_id=%s: %v", req.CheckoutRequestID, err)
			c.JSON(http.StatusOK, payments.PollResult{Status: payments.OutcomePending, Message: "Payment is still being processed"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func getOrder(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := cfg.Orders.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, orders.ErrNotFound) || (err == nil && o.CustomerID != CustomerID(c)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		if err != nil {
			log.Printf("[orders] get %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed"})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}
