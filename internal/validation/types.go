package validation

// CheckoutRequest is the payload for POST /checkout.
type CheckoutRequest struct {
	Email string `json:"email" validate:"required,email"`
	// 07XXXXXXXX, 7XXXXXXXX or 2547XXXXXXXX, separators allowed
	PhoneNumber string `json:"phone_number" validate:"required,ke_phone"`
	Zone        string `json:"zone" validate:"required,max=100"`
	// YYYY-MM-DD, today or later
	PreferredDeliveryDate string `json:"preferred_delivery_date" validate:"omitempty,datetime=2006-01-02,not_past"`
	PreferredDeliveryTime string `json:"preferred_delivery_time" validate:"omitempty,oneof=09:00-12:00 12:00-15:00 15:00-18:00 18:00-21:00"`
}

// StatusRequest is the payload for POST /payment/status.
type StatusRequest struct {
	CheckoutRequestID string `json:"checkout_request_id" validate:"required,max=64"`
}
