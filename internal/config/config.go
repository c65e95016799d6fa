package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// API is the configuration of the HTTP service.
type API struct {
	MpesaBaseURL     string        `mapstructure:"MPESA_BASE_URL" validate:"required,url"`
	ConsumerKey      string        `mapstructure:"MPESA_CONSUMER_KEY" validate:"required"`
	ConsumerSecret   string        `mapstructure:"MPESA_CONSUMER_SECRET" validate:"required"`
	PassKey          string        `mapstructure:"MPESA_PASSKEY" validate:"required"`
	ShortCode        string        `mapstructure:"MPESA_SHORTCODE" validate:"required,numeric"`
	CallbackURL      string        `mapstructure:"MPESA_CALLBACK_URL" validate:"required,url"`
	AccountReference string        `mapstructure:"MPESA_ACCOUNT_REFERENCE" validate:"required,max=12"`
	MpesaTimeout     time.Duration `mapstructure:"MPESA_TIMEOUT" validate:"gt=0"`

	OrdersTable           string `mapstructure:"ORDERS_TABLE" validate:"required"`
	CheckoutRequestsTable string `mapstructure:"CHECKOUT_REQUESTS_TABLE" validate:"required"`
	IdempotencyTable      string `mapstructure:"IDEMPOTENCY_TABLE" validate:"required"`
	CartsTable            string `mapstructure:"CARTS_TABLE" validate:"required"`
	NotificationsQueueURL string `mapstructure:"NOTIFICATIONS_QUEUE_URL" validate:"required,url"`

	JWTSecret        string `mapstructure:"JWT_SECRET" validate:"required,min=16"`
	DeliveryZones    string `mapstructure:"DELIVERY_ZONES" validate:"required"`
	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE"`
	RunLocal         bool   `mapstructure:"RUN_LOCAL"`
}

// Worker is the configuration of the confirmation email worker.
type Worker struct {
	IdempotencyTable string `mapstructure:"IDEMPOTENCY_TABLE" validate:"required"`
	SenderEmail      string `mapstructure:"SENDER_EMAIL" validate:"required,email"`
	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE"`
}

var apiKeys = []string{
	"MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET", "MPESA_PASSKEY",
	"MPESA_SHORTCODE", "MPESA_CALLBACK_URL", "MPESA_ACCOUNT_REFERENCE", "MPESA_TIMEOUT",
	"ORDERS_TABLE", "CHECKOUT_REQUESTS_TABLE", "IDEMPOTENCY_TABLE", "CARTS_TABLE",
	"NOTIFICATIONS_QUEUE_URL", "JWT_SECRET", "DELIVERY_ZONES", "METRICS_NAMESPACE", "RUN_LOCAL",
}

var workerKeys = []string{"IDEMPOTENCY_TABLE", "SENDER_EMAIL", "METRICS_NAMESPACE"}

// Error lists every variable that is missing or malformed. It is fatal at startup.
type Error struct {
	Missing []string
	Invalid []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "config: " + strings.Join(parts, "; ")
}

// newViper binds keys to the environment variables of the same name and sets
// the defaults shared by both binaries.
func newViper(keys []string) *viper.Viper {
	v := viper.New()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			panic(fmt.Sprintf("bind %s: %v", k, err))
		}
	}
	v.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	v.SetDefault("MPESA_ACCOUNT_REFERENCE", "ARIFARM")
	v.SetDefault("MPESA_TIMEOUT", 20*time.Second)
	v.SetDefault("METRICS_NAMESPACE", "Checkout")
	v.SetDefault("RUN_LOCAL", false)
	return v
}

// LoadAPI reads the API configuration from the environment.
func LoadAPI() (*API, error) {
	var c API
	if err := load(newViper(apiKeys), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() (*Worker, error) {
	var c Worker
	if err := load(newViper(workerKeys), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = func() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string { return f.Tag.Get("mapstructure") })
	return v
}()

// load decodes v into out and reports every missing or invalid variable at once.
func load(v *viper.Viper, out any) error {
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	err := validate.Struct(out)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("config: %w", err)
	}
	cfgErr := &Error{}
	for _, fe := range ve {
		if fe.Tag() == "required" {
			cfgErr.Missing = append(cfgErr.Missing, fe.Field())
		} else if !slices.Contains(cfgErr.Invalid, fe.Field()) {
			cfgErr.Invalid = append(cfgErr.Invalid, fe.Field())
		}
	}
	return cfgErr
}
