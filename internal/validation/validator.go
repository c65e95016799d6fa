package validation

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-stkpush-checkout/internal/mpesa"
)

// New returns a configured validator with the custom tags registered.
func New() *validatorv10.Validate {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injected clock for the not_past tag.
func NewWithClock(now func() time.Time) *validatorv10.Validate {
	v := validatorv10.New()

	// report json names in field errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	mustRegister(v, "ke_phone", kePhone)
	mustRegister(v, "not_past", notPast(now))
	return v
}

// mustRegister panics if tag cannot be registered; the tags are fixed at build time.
func mustRegister(v *validatorv10.Validate, tag string, fn validatorv10.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// kePhone accepts any number FormatPhone can normalise.
func kePhone(fl validatorv10.FieldLevel) bool {
	_, err := mpesa.FormatPhone(fl.Field().String())
	return err == nil
}

// notPast rejects YYYY-MM-DD dates before today (East Africa Time).
func notPast(now func() time.Time) validatorv10.Func {
	eat := time.FixedZone("EAT", 3*60*60)
	return func(fl validatorv10.FieldLevel) bool {
		d, err := time.ParseInLocation("2006-01-02", fl.Field().String(), eat)
		if err != nil {
			return false
		}
		today := now().In(eat)
		start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, eat)
		return !d.Before(start)
	}
}
