package main

import (
	"errors"

	"github.com/imrishuroy/go-stkpush-checkout/internal/notify"
)

// Message is the payload sent from API -> SQS -> Worker: the confirmation of a paid order.
type Message = notify.Confirmation

// errInFlight means another invocation holds the email claim; the message is retried later.
var errInFlight = errors.New("confirmation email already in flight")

// metric names published by the worker
const (
	metricEmailSent   = "ConfirmationEmailSent"
	metricEmailFailed = "ConfirmationEmailFailed"
)
