package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-stkpush-checkout/internal/idempotency"
	"github.com/imrishuroy/go-stkpush-checkout/internal/notify"
)

// Claims guards each email so a redelivered message does not send it twice.
// Satisfied by *idempotency.Store.
type Claims interface {
	CreateIfNotExists(ctx context.Context, key, orderID string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// Sender delivers a confirmation. Satisfied by *notify.Mailer.
type Sender interface {
	Send(ctx context.Context, c notify.Confirmation) (string, error)
}

// Counter is satisfied by *aws.Metrics.
type Counter interface {
	Count(ctx context.Context, name string, dimensions map[string]string)
}

// Processor turns queued order confirmations into emails.
type Processor struct {
	claims  Claims
	sender  Sender
	metrics Counter
}

// NewProcessor creates a worker processor. metrics may be nil.
func NewProcessor(claims Claims, sender Sender, metrics Counter) *Processor {
	return &Processor{claims: claims, sender: sender, metrics: metrics}
}

// Handle processes an SQS batch. Failed messages are reported individually so
// only they are redelivered; after the queue's max receive count they go to the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("[worker] message=%s failed: %v", rec.MessageId, err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.OrderID == "" {
		return errors.New("message has no order_id")
	}

	log.Printf("[worker] received confirmation order=%s message=%s", msg.OrderID, rec.MessageId)

	key := idempotency.EmailKey(msg.OrderID)
	claimed, err := p.claims.CreateIfNotExists(ctx, key, msg.OrderID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		existing, err := p.claims.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("read claim %s: %w", key, err)
		}
		if existing.Done() {
			log.Printf("[worker] confirmation already sent order=%s", msg.OrderID)
			return nil
		}
		// in progress elsewhere, or released between our put and get
		return errInFlight
	}

	sesID, err := p.sender.Send(ctx, msg)
	if err != nil {
		p.count(ctx, metricEmailFailed)
		if ferr := p.claims.MarkFailed(ctx, key, err.Error()); ferr != nil {
			log.Printf("[worker] release claim %s failed: %v", key, ferr)
		}
		return fmt.Errorf("send confirmation order=%s: %w", msg.OrderID, err)
	}
	p.count(ctx, metricEmailSent)

	// the email is out; a failure here only risks a duplicate on redelivery
	if err := p.claims.MarkDone(ctx, key, sesID, 200); err != nil {
		log.Printf("[worker] mark %s done failed: %v", key, err)
	}

	log.Printf("[worker] sent confirmation order=%s ses_message=%s", msg.OrderID, sesID)
	return nil
}

func (p *Processor) count(ctx context.Context, name string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Count(ctx, name, nil)
}
