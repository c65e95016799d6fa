package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-stkpush-checkout/internal/aws"
	"github.com/imrishuroy/go-stkpush-checkout/internal/config"
	"github.com/imrishuroy/go-stkpush-checkout/internal/idempotency"
	"github.com/imrishuroy/go-stkpush-checkout/internal/notify"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	p := NewProcessor(
		idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, 0),
		notify.NewMailer(clients.SES, cfg.SenderEmail),
		aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace),
	)

	// If RUN_LOCAL=true, process a single message from LOCAL_SQS_BODY and exit.
	if os.Getenv("RUN_LOCAL") == "true" {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Fatalf("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		}
		resp, err := p.Handle(context.Background(), event)
		if err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		if len(resp.BatchItemFailures) > 0 {
			log.Fatalf("local message failed")
		}
		return
	}

	lambda.Start(p.Handle)
}
