package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-stkpush-checkout/internal/aws"
	"github.com/imrishuroy/go-stkpush-checkout/internal/cart"
	"github.com/imrishuroy/go-stkpush-checkout/internal/checkout"
	"github.com/imrishuroy/go-stkpush-checkout/internal/config"
	"github.com/imrishuroy/go-stkpush-checkout/internal/delivery"
	"github.com/imrishuroy/go-stkpush-checkout/internal/handlers"
	"github.com/imrishuroy/go-stkpush-checkout/internal/idempotency"
	"github.com/imrishuroy/go-stkpush-checkout/internal/mpesa"
	"github.com/imrishuroy/go-stkpush-checkout/internal/notify"
	"github.com/imrishuroy/go-stkpush-checkout/internal/orders"
	"github.com/imrishuroy/go-stkpush-checkout/internal/payments"
	"github.com/imrishuroy/go-stkpush-checkout/internal/validation"
)

const transactionDesc = "Payment for order"

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func buildHandlerConfig(cfg *config.API, clients *aws.AWSClients) (handlers.HandlerConfig, error) {
	zones, err := delivery.ParseZones(cfg.DeliveryZones)
	if err != nil {
		return handlers.HandlerConfig{}, err
	}

	ledger := orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.CheckoutRequestsTable)
	idem := idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, 0)
	carts := cart.NewStore(clients.DynamoDB, cfg.CartsTable)

	httpClient := &http.Client{Timeout: cfg.MpesaTimeout}
	tokens := mpesa.NewTokenCache(httpClient, cfg.MpesaBaseURL, cfg.ConsumerKey, cfg.ConsumerSecret)
	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:          cfg.MpesaBaseURL,
		ShortCode:        cfg.ShortCode,
		PassKey:          cfg.PassKey,
		CallbackURL:      cfg.CallbackURL,
		AccountReference: cfg.AccountReference,
		TransactionDesc:  transactionDesc,
	}, httpClient, tokens)

	queue := notify.NewQueue(aws.NewPublisher(clients.SQS, cfg.NotificationsQueueURL))
	metrics := aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace)

	return handlers.HandlerConfig{
		Checkout:    checkout.NewService(carts, ledger, gateway, zones, idem),
		Payments:    payments.NewEngine(ledger, gateway, carts, queue, metrics),
		Orders:      ledger,
		JWTSecret:   []byte(cfg.JWTSecret),
		PollLimiter: handlers.NewLimiter(1, 5),
		Validator:   validation.New(),
	}, nil
}

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	hcfg, err := buildHandlerConfig(cfg, clients)
	if err != nil {
		log.Fatalf("failed to build handlers: %v", err)
	}

	r := setupRouter(hcfg)

	// RUN_LOCAL=true serves plain HTTP for development.
	if cfg.RunLocal {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
