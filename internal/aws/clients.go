package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// AWSClients bundles all service clients for convenience.
type AWSClients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
	SES        SESAPI
}

// NewAWSClients loads AWS config and returns concrete service clients that implement our interfaces.
// When AWS_ENDPOINT_OVERRIDE is set (localstack), every client is pointed at it.
func NewAWSClients(ctx context.Context) (*AWSClients, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := EndpointOverride()

	return &AWSClients{
		DynamoDB: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = &endpoint
			}
		}),
		SQS: sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = &endpoint
			}
		}),
		CloudWatch: cloudwatch.NewFromConfig(cfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = &endpoint
			}
		}),
		SES: sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
			if endpoint != "" {
				o.BaseEndpoint = &endpoint
			}
		}),
	}, nil
}
