package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/imrishuroy/lumiere-orderflow/internal/config"
)

// Clients holds the service clients shared by the API and the notification
// worker. Fields are the narrow interfaces so tests can substitute fakes.
type Clients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewClients loads the AWS config described by cfg once and builds every
// client from it.
func NewClients(ctx context.Context, cfg appconfig.AWSConfig) (*Clients, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg.Region, cfg.EndpointOverride)
	if err != nil {
		return nil, err
	}
	return &Clients{
		DynamoDB:   dynamodb.NewFromConfig(awsCfg),
		SQS:        sqs.NewFromConfig(awsCfg),
		CloudWatch: cloudwatch.NewFromConfig(awsCfg),
	}, nil
}
