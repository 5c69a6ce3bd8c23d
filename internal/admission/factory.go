package admission

import (
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/anthropics/exec-engine/config"
	"github.com/anthropics/exec-engine/internal/artifact"
	"github.com/anthropics/exec-engine/internal/audit"
	"github.com/anthropics/exec-engine/internal/secrets"
	"github.com/anthropics/exec-engine/internal/state"
	"github.com/anthropics/exec-engine/internal/vcs"
)

// NewPipelineFromConfig assembles the production admission pipeline:
// DynamoDB state stores, S3 artifact store, SSM key store and config source,
// Secrets Manager secret source, and the VCS archive fetcher.
func NewPipelineFromConfig(awsCfg aws.Config, cfg *config.Config, log audit.Logger) *Pipeline {
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	ssmClient := ssm.NewFromConfig(awsCfg)
	secretSource := secrets.NewSecretSource(secretsmanager.NewFromConfig(awsCfg))

	return &Pipeline{
		Orders:    state.NewOrderStore(dynamoClient, cfg.OrdersTable),
		Events:    state.NewEventStore(dynamoClient, cfg.OrderEventsTable),
		Artifacts: artifact.NewStore(s3Client, s3.NewPresignClient(s3Client), cfg.InternalBucket, cfg.DoneBucket),
		Keys:      secrets.NewKeyStore(ssmClient),
		Sources: NewFetcher(
			NewS3BlobGetter(s3Client),
			vcs.NewProvider(http.DefaultClient),
			secretSource,
		),
		ConfigSource:   secrets.NewParameterSource(ssmClient),
		SecretSource:   secretSource,
		CallbackExpiry: cfg.CallbackExpiry,
		MaxParallelism: cfg.MaxParallelism,
		Log:            log,
	}
}
