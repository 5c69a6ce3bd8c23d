package orchestration

import (
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/anthropics/exec-engine/config"
	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/artifact"
	"github.com/anthropics/exec-engine/internal/audit"
	"github.com/anthropics/exec-engine/internal/dispatch"
	"github.com/anthropics/exec-engine/internal/secrets"
	"github.com/anthropics/exec-engine/internal/state"
	"github.com/anthropics/exec-engine/internal/vcs"
	"github.com/anthropics/exec-engine/internal/watchdog"
)

// NewFromConfig assembles the production orchestrator: DynamoDB state
// stores, S3 artifact store, the three dispatch backends, the in-process
// watchdog, and the PR notifier.
func NewFromConfig(awsCfg aws.Config, cfg *config.Config, log audit.Logger) contracts.Orchestrator {
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	ssmClient := ssm.NewFromConfig(awsCfg)

	artifacts := artifact.NewStore(s3Client, s3.NewPresignClient(s3Client), cfg.InternalBucket, cfg.DoneBucket)
	secretSource := secrets.NewSecretSource(secretsmanager.NewFromConfig(awsCfg))

	deps := Deps{
		Orders:    state.NewOrderStore(dynamoClient, cfg.OrdersTable),
		Events:    state.NewEventStore(dynamoClient, cfg.OrderEventsTable),
		Locks:     state.NewLockStore(dynamoClient, cfg.LocksTable),
		Artifacts: artifacts,
		Dispatcher: dispatch.NewDispatcher(
			lambda.NewFromConfig(awsCfg),
			codebuild.NewFromConfig(awsCfg),
			ssmClient,
			cfg.WorkerTarget,
		),
		Watchdog: &watchdog.Watchdog{
			Artifacts: artifacts,
			Period:    cfg.WatchdogPeriod,
			Log:       log,
			Name:      cfg.WatchdogHandle,
		},
		Keys:            secrets.NewKeyStore(ssmClient),
		Notifier:        vcs.NewNotifier(vcs.NewProvider(http.DefaultClient), secretSource, log),
		Log:             log,
		MaxParallelism:  cfg.MaxParallelism,
		DispatchTimeout: cfg.DispatchTimeout,
	}
	return New(deps)
}
