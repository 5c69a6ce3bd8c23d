// Package main provides the notification consumer binary: it drains the
// events sink and feeds each callback-write notification to the
// orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/anthropics/exec-engine/config"
	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/artifact"
	"github.com/anthropics/exec-engine/internal/audit"
	"github.com/anthropics/exec-engine/internal/orchestration"
)

func main() {
	flag.Parse()

	log := audit.NewStderr()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("config_invalid", err).Msg("")
		os.Exit(1)
	}
	if cfg.EventsSink == "" {
		log.Error("config_invalid", errors.New("EVENTS_SINK is required")).Msg("")
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Error("aws_config_failed", err).Msg("")
		os.Exit(1)
	}

	orchestrator := orchestration.NewFromConfig(awsCfg, cfg, log)
	sqsClient := sqs.NewFromConfig(awsCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Event("orchestrator_listening").Str("queue", cfg.EventsSink).Msg("")
	consume(ctx, sqsClient, cfg.EventsSink, orchestrator, log)
}

// consume long-polls the events sink and hands each written object key to
// the orchestrator. Delivery is at-least-once; the orchestrator is
// idempotent, so a message is deleted even when handling fails on an
// unparseable path.
func consume(ctx context.Context, client *sqs.Client, queueURL string, orchestrator contracts.Orchestrator, log audit.Logger) {
	for {
		out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("receive_failed", err).Msg("")
			continue
		}
		for _, message := range out.Messages {
			handleMessage(ctx, message, orchestrator, log)
			_, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(queueURL),
				ReceiptHandle: message.ReceiptHandle,
			})
			if err != nil && ctx.Err() == nil {
				log.Error("delete_failed", err).Msg("")
			}
		}
	}
}

func handleMessage(ctx context.Context, message sqstypes.Message, orchestrator contracts.Orchestrator, log audit.Logger) {
	if message.Body == nil {
		return
	}
	keys, err := artifact.DecodeNotification([]byte(*message.Body))
	if err != nil {
		log.Error("notification_undecodable", err).Msg("")
		return
	}
	for _, key := range keys {
		if err := orchestrator.HandleNotification(ctx, key); err != nil {
			if errors.Is(err, contracts.ErrInvalidNotification) {
				// Logged by the orchestrator; nothing to retry.
				continue
			}
			log.Error("notification_failed", err).Str("object_key", key).Msg("")
		}
	}
}
