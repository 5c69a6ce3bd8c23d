// Package main provides the entry point for the admission endpoint binary.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/anthropics/exec-engine/api"
	"github.com/anthropics/exec-engine/config"
	"github.com/anthropics/exec-engine/internal/admission"
	"github.com/anthropics/exec-engine/internal/audit"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP server address")
	flag.Parse()

	log := audit.NewStderr()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("config_invalid", err).Msg("")
		os.Exit(1)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Error("aws_config_failed", err).Msg("")
		os.Exit(1)
	}

	pipeline := admission.NewPipelineFromConfig(awsCfg, cfg, log)
	server := api.NewServer(*addr, pipeline, log)

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Event("shutting_down").Msg("")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("shutdown_failed", err).Msg("")
		}
		close(done)
	}()

	log.Event("admission_listening").Str("addr", *addr).Msg("")
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		log.Error("server_failed", err).Msg("")
		os.Exit(1)
	}
	<-done
}
