package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chatsync/handler"
	"chatsync/internal/auth"
	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/integrations/paramstore"
	"chatsync/internal/store/dynamostore"
)

func main() {
	ctx := context.Background()

	// ---- Configuration ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	if cfg.ParamPrefix != "" {
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		if cfg, err = cfg.ApplyParams(ctx, params); err != nil {
			slog.Error("failed to apply parameter overrides", "err", err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- Clients ----
	st, err := dynamostore.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable,
		dynamostore.WithMaxAttempts(cfg.TxMaxAttempts),
		dynamostore.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create state store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := newHandler(cfg, st, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

type messageStore interface {
	chat.Transactor
	chat.UserFinder
}

// newHandler wires the chat service behind the API handler. The Lambda has no
// metrics endpoint, so no Prometheus collectors are registered.
func newHandler(cfg config.Config, st messageStore, logger *slog.Logger) (*handler.Handler, error) {
	svc, err := chat.NewService(st, st, chat.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	opts := []handler.Option{
		handler.WithLogger(logger),
		handler.WithRateLimit(cfg.MutationRPS, cfg.MutationBurst),
	}
	if cfg.TokenSecret != "" {
		tokens, err := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, handler.WithTokens(tokens))
	}
	return handler.NewHandler(svc, opts...)
}
