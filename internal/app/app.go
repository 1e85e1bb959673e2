// Package app wires configuration and AWS clients into a dispatcher. It is
// shared by the Lambda entry point and the operator CLI.
package app

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/irispro/lambda-comms/internal/blob"
	"github.com/irispro/lambda-comms/internal/config"
	"github.com/irispro/lambda-comms/internal/dispatch"
	"github.com/irispro/lambda-comms/internal/embeddings"
	"github.com/irispro/lambda-comms/internal/mailer"
	"github.com/irispro/lambda-comms/internal/metadata"
	"github.com/irispro/lambda-comms/internal/secrets"
)

// Client limits applied to every AWS service client.
const (
	ConnectTimeout = 10 * time.Second
	ReadTimeout    = 30 * time.Second
	MaxAttempts    = 3
)

// WithClientLimits returns a copy of cfg with bounded connect and read
// timeouts and a standard retryer capped at MaxAttempts. An empty region is
// filled from region.
func WithClientLimits(cfg aws.Config, region string) aws.Config {
	cfg.HTTPClient = awshttp.NewBuildableClient().
		WithTimeout(ReadTimeout).
		WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = ConnectTimeout
		})
	cfg.Retryer = func() aws.Retryer {
		return retry.AddWithMaxAttempts(retry.NewStandard(), MaxAttempts)
	}
	if cfg.Region == "" {
		cfg.Region = region
	}
	return cfg
}

// LoadAWSConfig loads the default credential chain for local use, with
// SDK tracing middleware. Lambda invocations use awsinit instead.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, err
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return WithClientLimits(cfg, region), nil
}

// LoadSecrets copies optional secret values into cfg. Failures are logged
// and ignored.
func LoadSecrets(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) {
	if cfg.SecretARN == "" {
		return
	}
	fetcher := secrets.NewClient(secretsmanager.NewFromConfig(awsCfg))
	loaded, err := cfg.LoadSecrets(ctx, fetcher)
	if err != nil {
		logger.WarnContext(ctx, "Could not load secrets",
			slog.String("secret_arn", cfg.SecretARN),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(loaded) > 0 {
		logger.InfoContext(ctx, "Loaded secrets", slog.Any("keys", loaded))
	}
}

// NewDispatcher builds the dispatcher and its clients.
func NewDispatcher(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) *dispatch.Dispatcher {
	objects := blob.NewStore(s3.NewFromConfig(awsCfg))
	relay := mailer.NewClient(cfg.SMTP, cfg.FromEmail)
	repo := metadata.NewRepository(metadata.PostgresConnector(cfg.Database.DSN()))
	embedder := embeddings.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.EmbeddingModelID)

	return dispatch.New(cfg, objects, relay, repo, embedder, logger)
}
