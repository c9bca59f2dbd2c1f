package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/amillerrr/reelplayer/internal/api"
	"github.com/amillerrr/reelplayer/internal/auth"
	"github.com/amillerrr/reelplayer/internal/comments"
	"github.com/amillerrr/reelplayer/internal/config"
	"github.com/amillerrr/reelplayer/internal/health"
	"github.com/amillerrr/reelplayer/internal/logger"
	"github.com/amillerrr/reelplayer/internal/observability"
	"github.com/amillerrr/reelplayer/internal/probe"
	"github.com/amillerrr/reelplayer/internal/storage"
	"github.com/amillerrr/reelplayer/internal/telemetry"
)

const (
	ServiceName           = "feedprobe"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	cfg, err := config.LoadProbe()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Observability.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	if err := run(cfg, log); err != nil {
		log.Error("Feed probe exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, ServiceName, cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// AWS clients
	awsCtx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
	awsCfg, err := storage.LoadAWSConfig(awsCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	sqsClient := sqs.NewFromConfig(awsCfg)

	feedRepo, err := storage.NewFeedRepository(dynamoClient, cfg.AWS.DynamoDBTable)
	if err != nil {
		return err
	}
	probeState, err := storage.NewDynamoKV(dynamoClient, cfg.AWS.DynamoDBTable, cfg.Comments.ServiceSubject)
	if err != nil {
		return err
	}
	signer := storage.NewMediaSignerFromClient(s3Client, cfg.AWS.MediaBucket, cfg.AWS.PresignTTL)

	var events probe.EventPublisher = telemetry.Noop{}
	if cfg.AWS.EventsQueueURL != "" {
		pub, err := telemetry.NewPublisher(sqsClient, cfg.AWS.EventsQueueURL, log)
		if err != nil {
			return err
		}
		events = pub
	} else {
		log.Warn("EVENTS_QUEUE_URL not set, playback events will not be published")
	}

	commentsAPI, err := newCommentsClient(cfg, log)
	if err != nil {
		return err
	}

	// Control API auth
	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		return err
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		return err
	}

	runner, err := probe.NewRunner(probe.Config{
		Feed:          feedRepo,
		Signer:        signer,
		Events:        events,
		HTTPClient:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		UserAgent:     cfg.Probe.UserAgent,
		PageSize:      cfg.Probe.PageSize,
		MaxConcurrent: cfg.Probe.MaxConcurrent,
		Policy:        cfg.RetryPolicy(),
		LoadTimeout:   cfg.Player.LoadTimeout,
		Screen:        cfg.Screen(),
		FillMode:      cfg.Player.FillMode,
		Logger:        log,
		Comments:      commentsAPI,
		State:         probeState,
	})
	if err != nil {
		return err
	}

	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.DynamoDBClient = dynamoClient
	healthConfig.TableName = cfg.AWS.DynamoDBTable
	healthConfig.S3Client = s3Client
	healthConfig.MediaBucket = cfg.AWS.MediaBucket
	healthConfig.SQSClient = sqsClient
	healthConfig.EventsQueueURL = cfg.AWS.EventsQueueURL
	healthChecker := health.NewChecker(healthConfig)

	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Prober:        runner,
		JWTService:    jwtService,
		HealthChecker: healthChecker,
		Context:       ctx,
	})
	if err != nil {
		return err
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error(ctx, log, "Server error", "error", err)
			stop()
		}
	}()

	logger.Info(ctx, log, "Feed probe started",
		"interval", cfg.Probe.Interval.String(),
		"pageSize", cfg.Probe.PageSize,
		"commentsEnabled", commentsAPI != nil,
	)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runner.Loop(ctx, cfg.Probe.Interval)
	}()

	<-ctx.Done()
	logger.Warn(context.Background(), log, "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		log.Error("Probe loop did not stop before the shutdown deadline")
	}

	log.Info("Feed probe shutdown complete")
	return nil
}

// newCommentsClient returns nil when no comment API is configured.
func newCommentsClient(cfg *config.Config, log *slog.Logger) (probe.CommentLister, error) {
	if cfg.Comments.BaseURL == "" {
		return nil, nil
	}

	var tokens auth.TokenSource
	if cfg.Comments.SigningSecret != "" {
		svc, err := auth.NewJWTService([]byte(cfg.Comments.SigningSecret))
		if err != nil {
			return nil, err
		}
		tokens = auth.NewServiceTokenSource(svc, cfg.Comments.ServiceSubject)
	}

	client, err := comments.NewClient(comments.Config{
		BaseURL: cfg.Comments.BaseURL,
		Tokens:  tokens,
		HTTPClient: &http.Client{
			Timeout:   cfg.Comments.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
