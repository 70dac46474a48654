package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"caramelo-gateway/handler"
	"caramelo-gateway/internal/config"
	"caramelo-gateway/internal/integrations/openai"
	"caramelo-gateway/internal/integrations/paramstore"
	"caramelo-gateway/internal/ratelimit"
	"caramelo-gateway/internal/repository"
	"caramelo-gateway/internal/usecase"
)

type stores struct {
	entitlements repository.EntitlementStore
	events       repository.EventLog
	limiter      usecase.RateLimiter
}

func main() {
	if err := run(); err != nil {
		slog.Error("caramelo gateway stopped", "err", err)
		os.Exit(1)
	}
}

// run wires every dependency and blocks until the server stops. Deferred
// cleanups run on every return path.
func run() error {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if cfg.Hotmart.Hottok == "" {
		logger.Warn("HOTMART_HOTTOK is not set; webhook deliveries will be logged but never change entitlements")
	}

	// ---- AWS SDK config ----
	var awsCfg aws.Config
	if cfg.UsesAWS() {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
	}

	// ---- Clients ----
	keys, err := keySource(cfg, awsCfg)
	if err != nil {
		return fmt.Errorf("create API key source: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.OpenAI.Timeout}
	if cfg.OpenAI.LogPayloads {
		httpClient.Transport = openai.NewLoggingTransport(http.DefaultTransport, logger)
	}
	openaiClient, err := openai.NewClient(keys,
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithHTTPClient(httpClient),
		openai.WithVectorStore(cfg.OpenAI.VectorStoreID),
	)
	if err != nil {
		return fmt.Errorf("create OpenAI client: %w", err)
	}

	st, closeStores, err := newStores(cfg, awsCfg)
	if err != nil {
		return fmt.Errorf("create %s entitlement store: %w", cfg.Storage.Backend, err)
	}
	defer closeStores()

	if err := repository.Seed(ctx, st.entitlements, cfg.Storage.Seed, time.Now()); err != nil {
		return fmt.Errorf("seed entitlements: %w", err)
	}

	// ---- Use cases ----
	chatOpts := []usecase.ChatOption{
		usecase.WithRateLimiter(st.limiter),
		usecase.WithChatLogger(logger),
	}
	if cfg.Chat.MaxPromptTokens > 0 {
		chatOpts = append(chatOpts, usecase.WithTokenCounter(openai.NewTokenCounter()))
	}
	chatService, err := usecase.NewChatService(openaiClient, st.entitlements, usecase.ChatConfig{
		Model:            cfg.OpenAI.Model,
		Persona:          cfg.Chat.Persona,
		FallbackReply:    cfg.Chat.FallbackReply,
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		MaxHistoryTurns:  cfg.Chat.MaxHistoryTurns,
		MaxPromptTokens:  cfg.Chat.MaxPromptTokens,
	}, chatOpts...)
	if err != nil {
		return fmt.Errorf("create chat service: %w", err)
	}

	webhookService, err := usecase.NewWebhookService(st.entitlements,
		usecase.WithEventLog(st.events),
		usecase.WithHottok(cfg.Hotmart.Hottok),
		usecase.WithWebhookLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create webhook service: %w", err)
	}

	// ---- Handler ----
	gin.SetMode(gin.ReleaseMode)
	h, err := handler.NewHandler(chatService, webhookService,
		handler.WithLogger(logger),
		handler.WithLivenessMessage(cfg.Server.LivenessMessage),
		handler.WithCORSOrigin(cfg.Server.CORSAllowOrigin),
	)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(h.Handle)
		return nil
	}
	return serve(cfg.Server, h.Router())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func keySource(cfg *config.Config, awsCfg aws.Config) (openai.KeySource, error) {
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.APIKeyParameter == "" {
		return openai.StaticKey(cfg.OpenAI.APIKey), nil
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	return openai.NewParamStoreKey(ssmClient, cfg.OpenAI.APIKeyParameter)
}

func newStores(cfg *config.Config, awsCfg aws.Config) (stores, func(), error) {
	limit := ratelimit.Limit{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}
	noop := func() {}

	switch cfg.Storage.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		prefix := cfg.Storage.RedisKeyPrefix
		return stores{
			entitlements: repository.NewRedisStore(rdb, prefix),
			events:       repository.NewRedisEventLog(rdb, prefix, cfg.Storage.EventTTL),
			limiter:      ratelimit.NewRedis(rdb, prefix, limit),
		}, func() { _ = rdb.Close() }, nil

	case config.BackendDynamoDB:
		db := awsdynamodb.NewFromConfig(awsCfg)
		ents, err := repository.NewDynamoStore(db, cfg.Storage.Table)
		if err != nil {
			return stores{}, noop, err
		}
		events, err := repository.NewDynamoEventLog(db, cfg.Storage.Table, cfg.Storage.EventTTL)
		if err != nil {
			return stores{}, noop, err
		}
		return stores{entitlements: ents, events: events, limiter: ratelimit.NewMemory(limit)}, noop, nil

	case config.BackendMemory:
		return stores{
			entitlements: repository.NewMemoryStore(),
			events:       repository.NewMemoryEventLog(cfg.Storage.EventTTL),
			limiter:      ratelimit.NewMemory(limit),
		}, noop, nil
	}
	return stores{}, noop, fmt.Errorf("unknown backend %q", cfg.Storage.Backend)
}

// serve runs the HTTP server until SIGINT or SIGTERM, then drains in-flight
// requests for up to ShutdownTimeout.
func serve(cfg config.Server, router http.Handler) error {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	wg := conc.NewWaitGroup()
	wg.Go(func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
			stop()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	wg.Wait()
	return serveErr
}
