// Command gateway is the entry point for the personalization API gateway:
// it wires every domain package together behind router.Handler and serves
// it over HTTP, shutting down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/personalizeevents"
	"github.com/aws/aws-sdk-go-v2/service/personalizeruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/redis/go-redis/v9"

	"github.com/aws-samples/personalization-apis-go/internal/autocontext"
	"github.com/aws-samples/personalization-apis-go/internal/configmodel"
	"github.com/aws-samples/personalization-apis-go/internal/decorator"
	"github.com/aws-samples/personalization-apis-go/internal/eventfanout"
	"github.com/aws-samples/personalization-apis-go/internal/logging"
	"github.com/aws-samples/personalization-apis-go/internal/middleware"
	"github.com/aws-samples/personalization-apis-go/internal/obsv"
	"github.com/aws-samples/personalization-apis-go/internal/postprocess"
	"github.com/aws-samples/personalization-apis-go/internal/procconfig"
	"github.com/aws-samples/personalization-apis-go/internal/resolver"
	"github.com/aws-samples/personalization-apis-go/internal/router"
	"github.com/aws-samples/personalization-apis-go/internal/variation"
)

const defaultAddr = ":8080"

func main() {
	env, err := procconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  env.Log.Level,
		Format: env.Log.Format,
		Output: env.Log.Output,
	})
	logger.Info("gateway starting", "region", env.Region)

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.Region))
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	metrics := obsv.NewPrometheusMetrics("personalization_gateway")

	resolvers := map[string]resolver.Resolver{
		"personalize-recommender": resolver.NewManagedRecommenderResolver(personalizeruntime.NewFromConfig(awsCfg), metrics),
		"personalize-campaign":    resolver.NewManagedRecommenderResolver(personalizeruntime.NewFromConfig(awsCfg), metrics),
		"model-endpoint":          resolver.NewModelEndpointResolver(sagemakerruntime.NewFromConfig(awsCfg)),
		"function":                resolver.NewFunctionResolver(lambda.NewFromConfig(awsCfg)),
		"http":                    resolver.NewHttpResolver(),
	}
	resolverFor := func(variationType string) (resolver.Resolver, bool) {
		r, ok := resolvers[variationType]
		return r, ok
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddrFromEnv()})
	s3Client := s3.NewFromConfig(awsCfg)
	decoratorRegistry := decorator.NewRegistry(decoratorFactory(redisClient, s3Client, env, logger))

	fanOut := eventfanout.New(eventfanout.BuildSink(
		personalizeevents.NewFromConfig(awsCfg),
		kinesis.NewFromConfig(awsCfg),
		firehose.NewFromConfig(awsCfg),
	))

	evaluator := variation.NewHTTPEvaluator(experimentEvaluatorURLFromEnv())

	rt := router.New(router.Router{
		Config:             configmodel.NewProvider(configmodel.NewSidecarFetcher(procconfig.ConfigSidecarURL())),
		ConfigMaxAge:       env.ConfigCacheTTL,
		Region:             env.Region,
		AccountID:          env.AccountID,
		AutoContext:        autocontext.New(),
		Variation:          variation.New(evaluator),
		ResolverFor:        resolverFor,
		Decorators:         decoratorRegistry,
		EventFanOut:        fanOut,
		PostProcessor:      postprocess.New(lambda.NewFromConfig(awsCfg)),
		Metrics:            metrics,
		Logger:             logger,
		BackgroundPoolSize: 8,
	})

	chain := middleware.Chain(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.RateLimitMiddleware(middleware.RateLimitConfig{}),
	)

	addr := os.Getenv("GATEWAY_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           chain(rt.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func redisAddrFromEnv() string {
	if addr := os.Getenv("GATEWAY_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func experimentEvaluatorURLFromEnv() string {
	if url := os.Getenv("GATEWAY_EXPERIMENT_EVALUATOR_URL"); url != "" {
		return url
	}
	return "http://localhost:9000"
}

// decoratorFactory builds the decorator.Factory that dispatches a
// namespace's inferenceItemMetadata configuration to either backend.
func decoratorFactory(redisClient *redis.Client, s3Client *s3.Client, env *procconfig.Environment, logger *slog.Logger) decorator.Factory {
	return func(namespace string, cfg configmodel.Node) (decorator.MetadataDecorator, error) {
		metaType, _ := cfg["type"].(string)
		switch metaType {
		case "kv-store":
			table := env.ItemsTableNamePrefix + namespace
			return decorator.NewKeyValueStoreDecorator(redisClient, table, nil), nil
		case "local-file":
			key, _ := cfg["key"].(string)
			if key == "" {
				key = namespace + "/items.ndjson.gz"
			}
			return decorator.NewLocalIndexedFileDecorator(s3Client, env.StagingBucket, key, decorator.DefaultLocalFileSyncInterval, logger), nil
		default:
			return nil, nil
		}
	}
}
