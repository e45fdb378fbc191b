// Command arbiter runs the online scoring pipeline: a sampler consuming
// record-creation events and one scorer per evaluator type, all backed by
// Redis stream consumer groups.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/sampler"
	"github.com/arbiterhq/arbiter/scorer"
	"github.com/arbiterhq/arbiter/sink"
	"github.com/arbiterhq/arbiter/stream"
	"github.com/arbiterhq/arbiter/types"
	"github.com/arbiterhq/arbiter/userlog"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "arbiter:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	defer client.Close()

	collector := metrics.NewCollector("arbiter")
	userLog := userlog.NewStreamLogger(client, cfg.UserLogStream, 0, logger)
	codec := stream.JSONCodec{}

	producers := map[types.EvaluatorType]*stream.Producer{
		types.EvaluatorLLMAsJudge:   stream.NewProducer(client, cfg.Streams.LLMAsJudge.StreamName, codec, logger, collector),
		types.EvaluatorPythonMetric: stream.NewProducer(client, cfg.Streams.PythonMetric.StreamName, codec, logger, collector),
	}

	finder := sampler.NewHTTPRuleFinder(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	smp, err := sampler.New(cfg.Sampler, client, finder, producers, rng, userLog, logger, collector)
	if err != nil {
		return err
	}

	scoreSink := sink.NewHTTPSink(cfg.Sink, logger)
	judge := llm.NewOpenAIJudge(cfg.Judge.Config, logger)

	judgeScorer, err := scorer.New(
		cfg.Streams.LLMAsJudge, client,
		scorer.NewJudgeStrategy(judge, cfg.Judge.Mode, logger, collector),
		scoreSink, userLog, logger, collector,
	)
	if err != nil {
		return err
	}

	pythonScorer, err := scorer.New(
		cfg.Streams.PythonMetric, client,
		scorer.NewPythonStrategy(cfg.PythonRuntime, logger),
		scoreSink, userLog, logger, collector,
	)
	if err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()
	for _, c := range []interface {
		Start(context.Context) error
	}{smp, judgeScorer, pythonScorer} {
		if err := c.Start(startCtx); err != nil {
			return err
		}
	}

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("arbiter started",
		zap.String("redis", cfg.Redis.Addr),
		zap.Int("metrics_port", cfg.Metrics.Port),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	for _, c := range []interface {
		Stop(context.Context) error
	}{smp, judgeScorer, pythonScorer} {
		if err := c.Stop(stopCtx); err != nil {
			logger.Warn("component stop failed", zap.Error(err))
		}
	}
	if err := metricsServer.Shutdown(stopCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}

	logger.Info("arbiter stopped")
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
