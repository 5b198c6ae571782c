// Package app wires configuration into a ready AskService and its
// supporting infrastructure. Both entrypoints share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"dvai-assistant/internal/breaker"
	"dvai-assistant/internal/budget"
	"dvai-assistant/internal/cache"
	"dvai-assistant/internal/config"
	"dvai-assistant/internal/integrations/openai"
	"dvai-assistant/internal/integrations/paramstore"
	"dvai-assistant/internal/intent"
	"dvai-assistant/internal/knowledge"
	"dvai-assistant/internal/logsink"
	"dvai-assistant/internal/observability"
	"dvai-assistant/internal/ratelimit"
	"dvai-assistant/internal/repository"
	"dvai-assistant/internal/store"
	"dvai-assistant/internal/usecase"
)

const paramCacheTTL = 10 * time.Minute

// App holds the assembled service and the resources that need closing.
type App struct {
	Ask     *usecase.AskService
	Metrics *observability.Metrics
	Sweeper *store.Sweeper
	Lookup  *knowledge.Lookup

	durable   store.KV
	kbCache   *cache.Cache[knowledge.Result]
	respCache *cache.Cache[usecase.CachedAnswer]
	sink      *logsink.Sink
}

// Build assembles the service from cfg. reg may be nil.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *prometheus.Registry) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := knowledge.LoadFile(cfg.KBPath)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}
	idx, err := knowledge.Build(base)
	if err != nil {
		return nil, fmt.Errorf("build knowledge index: %w", err)
	}
	patterns, err := intent.LoadPatternsFile(cfg.IntentPatternsPath)
	if err != nil {
		return nil, fmt.Errorf("load intent patterns: %w", err)
	}
	classifier, err := intent.New(patterns, intent.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("create intent classifier: %w", err)
	}

	var (
		durable store.KV
		events  *repository.EventLog
		params  *paramstore.Client
	)
	if cfg.StateTable != "" || cfg.ModelConfigured() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.StateTable != "" {
			client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
			if err != nil {
				return nil, fmt.Errorf("create state client: %w", err)
			}
			durable = client.KV()
			if cfg.EventLog {
				events = client.Events()
			}
		}
		if cfg.ModelConfigured() {
			params, err = paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithCacheTTL(paramCacheTTL))
			if err != nil {
				return nil, fmt.Errorf("create SSM client: %w", err)
			}
		}
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	kbCache := cache.New[knowledge.Result](durable, cache.Config{
		Name:       "kb",
		Capacity:   cfg.CacheCapacity,
		DefaultTTL: cfg.KBCacheTTL,
		EvictEvery: cfg.EvictEvery,
		Timeout:    cfg.StoreTimeout,
	}, cache.WithObserver(metrics), cache.WithLogger(logger))
	respCache := cache.New[usecase.CachedAnswer](durable, cache.Config{
		Name:       "resp",
		Capacity:   cfg.CacheCapacity,
		DefaultTTL: cfg.ResponseTTL,
		EvictEvery: cfg.EvictEvery,
		Timeout:    cfg.StoreTimeout,
	}, cache.WithObserver(metrics), cache.WithLogger(logger))

	lookup, err := knowledge.NewLookup(idx, kbCache, cfg.KBCacheTTL)
	if err != nil {
		return nil, err
	}

	breakerKV := store.NewMirror(durable, store.NewLocal(store.WithCapacity(cfg.CacheCapacity)), cfg.StoreTimeout, store.WithLogger(logger))
	bcfg := breaker.DefaultConfig()
	bcfg.FailureThreshold = cfg.BreakerFailures
	bcfg.Window = cfg.BreakerWindow
	bcfg.BaseBlock = cfg.BreakerBaseBlock
	bcfg.MaxBlock = cfg.BreakerMaxBlock
	cb := breaker.New(breakerKV, bcfg,
		breaker.WithLogger(logger),
		breaker.OnTransition(func(subject string, from, to breaker.State) {
			metrics.BreakerTransition(subject, string(from), string(to))
		}),
	)

	limiterKV := store.NewMirror(durable, store.NewLocal(store.WithCapacity(cfg.CacheCapacity)), cfg.StoreTimeout,
		store.WithLogger(logger), store.WithMirrorTTL(cfg.RateWindow))
	limiter := ratelimit.New(limiterKV, cfg.RateLimit, cfg.RateWindow, ratelimit.WithLogger(logger))

	tracker := budget.New(budget.Limits{
		PerSession: cfg.BudgetPerSession,
		PerDay:     cfg.BudgetPerDay,
		Global:     cfg.BudgetGlobal,
	})

	var writer logsink.Writer
	if events != nil {
		writer = events
	}
	sink := logsink.New(logger, writer, cfg.LogBuffer, logsink.OnDrop(metrics.LogEventsDropped.Inc))

	sweeper := store.NewSweeper(cfg.SweepEvery, logger)
	register := func(name string, fn store.SweepFunc) {
		sweeper.Register(name, func() int {
			n := fn()
			metrics.ObserveSweep(map[string]int{name: n})
			return n
		})
	}
	register("kb_cache", kbCache.Evict)
	register("response_cache", respCache.Evict)
	register("rate_limit", limiter.Sweep)
	register("breaker", breakerKV.Local().Sweep)
	register("budget", tracker.Sweep)
	register("intent_history", classifier.Sweep)

	deps := usecase.Deps{
		Knowledge:   lookup,
		Limiter:     limiter,
		Breaker:     cb,
		Budget:      tracker,
		Intents:     classifier,
		Responses:   respCache,
		Events:      sink,
		Metrics:     metrics,
		Maintenance: sweeper,
		Logger:      logger,
	}
	opts := usecase.Options{
		ModelName:         cfg.ModelName,
		ModelTimeout:      cfg.ModelTimeout,
		ModelMaxRetries:   cfg.ModelMaxRetries,
		Moderation:        cfg.Moderation,
		MaxQuestionLength: cfg.MaxQuestionLength,
		MaxHistory:        cfg.MaxHistory,
		MaxHistoryContent: cfg.MaxHistoryContent,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		ResponseTTL:       cfg.ResponseTTL,
	}
	if params != nil {
		var llmOpts []openai.Option
		if cfg.ModelBaseURL != "" {
			llmOpts = append(llmOpts, openai.WithBaseURL(cfg.ModelBaseURL))
		}
		llmOpts = append(llmOpts, openai.WithMaxTokens(cfg.ModelMaxTokens))
		llm, err := openai.NewClient(params, cfg.ParamPrefix, llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("create model client: %w", err)
		}
		deps.LLM = llm
		deps.Params = params
		opts.ModelParameter = cfg.ModelParameterName()
	} else {
		logger.Warn("PARAM_PREFIX not set; model fallback disabled")
	}

	ask, err := usecase.NewAskService(deps, opts)
	if err != nil {
		return nil, fmt.Errorf("create ask service: %w", err)
	}

	logger.Info("assistant ready",
		"kb_version", idx.Version(),
		"kb_entries", len(idx.Entries()),
		"durable_state", durable != nil,
		"model", deps.LLM != nil,
	)

	return &App{
		Ask:       ask,
		Metrics:   metrics,
		Sweeper:   sweeper,
		Lookup:    lookup,
		durable:   durable,
		kbCache:   kbCache,
		respCache: respCache,
		sink:      sink,
	}, nil
}

// Ping reports readiness. Without a durable store the service runs in
// process and is always ready.
func (a *App) Ping(ctx context.Context) error {
	if a.durable == nil {
		return nil
	}
	return a.durable.Ping(ctx)
}

// Close flushes pending cache writes and drains the event sink.
func (a *App) Close(ctx context.Context) error {
	a.kbCache.Wait()
	a.respCache.Wait()
	if err := a.sink.Close(ctx); err != nil {
		return fmt.Errorf("close event sink: %w", err)
	}
	return nil
}
