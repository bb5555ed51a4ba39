// Command agent runs the autonomous trading loop: market perception,
// ensemble reasoning, risk gating, execution and trade monitoring, with
// an operational HTTP surface for metrics and control.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/marketmind/marketmind/internal/agent"
	"github.com/marketmind/marketmind/internal/alerts"
	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/ensemble"
	"github.com/marketmind/marketmind/internal/execution"
	"github.com/marketmind/marketmind/internal/market"
	"github.com/marketmind/marketmind/internal/memory"
	"github.com/marketmind/marketmind/internal/metrics"
	"github.com/marketmind/marketmind/internal/monitor"
	"github.com/marketmind/marketmind/internal/platform"
	"github.com/marketmind/marketmind/internal/provider"
	"github.com/marketmind/marketmind/internal/risk"
	"github.com/marketmind/marketmind/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("main")

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Agent exited with error")
	}
	log.Info().Msg("Agent shut down cleanly")
}

func run(cfg *config.Config) error {
	log := config.NewLogger("main")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prices, err := buildMarketProvider(cfg)
	if err != nil {
		return err
	}
	builder := market.NewBuilder(prices, nil)

	adapter, err := buildPlatform(cfg, prices)
	if err != nil {
		return err
	}
	sink := execution.New(adapter, cfg.Breaker, cfg.Agent.MaxRetries)

	st, err := store.New(cfg.Store.Dir)
	if err != nil {
		return err
	}
	mem, err := memory.New(cfg.Memory)
	if err != nil {
		return err
	}

	providers, conn, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	if conn != nil {
		defer conn.Close()
	}
	agg, err := ensemble.New(cfg.Ensemble, providers, mem)
	if err != nil {
		return err
	}

	notifier := buildNotifier(cfg)
	sink.OnBreakerOpen(func() {
		notifier.Notify(context.Background(), alerts.EventBreakerOpen,
			"platform circuit breaker opened, trading calls suspended")
	})

	mon := monitor.New(cfg.Monitor, prices, sink, nil, cfg.Platform.InitialCapital)

	ag, err := agent.New(cfg.Agent, agent.Deps{
		Builder:    builder,
		Aggregator: agg,
		Gatekeeper: risk.New(cfg.Risk),
		Sink:       sink,
		Monitor:    mon,
		Store:      st,
		Memory:     mem,
		Notifier:   notifier,
	}, cfg.Platform.InitialCapital)
	if err != nil {
		return err
	}
	mon.SetOutcomeSink(ag)

	if cfg.Ops.EnableMetrics {
		srv := metrics.NewServer(cfg.Ops.Host, cfg.Ops.Port, ag, config.NewLogger("ops"))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	go mon.Run(ctx)

	log.Info().
		Str("environment", cfg.App.Environment).
		Str("platform", cfg.Platform.Adapter).
		Str("strategy", cfg.Ensemble.Strategy).
		Strs("assets", cfg.Agent.AssetPairs).
		Msg("MarketMind agent starting")

	return ag.Run(ctx)
}

// buildMarketProvider assembles the data stack: base provider, rate
// limiter, then the Redis read-through cache outermost so cache hits
// never spend rate budget.
func buildMarketProvider(cfg *config.Config) (market.Provider, error) {
	var p market.Provider
	switch cfg.Market.Provider {
	case "mock":
		mock := market.NewMockProvider()
		for _, asset := range cfg.Agent.AssetPairs {
			mock.SetPrice(asset, 100)
		}
		p = mock
	case "binance":
		p = market.NewBinanceProvider(cfg.Platform.APIKey, cfg.Platform.SecretKey, cfg.Platform.Testnet)
	default:
		return nil, fmt.Errorf("unknown market provider %q", cfg.Market.Provider)
	}

	if cfg.Market.RatePerSecond > 0 {
		p = market.NewRateLimited(p, cfg.Market.RatePerSecond, cfg.Market.RateBurst)
	}
	if cfg.Market.CacheEnabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Market.RedisAddr})
		p = market.NewCachedProvider(p, client, cfg.Market.CacheTTL)
	}
	return p, nil
}

func buildPlatform(cfg *config.Config, prices market.Provider) (platform.Platform, error) {
	switch cfg.Platform.Adapter {
	case "paper":
		return platform.NewPaper(cfg.Platform, prices), nil
	case "binance":
		return platform.NewBinance(cfg.Platform), nil
	default:
		return nil, fmt.Errorf("unknown platform adapter %q", cfg.Platform.Adapter)
	}
}

// buildProviders constructs the decision providers named by the
// ensemble, each wrapped with transient-error retry. A NATS connection
// is dialed once and shared.
func buildProviders(cfg *config.Config) ([]provider.Provider, *nats.Conn, error) {
	var conn *nats.Conn
	out := make([]provider.Provider, 0, len(cfg.Ensemble.Providers))
	add := func(p provider.Provider) {
		out = append(out, provider.WithRetry(p, cfg.Agent.MaxRetries))
	}
	for _, name := range cfg.Ensemble.Providers {
		pc := cfg.Providers[name]
		switch pc.Type {
		case "llm":
			add(provider.NewLLMProvider(provider.LLMConfig{
				Name:        name,
				Endpoint:    pc.Endpoint,
				APIKey:      pc.APIKey,
				Model:       pc.Model,
				Temperature: pc.Temperature,
				MaxTokens:   pc.MaxTokens,
				Timeout:     pc.Timeout,
				Stance:      provider.Stance(pc.Stance),
			}))
		case "nats":
			if conn == nil {
				var err error
				conn, err = nats.Connect(cfg.Ensemble.NATSURL, nats.Name("marketmind-agent"))
				if err != nil {
					return nil, nil, fmt.Errorf("nats connect: %w", err)
				}
			}
			add(provider.NewNATSProvider(name, conn))
		case "mock":
			add(provider.NewMockProvider(name))
		default:
			return nil, conn, fmt.Errorf("provider %q has unknown type %q", name, pc.Type)
		}
	}
	return out, conn, nil
}

func buildNotifier(cfg *config.Config) *alerts.Manager {
	if !cfg.Alerts.TelegramEnabled {
		return alerts.NewManager()
	}
	tg, err := alerts.NewTelegram(cfg.Alerts)
	if err != nil {
		logger := config.NewLogger("main")
		logger.Error().Err(err).
			Msg("Telegram alerter unavailable, falling back to log-only alerts")
		return alerts.NewManager()
	}
	return alerts.NewManager(tg)
}
