// Command lobd runs the trading node: matching engine, ledger,
// market data fan-out and the REST/websocket gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lobx/lobx/pkg/api"
	"github.com/lobx/lobx/pkg/bus"
	"github.com/lobx/lobx/pkg/config"
	"github.com/lobx/lobx/pkg/exchange"
	"github.com/lobx/lobx/pkg/ledger"
	"github.com/lobx/lobx/pkg/lob"
	"github.com/lobx/lobx/pkg/marketdata"
	"github.com/lobx/lobx/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	hub := marketdata.NewHub(cfg.FanoutBuffer)
	hub.OnDrop(func(topic string) {
		m.FanoutDropped.WithLabelValues(topic).Inc()
	})

	engine := lob.NewEngine(logger)
	led := ledger.New(store, logger)
	md := marketdata.NewService(hub, logger)
	x := exchange.New(engine, led, store, md, m, logger)

	if err := x.RestoreMarkets(ctx); err != nil {
		return err
	}
	for _, mk := range defaultMarkets() {
		if err := x.RegisterMarket(ctx, mk); err != nil {
			return err
		}
	}

	var bridge *bus.Bridge
	if cfg.NATSURL != "" {
		bridge, err = bus.Connect(cfg.NATSURL, hub, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		for _, mk := range x.Markets() {
			bridge.BridgeMarket(mk.Symbol)
		}
		logger.Info("nats bridge connected", zap.String("url", cfg.NATSURL))
	}

	server := api.NewServer(x, led, md, hub, registry, cfg.WSWriteTimeout, logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}
	return nil
}

func newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory store")
		return ledger.NewMemStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, lob.Wrap(lob.Database, err, "connect to postgres")
	}
	store := ledger.NewPgStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("using postgres store")
	return store, pool.Close, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if os.Getenv("LOBX_LOG_PRETTY") != "" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// defaultMarkets lists the markets registered at boot. Listing is
// idempotent, so a restart against a warm database is safe.
func defaultMarkets() []lob.Market {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	return []lob.Market{
		{
			Symbol: "BTC/USD", BaseAsset: "BTC", QuoteAsset: "USD",
			TickSize: d("0.01"), StepSize: d("0.00001"),
			MinPrice: d("0.01"), MaxPrice: d("10000000"),
			MinQuantity: d("0.00001"), MaxQuantity: d("10000"),
		},
		{
			Symbol: "ETH/USD", BaseAsset: "ETH", QuoteAsset: "USD",
			TickSize: d("0.01"), StepSize: d("0.0001"),
			MinPrice: d("0.01"), MaxPrice: d("1000000"),
			MinQuantity: d("0.0001"), MaxQuantity: d("100000"),
		},
		{
			Symbol: "ETH/BTC", BaseAsset: "ETH", QuoteAsset: "BTC",
			TickSize: d("0.000001"), StepSize: d("0.0001"),
			MinPrice: d("0.000001"), MaxPrice: d("1000"),
			MinQuantity: d("0.0001"), MaxQuantity: d("100000"),
		},
	}
}
