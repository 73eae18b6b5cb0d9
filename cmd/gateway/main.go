package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/treum/gateway/internal/admin"
	"github.com/treum/gateway/internal/auth"
	"github.com/treum/gateway/internal/breaker"
	cfg "github.com/treum/gateway/internal/config"
	fwd "github.com/treum/gateway/internal/forward"
	"github.com/treum/gateway/internal/gateway"
	"github.com/treum/gateway/internal/metrics"
	"github.com/treum/gateway/internal/ratelimit"
	"github.com/treum/gateway/internal/registry"
	"github.com/treum/gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	c, err := cfg.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(c.Log.Development)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var store ratelimit.Store
	if c.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Not fatal: the limiter fails open until the store comes back.
			logger.Warn("redis unreachable at startup", zap.String("addr", c.Redis.Addr), zap.Error(err))
		}
		cancel()
		store = ratelimit.NewRedisStore(rdb)
	} else {
		logger.Warn("no redis configured, rate limit counters are process-local")
		mem := ratelimit.NewMemoryStore()
		mem.StartJanitor(ctx, time.Minute)
		store = mem
	}
	limiter := ratelimit.New(store, logger)

	reg := registry.New(c.Services)
	prober := registry.NewProber(reg, c.HealthProbe, logger)
	go prober.Run(ctx)

	overrides := make(map[string]breaker.Config, len(c.BreakerOverrides))
	for name, s := range c.BreakerOverrides {
		overrides[name] = breaker.FromSettings(s)
	}
	breakers := breaker.NewGroup(breaker.FromSettings(c.BreakerDefault), overrides,
		func(name string, from, to breaker.State) {
			logger.Warn("breaker transition",
				zap.String("target", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			m.SetBreakerState(name, stateGauge(to))
			m.IncBreakerTransition(name, to.String())
		})

	transports := fwd.NewDefaultRegistry()
	defer transports.CloseIdle()

	var verifier auth.Verifier = auth.Nop{}
	if len(c.AuthTokens) > 0 {
		tokens := make(map[string]auth.Claims, len(c.AuthTokens))
		for tok, t := range c.AuthTokens {
			tokens[tok] = auth.Claims{Subject: t.Subject, Tier: t.Tier}
		}
		verifier = auth.NewStatic(tokens)
	}

	gw := gateway.New(c, reg, limiter, breakers, transports, verifier, m, logger)

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              c.AdminListen,
		Handler:           admin.New(reg, breakers, m, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway starting",
		zap.String("version", version.Value),
		zap.String("listen", c.Listen),
		zap.String("admin_listen", c.AdminListen),
		zap.Int("services", len(c.Services)),
		zap.Int("rate_limit_policies", len(c.RateLimits)))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin listen", zap.Error(err))
		}
	}()

	// SIGHUP reloads services, rate limits, guard and breaker tuning in place.
	// Listen addresses and the redis connection require a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			nc, err := cfg.Load(*configPath)
			if err != nil {
				logger.Error("reload rejected", zap.Error(err))
				continue
			}
			gw.UpdateState(nc)
			logger.Info("configuration reloaded",
				zap.Int("services", len(nc.Services)),
				zap.Int("rate_limit_policies", len(nc.RateLimits)))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
}

func newLogger(development bool) *zap.Logger {
	if development {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("logger: %v", err)
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return l
}

func stateGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return metrics.BreakerOpen
	case breaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}
