package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"storefront/internal/auth"
	"storefront/internal/catalog"
	"storefront/internal/checkout"
	"storefront/internal/httpapi"
	"storefront/internal/pricing"
	"storefront/internal/ratelimit"
	"storefront/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	cfg := a.cfg
	if missing := cfg.Missing(); len(missing) > 0 {
		log.Printf("storefront: not configured: %s", strings.Join(missing, ", "))
	}

	cat, err := catalog.LoadDir(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	log.Printf("storefront: catalog loaded products=%d dir=%s", cat.Len(), cfg.CatalogDir)

	var limiter ratelimit.Limiter = ratelimit.NewStoreLimiter(a.store, ratelimit.DefaultLimit, ratelimit.DefaultWindow)
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(cfg.RedisURL, ratelimit.DefaultLimit, ratelimit.DefaultWindow)
		if err != nil {
			return fmt.Errorf("redis rate limiter: %w", err)
		}
		a.closers = append(a.closers, rl.Close)
		limiter = rl
	}

	co := &checkout.Service{
		Catalog: cat,
		Engine:  pricing.NewEngine(pricing.DefaultPolicy),
		Limiter: ratelimit.FailOpen{Next: limiter, Limit: ratelimit.DefaultLimit, Counter: a.metrics.RateLimitFailOpen},
		Metrics: a.metrics,
	}
	if cfg.StripeSecretKey != "" {
		sp, err := checkout.NewStripeProcessor(cfg.StripeSecretKey)
		if err != nil {
			return err
		}
		sp.Timeout = cfg.ProcessorTimeout
		co.Processor = sp
	}

	disp := a.dispatcher()
	disp.Start(cfg.NotifyWorkers)
	defer disp.Close()

	srv := &httpapi.Server{
		Checkout: co,
		Webhooks: &webhook.Processor{Secret: cfg.StripeWebhookSecret, Orders: a.orders, Notifier: disp, Metrics: a.metrics},
		Auth:     auth.NewVerifier(cfg.AdminJWTSecret, a.orders),
		Orders:   a.orders,
		Notifier: disp,
		Reporter: a.reporter,
		Metrics:  a.metrics,
		Policy:   pricing.DefaultPolicy,
		Origins:  cfg.Origins(),
		Health: func(ctx context.Context) error {
			_, err := a.store.Store()
			return err
		},
	}
	hs := httpapi.NewHTTPServer(cfg.HTTPAddr, srv.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Printf("storefront: listening addr=%s store=%s", cfg.HTTPAddr, cfg.StoreBackend)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Printf("storefront: shutting down")
	}
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	// deferred disp.Close drains queued notifications
	return nil
}
