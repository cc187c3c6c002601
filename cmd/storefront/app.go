package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"storefront/internal/changelog"
	"storefront/internal/config"
	"storefront/internal/docstore"
	"storefront/internal/errtrack"
	"storefront/internal/metrics"
	"storefront/internal/notify"
	"storefront/internal/orders"
)

// app holds the process-wide clients every command shares.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Registry
	store    *docstore.Lazy
	orders   *orders.Service
	reporter errtrack.Reporter
	clogPath string

	closers []func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: metrics.NewRegistry()}

	a.store = docstore.NewLazy(func() (docstore.Store, error) {
		return docstore.Open(cfg.StoreBackend, cfg.DataDir)
	})
	a.closers = append(a.closers, a.store.Close)

	fw, err := changelog.NewFileWriter(filepath.Dir(cfg.ChangelogPath), filepath.Base(cfg.ChangelogPath))
	if err != nil {
		return nil, fmt.Errorf("changelog: %w", err)
	}
	a.clogPath = fw.Path()
	var clog changelog.Writer = fw
	if cfg.KafkaBootstrap != "" {
		kw := changelog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.KafkaTopic)
		a.closers = append(a.closers, kw.Close)
		clog = changelog.NewMultiWriter(fw, kw)
		log.Printf("storefront: changelog file=%s kafka=%s topic=%s", fw.Path(), cfg.KafkaBootstrap, cfg.KafkaTopic)
	}

	a.orders = orders.New(a.store)
	a.orders.Changelog = clog
	a.orders.Metrics = a.metrics

	a.reporter, err = errtrack.NewSentry(cfg.SentryDSN, cfg.SentryEnvironment, Version)
	if err != nil {
		log.Printf("storefront: error tracking disabled err=%v", err)
		a.reporter = errtrack.Nop{}
	}
	return a, nil
}

// storeNow opens the store eagerly; commands that cannot run without it call
// this first.
func (a *app) storeNow() (docstore.Store, error) {
	st, err := a.store.Store()
	if err != nil {
		return nil, fmt.Errorf("open %s store at %s: %w", a.cfg.StoreBackend, a.cfg.DataDir, err)
	}
	return st, nil
}

// dispatcher builds the notification dispatcher. Without an API key every
// send is recorded as skipped.
func (a *app) dispatcher() *notify.Dispatcher {
	var m notify.Mailer
	if a.cfg.ResendAPIKey != "" {
		rm, err := notify.NewResendMailer(a.cfg.ResendAPIKey, a.cfg.EmailFrom)
		if err != nil {
			log.Printf("storefront: email disabled err=%v", err)
		} else {
			m = rm
		}
	}
	d := notify.NewDispatcher(m, a.orders, a.cfg.AdminEmail, a.cfg.NotifyQueue)
	d.Metrics = a.metrics
	return d
}

func (a *app) Close() {
	a.reporter.Flush(2 * time.Second)
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("storefront: close err=%v", err)
		}
	}
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
