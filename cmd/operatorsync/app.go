package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/operatorsync/internal/config"
	"github.com/agentworkforce/operatorsync/internal/corrections"
	"github.com/agentworkforce/operatorsync/internal/kvstore"
	"github.com/agentworkforce/operatorsync/internal/logging"
	"github.com/agentworkforce/operatorsync/internal/metrics"
	"github.com/agentworkforce/operatorsync/internal/notion"
	"github.com/agentworkforce/operatorsync/internal/settings"
	"github.com/agentworkforce/operatorsync/internal/workup"
	"github.com/agentworkforce/operatorsync/internal/workupsync"
)

var errSyncNotConfigured = errors.New("sync requires NOTION_TOKEN and notion.database_id")

// app wires every long-lived component on one backend and one serial
// queue. engine is nil unless sync is configured.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	backend     kvstore.StateBackend
	queue       *kvstore.SerialQueue
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	corrections *corrections.Log
	workups     *workup.Store
	settings    *settings.Store
	engine      *workupsync.Engine
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	backend, err := kvstore.BuildStateBackendFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state backend: %w", err)
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		queue:   kvstore.NewSerialQueue(cfg.Storage.QueueDepth),
	}
	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("state backend ready",
		zap.String("backend", kvstore.BackendName(backend)),
		zap.Bool("sync", a.engine != nil),
	)
	return a, nil
}

func (a *app) init() error {
	cfg := a.cfg
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	a.metrics = m

	a.corrections, err = corrections.NewLog(a.backend, corrections.Options{
		Queue:    a.queue,
		CacheTTL: cfg.Storage.CacheTTL.Std(),
		Quota:    cfg.Storage.QuotaBytes,
		Policy: corrections.Policy{
			MaxEntries:        cfg.Corrections.MaxEntries,
			Retention:         cfg.Corrections.Retention.Std(),
			PressureThreshold: cfg.Corrections.PressureThreshold,
		},
		Logger:  logging.StdLog(a.logger, "corrections"),
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to open correction log: %w", err)
	}
	a.workups, err = workup.NewStore(a.backend, workup.Options{
		Queue:    a.queue,
		CacheTTL: cfg.Storage.CacheTTL.Std(),
		Quota:    cfg.Storage.QuotaBytes,
		Logger:   logging.StdLog(a.logger, "workups"),
	})
	if err != nil {
		return fmt.Errorf("failed to open workup store: %w", err)
	}
	a.settings, err = settings.New(a.backend, settings.Options{
		Queue:    a.queue,
		CacheTTL: cfg.Storage.CacheTTL.Std(),
		Logger:   logging.StdLog(a.logger, "settings"),
	})
	if err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}

	if !cfg.SyncReady() {
		return nil
	}
	client := notion.NewClient(notion.Options{
		BaseURL:       cfg.Notion.BaseURL,
		DatabaseID:    cfg.Notion.DatabaseID,
		TokenProvider: notion.StaticToken(cfg.Notion.Token),
		HTTPClient:    &http.Client{Timeout: cfg.Sync.PassTimeout.Std()},
		APIVersion:    cfg.Notion.APIVersion,
		UserAgent:     "operatorsync/" + version,
		MaxRetries:    cfg.Notion.MaxRetries,
		Limiter:       rate.NewLimiter(rate.Limit(cfg.Notion.RequestsPerSecond), 1),
		Metrics:       m,
	})
	a.engine, err = workupsync.NewEngine(a.workups, client, workupsync.EngineOptions{
		Interval:       cfg.Sync.Interval.Std(),
		IntervalJitter: cfg.Sync.Jitter,
		PassTimeout:    cfg.Sync.PassTimeout.Std(),
		Logger:         logging.StdLog(a.logger, "workupsync"),
		Metrics:        m,
		AutoSync:       func(ctx context.Context) bool {
			return a.settings.Bool(ctx, settings.KeyAutoSync)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	return nil
}

// sinks lists the collections the backend watcher forwards external
// writes to.
func (a *app) sinks() []kvstore.ExternalChangeSink {
	return []kvstore.ExternalChangeSink{
		a.corrections.Collection(),
		a.workups.Collection(),
		a.settings.Collection(),
	}
}

func (a *app) Close() {
	if a.corrections != nil {
		a.corrections.Close()
	}
	if a.workups != nil {
		a.workups.Close()
	}
	if a.settings != nil {
		a.settings.Close()
	}
	a.queue.Close()
	if err := kvstore.CloseBackend(a.backend); err != nil {
		a.logger.Warn("closing state backend failed", zap.Error(err))
	}
}

// loadConfig honours --config when given and falls back to Load otherwise.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
