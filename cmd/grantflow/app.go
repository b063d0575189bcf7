package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dshills/grantflow/internal/config"
	"github.com/dshills/grantflow/internal/critic"
	"github.com/dshills/grantflow/internal/graph"
	"github.com/dshills/grantflow/internal/hitl"
	"github.com/dshills/grantflow/internal/jobs"
	"github.com/dshills/grantflow/internal/jobstore"
	"github.com/dshills/grantflow/internal/llm"
	"github.com/dshills/grantflow/internal/nodes"
	"github.com/dshills/grantflow/internal/retrieval"
	"github.com/dshills/grantflow/internal/strategy"
)

// app is the wiring shared by every subcommand.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	reg     *strategy.Registry
	policy  *critic.Policy
	prom    *prometheus.Registry
	metrics *graph.Metrics

	jobs jobstore.Store
	cps  hitl.Store

	closers []func() error
}

// newApp loads configuration, applies global flag overrides and builds the
// logger, strategy registry and metrics. Stores are opened on demand.
func newApp(cmd *cobra.Command, g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.config, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, exitError(exitInput, "%v", err)
	}
	if g.db != "" {
		cfg.Store.Driver, cfg.Store.Path = "sqlite", g.db
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.metricsAddr != "" {
		cfg.MetricsAddr = g.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitError(exitInput, "%v", err)
	}

	a := &app{cfg: cfg, log: newLogger(cmd.ErrOrStderr(), cfg.Log)}
	if a.reg, err = strategy.NewRegistry(); err != nil {
		return nil, fmt.Errorf("load donor strategies: %w", err)
	}
	a.policy = critic.DefaultPolicy()
	if cfg.PolicyPath != "" {
		if a.policy, err = critic.LoadPolicy(cfg.PolicyPath); err != nil {
			return nil, exitError(exitInput, "%v", err)
		}
	}

	a.prom = prometheus.NewRegistry()
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = graph.NewMetrics(a.prom)
	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return a, nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{Registry: a.prom}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server", "addr", addr, "err", err)
		}
	}()
	a.log.Info("serving metrics", "addr", addr)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// openStores opens the configured job and checkpoint stores. SQLite keeps
// both in one database file.
func (a *app) openStores() error {
	if a.jobs != nil {
		return nil
	}
	if a.cfg.Store.Driver == "memory" {
		a.jobs, a.cps = jobstore.NewMemoryStore(), hitl.NewMemoryStore()
		return nil
	}
	js, err := jobstore.OpenSQLite(a.cfg.Store.Path)
	if err != nil {
		return exitError(exitStore, "open job store: %v", err)
	}
	cs, err := hitl.NewSQLiteStore(js.DB())
	if err != nil {
		js.Close()
		return exitError(exitStore, "open checkpoint store: %v", err)
	}
	a.jobs, a.cps = js, cs
	a.closers = append(a.closers, js.Close)
	return nil
}

// provider resolves the configured LLM provider chain.
func (a *app) provider() (llm.Provider, error) {
	p, err := llm.Resolve(a.cfg.ProviderOptions())
	if err != nil {
		return nil, exitError(exitProvider, "model provider error: %v", err)
	}
	a.log.Debug("llm provider", "name", p.Name(), "model", a.cfg.LLM.Model)
	return p, nil
}

// deps builds the node dependencies. p may be nil.
func (a *app) deps(p llm.Provider) (*nodes.Deps, error) {
	d := &nodes.Deps{
		Registry:         a.reg,
		LLM:              p,
		Settings:         a.cfg.Settings(),
		CriticPolicy:     a.policy,
		CriticThreshold:  a.cfg.CriticThreshold,
		GroundingFloor:   a.cfg.GroundingFloor,
		TopK:             a.cfg.TopK,
		CitationMaxItems: a.cfg.CitationMaxItems,
		VersionMaxItems:  a.cfg.VersionMaxItems,
		Logger:           a.log,
	}
	if a.cfg.CorpusPath != "" {
		r, err := retrieval.LoadCorpus(a.cfg.CorpusPath)
		if err != nil {
			return nil, exitError(exitInput, "%v", err)
		}
		d.Retriever = r
	}
	return d, nil
}

// runner opens the stores and builds a job runner over p.
func (a *app) runner(p llm.Provider) (*jobs.Runner, error) {
	if err := a.openStores(); err != nil {
		return nil, err
	}
	d, err := a.deps(p)
	if err != nil {
		return nil, err
	}
	exec := graph.New(d, graph.Options{Checkpoints: a.cps, Metrics: a.metrics, Logger: a.log})
	return &jobs.Runner{
		Exec:        exec,
		Jobs:        a.jobs,
		Checkpoints: a.cps,
		Workers:     a.cfg.Workers,
		RunTimeout:  a.cfg.LLM.Timeout * time.Duration(4*a.cfg.MaxIterations),
		Logger:      a.log,
	}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", "err", err)
		}
	}
}
