package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/and161185/neodb-bridge/internal/config"
	"github.com/and161185/neodb-bridge/internal/crypto"
	"github.com/and161185/neodb-bridge/internal/limiter"
	"github.com/and161185/neodb-bridge/internal/metrics"
	"github.com/and161185/neodb-bridge/internal/remote"
	"github.com/and161185/neodb-bridge/internal/repository"
	"github.com/and161185/neodb-bridge/internal/repository/postgres"
	"github.com/and161185/neodb-bridge/internal/repository/redisstore"
	"github.com/and161185/neodb-bridge/internal/server/httpserver"
	"github.com/and161185/neodb-bridge/internal/service"
	"github.com/and161185/neodb-bridge/internal/worker"
)

// app holds the wired service graph.
type app struct {
	db      *postgres.DB
	closers []func()
	http    *httpserver.Server
	sweeper *worker.Sweeper
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	var states repository.StateRepository
	switch cfg.StateStore {
	case "redis":
		rs, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "nb:", cfg.StateTTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rs.Close() })
		states = rs
	default:
		states = postgres.NewStateRepo(db, cfg.StateTTL)
	}

	users := postgres.NewUserRepo(db)
	accounts := postgres.NewAccountRepo(db)
	clients := postgres.NewClientRepo(db)
	tasks := postgres.NewTaskRepo(db)

	var sealer service.SecretSealer
	if cfg.SealKey != "" {
		s, err := crypto.NewSealer([]byte(cfg.SealKey), "client-secret")
		if err != nil {
			return nil, err
		}
		sealer = s
	} else {
		log.Warn("client secrets stored unsealed (dev mode without NB_SEAL_KEY)")
	}

	signKey := []byte(cfg.SessionKey)
	if len(signKey) == 0 {
		if signKey, err = crypto.RandBytes(32); err != nil {
			return nil, err
		}
		log.Warn("using an ephemeral session key (dev mode without NB_SESSION_KEY)")
	}

	var lim limiter.Limiter = limiter.Nop{}
	if cfg.LimiterMaxFails > 0 {
		lim = limiter.NewPG(db.Pool, cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlockFor)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rc := remote.New(&http.Client{Timeout: cfg.HTTPTimeout}, cfg.AppName, cfg.AppScope, cfg.AppWebsite)
	registry := service.NewClientRegistry(clients, rc, sealer, log)
	identity := service.NewIdentity(users, accounts, signKey, cfg.SessionTTL)
	tokens := service.NewTokenLifecycle(accounts, registry, rc, cfg.SweepStaleAfter, cfg.RevealWindow, m, log)
	harvester := service.NewHarvester(tasks, accounts, rc, cfg.HarvestCategories, m, log)
	instances := service.NewInstanceValidator(rc, cfg.AllowedInstances)
	proxy := service.NewAPIProxy(accounts, rc, instances, m, log)

	fed := service.NewFederation(service.FederationDeps{
		Instances: instances,
		Clients:   registry,
		States:    states,
		Remote:    rc,
		Linker:    identity,
		Accounts:  accounts,
		Limiter:   lim,
		Metrics:   m,
		Log:       log,
	}, service.FederationConfig{
		RedirectURI:    cfg.RedirectURI(),
		ErrorURL:       cfg.ErrorURL,
		TrustedOrigins: cfg.TrustedOrigins,
	})

	a.http = httpserver.New(httpserver.Deps{
		Federation: fed,
		Tokens:     tokens,
		Harvest:    harvester,
		Proxy:      proxy,
		Sessions:   identity,
		Metrics:    m,
		Gatherer:   reg,
		Log:        log,
	}, httpserver.Config{
		SecureCookies:     !cfg.Dev,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	a.sweeper = worker.NewSweeper(tokens, states, cfg.SweepInterval, cfg.StateTTL, log)
	return a, nil
}
