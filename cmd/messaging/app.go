package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/compliant-messaging/internal/api"
	"github.com/LeventeLantos/compliant-messaging/internal/cache"
	"github.com/LeventeLantos/compliant-messaging/internal/client"
	"github.com/LeventeLantos/compliant-messaging/internal/compliance"
	"github.com/LeventeLantos/compliant-messaging/internal/config"
	"github.com/LeventeLantos/compliant-messaging/internal/db"
	"github.com/LeventeLantos/compliant-messaging/internal/email"
	"github.com/LeventeLantos/compliant-messaging/internal/escalation"
	"github.com/LeventeLantos/compliant-messaging/internal/metrics"
	"github.com/LeventeLantos/compliant-messaging/internal/repo"
	"github.com/LeventeLantos/compliant-messaging/internal/resolver"
	"github.com/LeventeLantos/compliant-messaging/internal/scheduler"
	"github.com/LeventeLantos/compliant-messaging/internal/service"
)

// stores groups every persistence port the engine needs.
type stores struct {
	messages   repo.MessageRepository
	clients    repo.ClientRepository
	leads      repo.LeadRepository
	consent    repo.ConsentStore
	usage      repo.UsageCounter
	markers    repo.MarkerStore
	audit      repo.AuditSink
	claims     repo.EscalationRepository
	responders repo.ResponderDirectory
}

type app struct {
	handler    http.Handler
	processor  *service.Processor
	gateway    *compliance.Gateway
	escalation *escalation.Service
	sched      *scheduler.Scheduler

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := openStores(ctx, a, cfg)
	if err != nil {
		return nil, err
	}

	var receipts cache.MessageCache = cache.Nop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		perr := rdb.Ping(pingCtx).Err()
		cancel()
		metrics.SetRedisUp(perr == nil)
		if perr != nil {
			if cfg.Scheduler.BudgetDriver == "redis" {
				return nil, fmt.Errorf("ping redis: %w", perr)
			}
			log.Warn().Err(perr).Msg("redis unavailable, receipt cache will miss")
		}

		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		if cfg.Scheduler.BudgetDriver == "redis" {
			st.usage = repo.NewRedisUsageCounter(rdb)
		}
	}

	transport := client.NewWebhookClient(cfg.Transport.WebhookURL, cfg.Transport.Timeout)
	a.gateway = compliance.NewGateway(st.clients, st.consent, st.usage, st.messages, transport, log).
		WithTimeout(cfg.Transport.Timeout)

	resolvers := newResolverRegistry(cfg.Resolver)

	a.processor = service.NewProcessor(service.Deps{
		Messages: st.messages,
		Consent:  st.consent,
		Usage:    st.usage,
		Markers:  st.markers,
		Audit:    st.audit,
		Gateway:  a.gateway,
		Resolver: resolvers,
		Cache:    receipts,
	}, cfg.Scheduler.BatchSize, log)

	a.escalation = escalation.NewService(
		st.claims, st.responders, st.leads, a.gateway, email.NewRouter(cfg.Email), cfg.Escalation.ClaimBaseURL, log,
	)

	a.sched, err = scheduler.New(cfg.Scheduler.Cron, func(ctx context.Context) {
		if _, err := a.processor.Run(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled run failed")
		}
	}, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.sched.Stop() })

	h := api.NewHandler(api.Deps{
		Scheduler:   a.sched,
		Messages:    st.messages,
		Receipts:    receipts,
		Runner:      a.processor,
		Escalations: a.escalation,
		Consent:     a.gateway,
	}, log)
	a.handler = api.Router(h, api.RouterConfig{
		Secret:      cfg.Server.CronSecret,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, log)

	return a, nil
}

// newResolverRegistry routes each configured sequence type to its own
// generator and everything else to the default one.
func newResolverRegistry(cfg config.ResolverConfig) *resolver.Registry {
	reg := resolver.NewRegistry()
	if cfg.URL != "" {
		reg.SetDefault(resolver.NewHTTPResolver(cfg.URL, cfg.Timeout))
	}
	for seq, url := range cfg.Routes {
		reg.Register(seq, resolver.NewHTTPResolver(url, cfg.Timeout))
	}
	return reg
}

func openStores(ctx context.Context, a *app, cfg *config.Config) (stores, error) {
	if cfg.Database.Driver == "memory" {
		m := repo.NewMemoryStore()
		return stores{
			messages:   m,
			clients:    m,
			leads:      m,
			consent:    m,
			usage:      m,
			markers:    m,
			audit:      m,
			claims:     m,
			responders: m,
		}, nil
	}

	pool, err := db.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return stores{}, err
	}
	a.closers = append(a.closers, pool.Close)

	ps := repo.NewPostgresStore(pool)
	pe := repo.NewPostgresEscalationRepo(pool)
	return stores{
		messages:   repo.NewPostgresMessageRepo(pool),
		clients:    ps,
		leads:      ps,
		consent:    ps,
		usage:      ps,
		markers:    ps,
		audit:      pe,
		claims:     pe,
		responders: pe,
	}, nil
}
