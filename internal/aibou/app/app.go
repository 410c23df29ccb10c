// Package app wires the Aibou components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Aibou/common/retry"
	"github.com/bdobrica/Aibou/internal/aibou/api"
	"github.com/bdobrica/Aibou/internal/aibou/audit"
	"github.com/bdobrica/Aibou/internal/aibou/cleanup"
	"github.com/bdobrica/Aibou/internal/aibou/durable"
	"github.com/bdobrica/Aibou/internal/aibou/fallback"
	"github.com/bdobrica/Aibou/internal/aibou/generation"
	"github.com/bdobrica/Aibou/internal/aibou/observability"
	"github.com/bdobrica/Aibou/internal/aibou/persona"
	"github.com/bdobrica/Aibou/internal/aibou/session"
	"github.com/bdobrica/Aibou/internal/aibou/store"
)

// App is the assembled service.
type App struct {
	config Config
	logger *slog.Logger

	durable   durable.Store
	catalog   *persona.Catalog
	outbox    *session.Outbox
	table     *session.Table
	scheduler *cleanup.Scheduler
	fallback  *fallback.Orchestrator
	server    *api.Server

	closers []func() error
}

// New validates config, opens storage, seeds the personality catalog and
// builds every component. Nothing runs until Run is called.
func New(ctx context.Context, config Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("configuration loaded",
		"http_addr", config.HTTPAddr,
		"storage_backend", config.StorageBackend,
		"redis_password", observability.Secret(config.Redis.Password),
		"llm_api_key", observability.Secret(config.LLM.APIKey),
		"matrix_access_token", observability.Secret(config.Matrix.AccessToken),
		"turn_cap", config.Session.TurnCap,
		"inactivity_timeout", config.Cleanup.InactivityTimeout)

	a := &App{config: config, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.durable = st

	a.catalog = persona.NewCatalog(st, logger)
	if err := a.seedCatalog(ctx); err != nil {
		return nil, err
	}

	notifier, err := a.buildNotifier()
	if err != nil {
		return nil, err
	}

	a.outbox = session.NewOutbox(st, session.OutboxConfig{Capacity: config.OutboxCapacity}, logger)
	queue := cleanup.NewQueue()

	timing := session.DefaultTiming()
	timing.Enabled = config.SimulateTyping

	a.table = session.NewTable(config.Session, session.Deps{
		Templates: a.catalog,
		Generator: a.buildGenerator(),
		Timing:    timing,
		Persister: a.outbox,
		History:   queue,
		Notifier:  notifier,
		Logger:    logger,
	})

	a.scheduler = cleanup.NewScheduler(config.Cleanup, cleanup.Deps{
		Store:    st,
		Sessions: a.table,
		Outbox:   a.outbox,
		Queue:    queue,
		Notifier: notifier,
		Logger:   logger,
	})

	a.fallback = fallback.New(config.Fallback, fallback.Deps{
		Sessions: a.table,
		Catalog:  a.catalog,
		Selector: fallback.NewRandomSelector(fallback.NewRand(config.RandomSeed)),
		Notifier: notifier,
		Logger:   logger,
	})

	deps := api.Deps{
		Sessions:      a.table,
		Fallback:      a.fallback,
		Personalities: a.catalog,
		Analytics:     session.NewAnalytics(st),
		Cleanup:       a.scheduler,
		Outbox:        a.outbox,
		Logger:        logger,
	}
	if p, isPinger := st.(durable.Pinger); isPinger {
		deps.Storage = p
	}
	a.server = api.New(config.HTTPAddr, deps)

	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (durable.Store, error) {
	switch a.config.StorageBackend {
	case BackendRedis:
		r := durable.NewRedis(a.config.Redis)
		a.closers = append(a.closers, r.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %s", a.config.Redis.Addr,
				observability.Redact(err.Error(), a.config.Redis.Password))
		}
		a.logger.Info("storage ready", "backend", BackendRedis, "addr", a.config.Redis.Addr)
		return r, nil
	case BackendMemory:
		a.logger.Warn("using in-memory storage; sessions and catalog are lost on restart")
		return durable.NewMemory(), nil
	default:
		db, err := store.New(a.config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.logger.Info("storage ready", "backend", BackendSQLite, "path", a.config.DatabasePath)
		return durable.NewSQLite(db.DB()), nil
	}
}

func (a *App) seedCatalog(ctx context.Context) error {
	var root fs.FS
	source := "embedded defaults"
	if a.config.PersonasDir != "" {
		root = os.DirFS(a.config.PersonasDir)
		source = a.config.PersonasDir
	} else {
		root = persona.Defaults()
	}

	bundle, err := persona.LoadDir(root)
	if err != nil {
		return fmt.Errorf("load personas from %s: %w", source, err)
	}
	n, err := a.catalog.Seed(ctx, bundle, false)
	if err != nil {
		return fmt.Errorf("seed personality catalog: %w", err)
	}
	a.logger.Info("personality catalog seeded", "source", source, "templates", len(bundle.IDs()), "written", n)
	return nil
}

func (a *App) buildGenerator() generation.Client {
	var gen generation.Client
	if a.config.LLM.APIKey == "" {
		a.logger.Warn("no LLM API key configured; replies come from the offline demo generator")
		gen = generation.NewDemo()
	} else {
		llm := a.config.LLM
		if llm.Timeout == 0 {
			llm.Timeout = a.config.Session.GenerationTimeout
		}
		gen = generation.NewOpenAI(llm)
		a.logger.Info("LLM backend configured", "base_url", llm.BaseURL, "model_override", llm.Model)
	}

	overrides := generation.Overrides{Model: a.config.LLM.Model}
	if a.config.LLMTemperature > 0 {
		temp := a.config.LLMTemperature
		overrides.Temperature = &temp
	}
	gen = generation.WithOverrides(gen, overrides)

	attempts := a.config.GenerationRetries
	if attempts <= 1 {
		return gen
	}
	rc := retry.DefaultConfig
	rc.MaxAttempts = attempts
	return generation.WithRetry(gen, rc, a.logger)
}

func (a *App) buildNotifier() (audit.Notifier, error) {
	if a.config.AuditRoomID == "" {
		return audit.NewLog(a.logger), nil
	}
	sender, err := audit.NewMatrixSender(a.config.Matrix)
	if err != nil {
		return nil, errors.New(observability.Redact(err.Error(), a.config.Matrix.AccessToken))
	}
	n := audit.NewMatrixNotifier(sender, a.config.AuditRoomID, a.logger)
	a.closers = append(a.closers, func() error {
		n.Close()
		return nil
	})
	a.logger.Info("audit notices enabled", "room", a.config.AuditRoomID)
	return n, nil
}

// Handler returns the HTTP API without starting a listener.
func (a *App) Handler() http.Handler {
	return a.server
}

// Run serves the HTTP API and runs the cleanup scheduler until ctx is
// cancelled or one of them fails. The durable writer outlives both so
// writes made by in-flight requests are flushed before Run returns.
func (a *App) Run(ctx context.Context) error {
	outboxCtx, stopOutbox := context.WithCancel(context.WithoutCancel(ctx))
	defer stopOutbox()
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		_ = a.outbox.Run(outboxCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx) })

	a.logger.Info("aibou started", "addr", a.config.HTTPAddr, "backend", a.config.StorageBackend)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stopOutbox()
	<-outboxDone
	a.logger.Info("aibou stopped", "outbox", a.outbox.Stats())
	return err
}

// Close releases storage and drains the audit notifier. It is safe to call
// more than once.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
