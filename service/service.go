// Package service assembles and supervises the monitoring service:
// the NATS client, Postgres store, latest-reading cache, broadcaster,
// ingest pipeline, telemetry listener, live stream, and query API.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirineelayeb/ai-robot-health-monitoring/component"
	"github.com/sirineelayeb/ai-robot-health-monitoring/config"
	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/fanout"
	"github.com/sirineelayeb/ai-robot-health-monitoring/listener"
	"github.com/sirineelayeb/ai-robot-health-monitoring/metric"
	"github.com/sirineelayeb/ai-robot-health-monitoring/natsclient"
	"github.com/sirineelayeb/ai-robot-health-monitoring/pipeline"
	"github.com/sirineelayeb/ai-robot-health-monitoring/pkg/retry"
	"github.com/sirineelayeb/ai-robot-health-monitoring/query"
	"github.com/sirineelayeb/ai-robot-health-monitoring/scorer"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store/kvlatest"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store/postgres"
	"github.com/sirineelayeb/ai-robot-health-monitoring/websocket"
)

// storeFactory builds the persistence layer. Swappable in tests.
type storeFactory func(ctx context.Context, dsn string) (store.Store, error)

// Monitor owns the full component set and runs it until the context
// is cancelled or a component fails fatally.
type Monitor struct {
	safe     *config.SafeConfig
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	natsClient *natsclient.Client
	dataStore  store.Store
	cache      *kvlatest.Cache
	listener   *listener.Listener

	components []*component.ManagedComponent
	watcher    *config.Watcher
	newStore   storeFactory

	fatalOnce sync.Once
	fatal     chan error

	mu sync.Mutex
}

// Option adjusts Monitor construction.
type Option func(*Monitor)

// WithStoreFactory overrides the Postgres store constructor.
func WithStoreFactory(factory storeFactory) Option {
	return func(m *Monitor) { m.newStore = factory }
}

// New validates the configuration and prepares the monitor. No
// external connection is made until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "service.Monitor", "New", "validate config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		safe:     config.NewSafeConfig(cfg),
		logger:   logger.With("component", "monitor"),
		registry: metric.NewMetricsRegistry(),
		fatal:    make(chan error, 1),
		newStore: func(ctx context.Context, dsn string) (store.Store, error) {
			return postgres.New(ctx, dsn)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MetricsRegistry exposes the shared registry, mainly for tests.
func (m *Monitor) MetricsRegistry() *metric.MetricsRegistry {
	return m.registry
}

// Run builds the component graph, starts everything in dependency
// order, and blocks until shutdown. The returned error is nil on a
// clean context-cancelled shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	cfg := m.safe.Get()

	if err := m.connect(ctx, cfg); err != nil {
		return err
	}
	if err := m.buildComponents(ctx, cfg); err != nil {
		m.teardown(cfg.Server.DrainTimeout.Std())
		return err
	}
	if err := m.startComponents(ctx); err != nil {
		m.teardown(cfg.Server.DrainTimeout.Std())
		return err
	}

	m.logger.Info("service started",
		"ingest_subject", cfg.Ingest.Subject,
		"http_addr", cfg.Server.HTTPAddr,
		"websocket_addr", cfg.Server.WebSocketAddr,
	)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-m.fatal:
			return err
		case <-runCtx.Done():
			return nil
		}
	})
	err := g.Wait()

	m.logger.Info("shutting down", "drain_timeout", cfg.Server.DrainTimeout.Std())
	m.teardown(cfg.Server.DrainTimeout.Std())

	if err != nil {
		return errors.Wrap(err, "service.Monitor", "Run", "component failed")
	}
	return nil
}

// connect establishes the NATS connection with the configured
// reconnect policy. Reconnect state is forwarded to the listener,
// which does not exist yet; the callbacks read it under lock.
func (m *Monitor) connect(ctx context.Context, cfg *config.Config) error {
	opts := []natsclient.ClientOption{
		natsclient.WithName("robotmonitor"),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithMetrics(m.registry),
		natsclient.WithReconnectCallback(func() {
			if l := m.currentListener(); l != nil {
				l.HandleReconnected()
			}
		}),
		natsclient.WithConnectionLostCallback(func(err error) {
			if l := m.currentListener(); l != nil {
				l.HandleConnectionLost(err)
				return
			}
			m.reportFatal(err)
		}),
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	} else if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithUserInfo(cfg.NATS.Username, cfg.NATS.Password))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return err
	}
	// The broker may still be coming up alongside us.
	if err := retry.Do(ctx, retry.Startup(), func() error {
		return client.Connect(ctx)
	}); err != nil {
		return errors.WrapFatal(err, "service.Monitor", "connect",
			fmt.Sprintf("connect to NATS at %s", cfg.NATS.URL))
	}
	m.natsClient = client
	return nil
}

func (m *Monitor) currentListener() *listener.Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

func (m *Monitor) buildComponents(ctx context.Context, cfg *config.Config) error {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Store.ConnectTimeout.Std())
	defer cancel()
	var dataStore store.Store
	err := retry.Do(connectCtx, retry.Startup(), func() error {
		var storeErr error
		dataStore, storeErr = m.newStore(connectCtx, cfg.Store.PostgresDSN)
		return storeErr
	})
	if err != nil {
		return err
	}
	m.dataStore = dataStore

	cache, err := kvlatest.New(ctx, m.natsClient, cfg.Store.LatestBucket)
	if err != nil {
		// The cache is an optimization; the query API falls back to
		// the store when it is absent.
		m.logger.Warn("latest-reading cache unavailable", "error", err)
	} else {
		m.cache = cache
	}

	broadcaster, err := fanout.NewBroadcaster(m.natsClient, fanout.Config{
		GlobalSubject:      cfg.Fanout.GlobalSubject,
		RobotSubjectPrefix: cfg.Fanout.RobotSubjectPrefix,
		AlertSubject:       cfg.Fanout.AlertSubject,
		ErrorSubject:       cfg.Fanout.ErrorSubject,
		ErrorRatePerSec:    cfg.Fanout.ErrorRatePerSec,
		ErrorBurst:         cfg.Fanout.ErrorBurst,
	}, m.logger, m.registry.CoreMetrics())
	if err != nil {
		return err
	}

	var anomalyScorer scorer.Scorer = scorer.Noop{}
	if cfg.Scorer.Command != "" {
		anomalyScorer, err = scorer.NewCommandScorer(cfg.Scorer.Command, cfg.Scorer.Args,
			scorer.WithTimeout(cfg.Scorer.Timeout.Std()),
			scorer.WithLogger(m.logger),
		)
		if err != nil {
			return err
		}
	}

	pipelineDeps := pipeline.Deps{
		Store:       dataStore,
		Broadcaster: broadcaster,
		Thresholds:  m.safe.Thresholds,
		Scorer:      anomalyScorer,
		Logger:      m.logger,
		Metrics:     m.registry.CoreMetrics(),
	}
	if m.cache != nil {
		pipelineDeps.Cache = m.cache
	}
	ingest, err := pipeline.New(pipelineDeps)
	if err != nil {
		return err
	}

	input, err := listener.New(listener.Deps{
		Subject:         cfg.Ingest.Subject,
		NATSClient:      m.natsClient,
		Ingestor:        ingest,
		MetricsRegistry: m.registry,
		Logger:          m.logger,
		OnFatal:         m.reportFatal,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listener = input
	m.mu.Unlock()

	stream, err := websocket.New(websocket.Deps{
		Addr:            cfg.Server.WebSocketAddr,
		Subjects:        streamSubjects(cfg.Fanout),
		NATSClient:      m.natsClient,
		MetricsRegistry: m.registry,
		Logger:          m.logger,
	})
	if err != nil {
		return err
	}

	queryDeps := query.Deps{
		Addr:            cfg.Server.HTTPAddr,
		Store:           dataStore,
		MetricsRegistry: m.registry,
		Logger:          m.logger,
		RetentionDays:   cfg.Store.RetentionDays,
	}
	if m.cache != nil {
		queryDeps.Cache = m.cache
	}
	api, err := query.New(queryDeps)
	if err != nil {
		return err
	}

	// Start order: outward surfaces first so clients can attach, the
	// listener last so no reading arrives before its consumers exist.
	for _, c := range []component.LifecycleComponent{api, stream, input} {
		m.components = append(m.components, &component.ManagedComponent{Component: c})
	}
	return nil
}

// streamSubjects lists every configured fanout subject for the live
// stream. Subjects are exact so configs that place alerts or errors
// outside the robot prefix still reach subscribers, and deduplicated
// so overlapping configs do not deliver twice.
func streamSubjects(cfg config.FanoutConfig) []string {
	candidates := []string{
		cfg.GlobalSubject,
		cfg.RobotSubjectPrefix + "*",
		cfg.AlertSubject,
		cfg.ErrorSubject,
	}
	seen := make(map[string]struct{}, len(candidates))
	subjects := make([]string, 0, len(candidates))
	for _, s := range candidates {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		subjects = append(subjects, s)
	}
	return subjects
}

func (m *Monitor) startComponents(ctx context.Context) error {
	for i, managed := range m.components {
		name := managed.Component.Meta().Name

		if err := managed.Component.Initialize(); err != nil {
			managed.State = component.StateFailed
			managed.LastError = err
			return errors.Wrap(err, "service.Monitor", "startComponents",
				fmt.Sprintf("initialize %s", name))
		}
		managed.State = component.StateInitialized

		managed.Context, managed.Cancel = context.WithCancel(ctx)
		if err := managed.Component.Start(managed.Context); err != nil {
			managed.State = component.StateFailed
			managed.LastError = err
			return errors.Wrap(err, "service.Monitor", "startComponents",
				fmt.Sprintf("start %s", name))
		}
		managed.State = component.StateStarted
		managed.StartOrder = i
		m.logger.Info("component started", "name", name)
	}
	return nil
}

// teardown stops components in reverse start order, then the config
// watcher, cache-side connections, the store, and the NATS client.
func (m *Monitor) teardown(timeout time.Duration) {
	for i := len(m.components) - 1; i >= 0; i-- {
		managed := m.components[i]
		if managed.State != component.StateStarted {
			continue
		}
		name := managed.Component.Meta().Name
		if err := managed.Component.Stop(timeout); err != nil {
			m.logger.Error("component stop failed", "name", name, "error", err)
			managed.LastError = err
		}
		if managed.Cancel != nil {
			managed.Cancel()
		}
		managed.State = component.StateStopped
		m.logger.Debug("component stopped", "name", name)
	}
	m.components = nil

	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Warn("config watcher stop failed", "error", err)
		}
		m.watcher = nil
	}
	if m.dataStore != nil {
		m.dataStore.Close()
		m.dataStore = nil
	}
	if m.natsClient != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := m.natsClient.Close(closeCtx); err != nil {
			m.logger.Warn("NATS close failed", "error", err)
		}
		cancel()
		m.natsClient = nil
	}
}

// WatchConfig reloads the file on change. Threshold updates apply to
// the next reading through the pipeline's threshold source; other
// sections require a restart and are logged as pending.
func (m *Monitor) WatchConfig(ctx context.Context, path string) error {
	watcher, err := config.NewWatcher(path, m.safe, m.logger, func(*config.Config) {
		m.logger.Info("configuration reloaded",
			"thresholds_applied", true,
			"restart_required_for", "nats, store, server",
		)
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	m.watcher = watcher
	return nil
}

// Healthy reports whether every started component is healthy and
// records each component's status on the health gauge.
func (m *Monitor) Healthy() bool {
	healthy := true
	for _, managed := range m.components {
		if managed.State != component.StateStarted {
			continue
		}
		status := managed.Component.Health()
		m.registry.CoreMetrics().RecordHealthStatus(managed.Component.Meta().Name, status.Healthy)
		if !status.Healthy {
			healthy = false
		}
	}
	return healthy
}

func (m *Monitor) reportFatal(err error) {
	m.fatalOnce.Do(func() {
		m.fatal <- err
	})
}
