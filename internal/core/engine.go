package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/keepmind9/imnotify/internal/journal"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/internal/metrics"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

// JournalOpener opens the delivery journal behind a DSN
type JournalOpener func(ctx context.Context, dsn string) (journal.Recorder, error)

func openPostgresJournal(ctx context.Context, dsn string) (journal.Recorder, error) {
	store, err := journal.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Engine owns the connection provider, the notifier, the delivery journal
// and the hook server
type Engine struct {
	mu     sync.RWMutex
	config *Config

	provider    *Provider
	notifier    *Notifier
	metrics     *metrics.Metrics
	journal     journal.Recorder
	openJournal JournalOpener
	factory     NetworkFactory

	hookServer *http.Server
	pending    sync.WaitGroup // notifications accepted by the hook server
	ctx        context.Context
	cancel     context.CancelFunc
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithNetworkFactory replaces the platform networks
func WithNetworkFactory(f NetworkFactory) EngineOption {
	return func(e *Engine) {
		e.factory = f
	}
}

// WithJournal uses recorder instead of opening journal.dsn
func WithJournal(recorder journal.Recorder) EngineOption {
	return func(e *Engine) {
		e.journal = recorder
	}
}

// WithJournalOpener replaces how journal.dsn is opened
func WithJournalOpener(open JournalOpener) EngineOption {
	return func(e *Engine) {
		e.openJournal = open
	}
}

// WithMetrics uses m instead of a fresh metrics set
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an Engine. Nothing connects until Start.
func NewEngine(config *Config, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:      config,
		openJournal: openPostgresJournal,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.provider = NewProvider(e.factory, e.metrics)
	return e
}

// Provider returns the connection provider
func (e *Engine) Provider() *Provider {
	return e.provider
}

// Metrics returns the engine's metrics
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Config returns the active configuration
func (e *Engine) Config() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Start opens the journal and the IM connection. A connection that cannot
// be created is logged; the provider tries again on the next notification.
func (e *Engine) Start(ctx context.Context) error {
	config := e.Config()

	if e.journal == nil {
		if config.Journal.DSN != "" {
			recorder, err := e.openJournal(ctx, config.Journal.DSN)
			if err != nil {
				return fmt.Errorf("failed to open delivery journal: %w", err)
			}
			e.journal = recorder
			logger.Info("delivery-journal-opened")
		} else {
			e.journal = journal.Nop{}
		}
	}
	e.mu.Lock()
	e.notifier = NewNotifier(e.provider, e.journal, e.metrics)
	e.mu.Unlock()

	if _, err := e.provider.CreateConnection(config); err != nil {
		logger.WithField("error", err).Error("initial-im-connection-failed")
	}
	return nil
}

// Run starts the engine and the hook server, then blocks until ctx ends
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("starting-imnotify-engine")

	if err := e.Start(ctx); err != nil {
		return err
	}

	server := e.newHookServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- serveHook(server)
	}()

	select {
	case <-ctx.Done():
		logger.Info("engine-run-context-done")
		return nil
	case err := <-errCh:
		return err
	}
}

// Notify accepts a build event and delivers it in the background. It
// returns the notification id used in logs and the journal.
func (e *Engine) Notify(targets []string, message string) string {
	id := uuid.NewString()
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		e.Deliver(e.ctx, id, targets, message)
	}()
	return id
}

// Deliver resolves the targets and starts their notification sessions
func (e *Engine) Deliver(ctx context.Context, id string, targets []string, message string) *Delivery {
	e.mu.Lock()
	if e.notifier == nil {
		e.notifier = NewNotifier(e.provider, e.journal, e.metrics)
	}
	n := e.notifier
	e.mu.Unlock()

	return n.Notify(ctx, id, targets, message)
}

// Reload replaces the configuration and reconnects with it
func (e *Engine) Reload(config *Config) error {
	e.mu.Lock()
	e.config = config
	e.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"network": config.IM.Network,
		"host":    config.IM.Hostname,
	}).Info("reloading-im-connection")

	if _, err := e.provider.CreateConnection(config); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	return nil
}

// Status describes the engine for the status endpoint
type Status struct {
	Network       string          `json:"network"`
	Enabled       bool            `json:"enabled"`
	Hostname      string          `json:"hostname,omitempty"`
	Account       string          `json:"account,omitempty"`
	State         string          `json:"state"`
	CachedTargets int             `json:"cached_targets"`
	Recent        []journal.Entry `json:"recent,omitempty"`
}

// Status reports the connection and, when recent > 0, the newest journal
// entries
func (e *Engine) Status(ctx context.Context, recent int) (Status, error) {
	config := e.Config()
	st := Status{
		Network:       config.IM.Network,
		Enabled:       config.Enabled(),
		Hostname:      config.IM.Hostname,
		Account:       config.IM.Account,
		State:         "disabled",
		CachedTargets: e.provider.Cache().Len(),
	}

	if st.Enabled {
		st.State = StateClosed.String()
		if conn := e.provider.current(); conn != nil {
			st.State = conn.State().String()
		}
	}

	if recent > 0 && e.journal != nil {
		entries, err := e.journal.Recent(ctx, recent)
		if err != nil {
			return st, fmt.Errorf("failed to read journal: %w", err)
		}
		st.Recent = entries
	}
	return st, nil
}

// Stop shuts the hook server down, waits for accepted notifications,
// releases the connection and closes the journal
func (e *Engine) Stop() error {
	logger.Info("stopping-imnotify-engine")

	e.mu.Lock()
	server := e.hookServer
	e.mu.Unlock()

	if server != nil {
		logger.Info("stopping-hook-server")
		ctx, cancel := context.WithTimeout(context.Background(), constants.HookShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorf("failed-to-gracefully-stop-hook-server: %v", err)
			_ = server.Close()
		} else {
			logger.Info("hook-server-stopped-gracefully")
		}
	}

	e.pending.Wait()
	e.cancel()
	e.provider.ReleaseConnection()

	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			logger.WithField("error", err).Warn("failed-to-close-delivery-journal")
		}
	}

	logger.Info("engine-stopped")
	return nil
}
