package core

import (
	"fmt"
	"sync"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/internal/metrics"
	"github.com/keepmind9/imnotify/internal/platform"
	"github.com/sirupsen/logrus"
)

// NetworkFactory returns the network for a configured kind
type NetworkFactory func(kind string) (im.Network, error)

// DefaultNetworkFactory builds the platform networks
func DefaultNetworkFactory(kind string) (im.Network, error) {
	n, err := platform.New(kind)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Provider holds at most one Connection and creates, replaces and releases
// it. All three operations run under one lock, so they are totally ordered.
type Provider struct {
	factory NetworkFactory
	metrics *metrics.Metrics
	cache   *ResolutionCache

	mu       sync.Mutex
	networks map[string]im.Network
	config   *Config
	conn     *Connection
}

// NewProvider creates a provider without a connection
func NewProvider(factory NetworkFactory, m *metrics.Metrics) *Provider {
	if factory == nil {
		factory = DefaultNetworkFactory
	}
	return &Provider{
		factory:  factory,
		metrics:  m,
		cache:    NewResolutionCache(),
		networks: make(map[string]im.Network),
	}
}

// Cache returns the resolution cache shared by the provider's connections
func (p *Provider) Cache() *ResolutionCache {
	return p.cache
}

// CreateConnection releases the current connection and opens a new one
// from config. It returns nil without error when config leaves the
// hostname empty.
func (p *Provider) CreateConnection(config *Config) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked()
	if p.config != nil && identityChanged(p.config.IM, config.IM) {
		p.cache.Clear()
		logger.Debug("resolution-cache-cleared")
	}
	p.config = config
	return p.createLocked()
}

// CurrentConnection returns the open connection, creating one from the last
// configuration when there is none or the previous one closed.
func (p *Provider) CurrentConnection() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		if p.conn.State() != StateClosed {
			return p.conn, nil
		}
		logger.WithField("network", p.conn.Network()).Info("recreating-closed-im-connection")
		p.conn = nil
	}
	if p.config == nil {
		return nil, nil
	}
	return p.createLocked()
}

// ReleaseConnection closes and forgets the connection, if any
func (p *Provider) ReleaseConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
}

func (p *Provider) releaseLocked() {
	if p.conn == nil {
		return
	}
	logger.WithField("network", p.conn.Network()).Info("releasing-im-connection")
	p.conn.Close()
	p.conn = nil
}

func (p *Provider) createLocked() (*Connection, error) {
	cfg := p.config
	if !cfg.Enabled() {
		logger.WithField("network", cfg.IM.Network).Info("im-connection-disabled")
		p.metrics.SetConnectionState(-1)
		return nil, nil
	}

	network, err := p.network(cfg.IM.Network)
	if err != nil {
		return nil, err
	}

	conn, err := OpenConnection(network, cfg.IM.ConnectionConfig(),
		WithCache(p.cache),
		WithGrace(cfg.Delivery.GraceDuration()),
		WithConnectionMetrics(p.metrics),
		WithResolverOptions(
			WithResolveTimeout(cfg.Resolver.TimeoutDuration()),
			WithRetryAfter(cfg.Resolver.RetryAfterDuration()),
			WithResolverMetrics(p.metrics),
		),
	)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"network": cfg.IM.Network,
			"host":    cfg.IM.Hostname,
			"error":   err,
		}).Error("failed-to-create-im-connection")
		return nil, err
	}

	conn.SetPresence(presenceFor(cfg.IM.ExposePresence))
	p.conn = conn
	return conn, nil
}

// network returns the cached network of a kind. Session names are unique
// per network, so the same instance is reused across reconnects.
func (p *Provider) network(kind string) (im.Network, error) {
	if n, ok := p.networks[kind]; ok {
		return n, nil
	}
	n, err := p.factory(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	p.networks[kind] = n
	return n, nil
}

// identityChanged reports whether lookups made under a may name different
// users under b
func identityChanged(a, b IMConfig) bool {
	return a.Network != b.Network || a.Hostname != b.Hostname || a.Account != b.Account
}

// current returns the connection without creating one
func (p *Provider) current() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}
