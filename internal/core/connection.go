package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/imnotify/internal/bot"
	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/internal/metrics"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

// ConnectionConfig is the login snapshot a Connection is opened with
type ConnectionConfig struct {
	Hostname       string
	Port           int
	Account        string
	Secret         string
	ExposePresence bool
}

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int

const (
	StateInitializing ConnectionState = iota
	StateLoggedIn
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLoggedIn:
		return "logged_in"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Presence is what other users see of the logged in account
type Presence int

const (
	PresenceAvailable Presence = iota
	PresenceUnavailable
)

func (p Presence) String() string {
	if p == PresenceAvailable {
		return "available"
	}
	return "unavailable"
}

// presenceFor maps the expose_presence switch
func presenceFor(expose bool) Presence {
	if expose {
		return PresenceAvailable
	}
	return PresenceUnavailable
}

// Connection owns the single login session to the IM network.
//
// OpenConnection only issues the login request. The connection completes
// itself when the network reports the login, and closes itself when the
// network reports a logout. Until then Send fails with ErrNotLoggedIn.
type Connection struct {
	cfg      ConnectionConfig
	network  im.Network
	session  im.Session
	resolver *Resolver
	grace    time.Duration
	metrics  *metrics.Metrics

	resolverOpts []ResolverOption
	cache        *ResolutionCache

	mu        sync.Mutex
	state     ConnectionState
	login     im.Login
	messaging im.Messaging

	ready    chan struct{}
	done     chan struct{}
	teardown sync.Once
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithCache shares a resolution cache with the connection's resolver
func WithCache(cache *ResolutionCache) ConnectionOption {
	return func(c *Connection) {
		c.cache = cache
	}
}

// WithResolverOptions configures the connection's resolver
func WithResolverOptions(opts ...ResolverOption) ConnectionOption {
	return func(c *Connection) {
		c.resolverOpts = append(c.resolverOpts, opts...)
	}
}

// WithGrace sets the wait between sending a notification and closing
func WithGrace(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.grace = d
	}
}

// WithConnectionMetrics reports the connection state
func WithConnectionMetrics(m *metrics.Metrics) ConnectionOption {
	return func(c *Connection) {
		c.metrics = m
	}
}

// OpenConnection creates the session and asks the network to log in.
//
// The only error returned is a failure to create the session object.
// Anything that goes wrong later is logged and leaves the connection
// Closed.
func OpenConnection(network im.Network, cfg ConnectionConfig, opts ...ConnectionOption) (*Connection, error) {
	session, err := network.NewSession(constants.SessionName)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s session: %w", network.Kind(), err)
	}

	c := &Connection{
		cfg:     cfg,
		network: network,
		session: session,
		grace:   constants.DefaultDeliveryGrace,
		state:   StateInitializing,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.SetConnectionState(int(StateInitializing))

	log := logger.WithFields(logrus.Fields{
		"network": network.Kind(),
		"host":    cfg.Hostname,
		"port":    cfg.Port,
		"account": cfg.Account,
	})

	if err := session.LoadComponents(); err != nil {
		log.WithField("error", err).Error("failed-to-load-session-components")
		c.close()
		return c, nil
	}
	c.resolver = NewResolver(session.Directory(), c.cache, c.resolverOpts...)

	if err := session.Start(); err != nil {
		log.WithField("error", err).Error("failed-to-start-session")
		c.close()
		return c, nil
	}

	session.AddLoginListener(c)
	if err := session.LoginByPassword(cfg.Hostname, cfg.Port, cfg.Account, cfg.Secret); err != nil {
		log.WithField("error", err).Error("failed-to-request-login")
		c.close()
		return c, nil
	}

	log.WithField("secret", logger.MaskSecret(cfg.Secret)).Info("im-login-requested")
	return c, nil
}

// Config returns the snapshot the connection was opened with
func (c *Connection) Config() ConnectionConfig {
	return c.cfg
}

// Network returns the network kind
func (c *Connection) Network() string {
	return c.network.Kind()
}

// Resolver returns the target resolver bound to this connection's
// directory. It is nil when the session failed to load.
func (c *Connection) Resolver() *Resolver {
	return c.resolver
}

// State returns the current state
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready is closed once the login completed
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed once the connection is Closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// LoggedIn implements im.LoginListener
func (c *Connection) LoggedIn(ev im.LoginEvent) {
	messaging := c.session.Messaging()

	c.mu.Lock()
	if c.state != StateInitializing {
		c.mu.Unlock()
		return
	}
	if messaging == nil {
		c.mu.Unlock()
		logger.WithField("network", c.network.Kind()).Error("logged-in-without-messaging")
		c.close()
		return
	}
	c.login = ev.Login
	c.messaging = messaging
	messaging.RegisterConversationType(im.ChatConversation)
	messaging.OnIncoming(func(conv im.Conversation) {
		logger.WithField("partner", conv.Partner().ID).Debug("incoming-conversation")
		bot.Attach(conv, bot.Idle{})
	})
	c.state = StateLoggedIn
	c.mu.Unlock()

	close(c.ready)
	c.metrics.SetConnectionState(int(StateLoggedIn))
	logger.WithFields(logrus.Fields{
		"network": c.network.Kind(),
		"user":    ev.Login.MyUser().Name,
	}).Info("im-logged-in")

	c.SetPresence(presenceFor(c.cfg.ExposePresence))
}

// LoggedOut implements im.LoginListener. The network logs out on its own
// after a failed login or a dropped connection; either way the session is
// torn down.
func (c *Connection) LoggedOut(ev im.LoginEvent) {
	logger.WithFields(logrus.Fields{
		"network": c.network.Kind(),
		"reason":  im.ReasonText(ev.Reason),
	}).Info("im-logged-out")
	c.close()
}

// SetPresence shows or hides the account. It does nothing before login or
// once the session reports it is no longer logged in.
func (c *Connection) SetPresence(p Presence) {
	c.mu.Lock()
	login := c.login
	state := c.state
	c.mu.Unlock()

	if state != StateLoggedIn || login == nil || !c.session.IsLoggedIn() {
		logger.WithField("presence", p.String()).Debug("presence-ignored-not-logged-in")
		return
	}

	list := im.PrivacyList{Exclude: p == PresenceAvailable}
	if err := login.ChangeMyPrivacy(list); err != nil {
		logger.WithFields(logrus.Fields{
			"presence": p.String(),
			"error":    err,
		}).Warn("failed-to-change-presence")
		return
	}
	logger.WithField("presence", p.String()).Info("presence-changed")
}

// Send starts a notification session that delivers text to target. The
// returned session reports the outcome through its observers and Done.
//
// Only programmer errors are returned: a nil target, a target that did not
// come from a Resolver, or a send before login.
func (c *Connection) Send(target Target, text string, opts ...bot.Option) (*bot.Session, error) {
	rt, err := asResolved(target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	state, messaging := c.state, c.messaging
	c.mu.Unlock()

	if state != StateLoggedIn || messaging == nil || !c.session.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}

	conv := messaging.CreateConversation(rt.User(), im.ChatConversation)
	opts = append([]bot.Option{bot.WithTarget(rt.Lookup())}, opts...)
	s := bot.New(conv, bot.Notification{Message: text, Grace: c.grace}, opts...)
	if err := s.Start(); err != nil {
		logger.WithFields(logrus.Fields{
			"target": rt.Lookup(),
			"error":  err,
		}).Warn("failed-to-start-notification-session")
	}
	return s, nil
}

// Close logs out and releases the session. Closing twice is harmless.
func (c *Connection) Close() {
	if c.State() != StateClosed {
		c.session.Logout()
	}
	c.close()
}

func (c *Connection) close() {
	c.teardown.Do(func() {
		c.session.Stop()
		c.session.Unload()
		if c.resolver != nil {
			c.resolver.Close()
		}

		c.mu.Lock()
		c.state = StateClosed
		c.login = nil
		c.messaging = nil
		c.mu.Unlock()

		close(c.done)
		c.metrics.SetConnectionState(int(StateClosed))
		logger.WithField("network", c.network.Kind()).Info("im-connection-closed")
	})
}
