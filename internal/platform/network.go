package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

// Network implements im.Network on top of a Dialer
type Network struct {
	kind string
	dial Dialer

	mu       sync.Mutex
	sessions map[string]struct{}
}

// NewNetwork creates a network whose sessions log in through dial
func NewNetwork(kind string, dial Dialer) *Network {
	return &Network{
		kind:     kind,
		dial:     dial,
		sessions: make(map[string]struct{}),
	}
}

// Kind returns the platform name
func (n *Network) Kind() string {
	return n.kind
}

// NewSession creates a named session. Names are unique until the session
// is unloaded.
func (n *Network) NewSession(name string) (im.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.sessions[name]; exists {
		return nil, fmt.Errorf("%w: %s", im.ErrDuplicateSession, name)
	}
	n.sessions[name] = struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		network: n,
		name:    name,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan func(), constants.EventQueueSize),
	}, nil
}

func (n *Network) release(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, name)
}

// session implements im.Session. Login events are dispatched in order on
// one goroutine; directory and conversation events fire on their own.
type session struct {
	network *Network
	name    string

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()

	mu        sync.RWMutex
	loaded    bool
	started   bool
	running   bool
	unloaded  bool
	loggedIn  bool
	client    Client
	self      im.User
	listeners []im.LoginListener
	directory *directory
	messaging *messaging
}

func (s *session) Name() string {
	return s.name
}

func (s *session) LoadComponents() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unloaded {
		return im.ErrSessionUnloaded
	}
	if !s.loaded {
		s.directory = &directory{s: s, timeout: constants.DirectoryLookupTimeout}
		s.loaded = true
	}
	return nil
}

func (s *session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unloaded {
		return im.ErrSessionUnloaded
	}
	if !s.loaded {
		return errors.New("components not loaded")
	}
	s.started = true
	if !s.running {
		s.running = true
		go s.run()
	}
	return nil
}

func (s *session) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) dispatch(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

func (s *session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

func (s *session) Unload() {
	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return
	}
	s.unloaded = true
	s.loggedIn = false
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		if err := client.Disconnect(); err != nil {
			logger.WithFields(logrus.Fields{
				"session": s.name,
				"error":   err,
			}).Warn("platform-disconnect-on-unload-failed")
		}
	}

	s.cancel()
	s.network.release(s.name)
}

func (s *session) AddLoginListener(l im.LoginListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *session) LoginByPassword(host string, port int, account, secret string) error {
	s.mu.RLock()
	started, unloaded := s.started, s.unloaded
	s.mu.RUnlock()

	if unloaded {
		return im.ErrSessionUnloaded
	}
	if !started {
		return errors.New("session not started")
	}

	go s.login(Credentials{Host: host, Port: port, Account: account, Secret: secret})
	return nil
}

func (s *session) login(cred Credentials) {
	log := logger.WithFields(logrus.Fields{
		"network": s.network.kind,
		"session": s.name,
		"host":    cred.Host,
		"account": cred.Account,
	})

	client, err := s.network.dial(cred)
	if err != nil {
		log.WithField("error", err).Error("platform-dial-failed")
		s.fireLoggedOut(im.ReasonLoginFailed)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, constants.DefaultConnectTimeout)
	defer cancel()

	self, err := client.Connect(ctx, s)
	if err != nil {
		log.WithField("error", err).Error("platform-login-failed")
		s.fireLoggedOut(im.ReasonLoginFailed)
		return
	}

	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		_ = client.Disconnect()
		return
	}
	s.client = client
	s.self = self
	s.loggedIn = true
	s.messaging = newMessaging(s)
	s.mu.Unlock()

	log.WithField("user", self.Name).Info("platform-logged-in")

	ev := im.LoginEvent{Login: &login{s: s, self: self}, Reason: im.ReasonNormal}
	s.dispatch(func() {
		for _, l := range s.loginListeners() {
			l.LoggedIn(ev)
		}
	})
}

func (s *session) fireLoggedOut(reason int) {
	ev := im.LoginEvent{Reason: reason}
	s.dispatch(func() {
		for _, l := range s.loginListeners() {
			l.LoggedOut(ev)
		}
	})
}

func (s *session) loginListeners() []im.LoginListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]im.LoginListener(nil), s.listeners...)
}

func (s *session) Logout() {
	s.mu.Lock()
	client := s.client
	wasLoggedIn := s.loggedIn
	s.client = nil
	s.loggedIn = false
	s.mu.Unlock()

	if client != nil {
		if err := client.Disconnect(); err != nil {
			logger.WithFields(logrus.Fields{
				"session": s.name,
				"error":   err,
			}).Warn("platform-logout-failed")
		}
	}
	if wasLoggedIn {
		s.fireLoggedOut(im.ReasonNormal)
	}
}

func (s *session) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

func (s *session) Directory() im.Directory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.directory == nil {
		return nil
	}
	return s.directory
}

func (s *session) Messaging() im.Messaging {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.messaging == nil || !s.loggedIn {
		return nil
	}
	return s.messaging
}

// activeClient returns the client while the session is logged in
func (s *session) activeClient() (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loggedIn || s.client == nil {
		return nil, false
	}
	return s.client, true
}

func (s *session) isUnloaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unloaded
}

// Disconnected implements Events
func (s *session) Disconnected(err error) {
	s.mu.Lock()
	if !s.loggedIn {
		s.mu.Unlock()
		return
	}
	s.loggedIn = false
	client := s.client
	s.client = nil
	s.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"network": s.network.kind,
		"session": s.name,
		"error":   err,
	}).Warn("platform-connection-lost")

	if client != nil {
		_ = client.Disconnect()
	}
	s.fireLoggedOut(im.ReasonServerDisconnect)
}

// Received implements Events
func (s *session) Received(msg Inbound) {
	s.mu.RLock()
	m := s.messaging
	s.mu.RUnlock()

	if m == nil {
		return
	}
	m.deliver(msg)
}

// login implements im.Login
type login struct {
	s    *session
	self im.User
}

func (l *login) MyUser() im.User {
	return l.self
}

func (l *login) ChangeMyPrivacy(list im.PrivacyList) error {
	client, ok := l.s.activeClient()
	if !ok {
		return im.ErrNotLoggedIn
	}

	ctx, cancel := context.WithTimeout(l.s.ctx, constants.DefaultConnectTimeout)
	defer cancel()
	return client.SetVisible(ctx, list.VisibleToAll())
}
