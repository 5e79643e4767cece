package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/sirupsen/logrus"
)

// Delivery is a message accepted by the loopback network
type Delivery struct {
	Channel string
	To      im.User
	Text    string
}

// Loopback is an in-memory Client. It keeps a scripted directory and
// records everything sent through it, which makes it the network used for
// dry runs and for tests of the layers above.
type Loopback struct {
	mu sync.Mutex

	autoDirectory bool
	directory     map[string][]im.User
	silent        map[string]bool
	offline       map[string]bool
	connectErr    error
	gate          chan struct{}

	account   string
	events    Events
	connected bool

	connects    int
	disconnects int
	lookups     map[string]int
	visibility  []bool
	opened      []im.User
	channels    map[string]im.User
	sent        []Delivery
}

// NewLoopback creates an empty loopback network
func NewLoopback() *Loopback {
	return &Loopback{
		directory: make(map[string][]im.User),
		silent:    make(map[string]bool),
		offline:   make(map[string]bool),
		lookups:   make(map[string]int),
		channels:  make(map[string]im.User),
	}
}

// DialLoopback is the Dialer behind `network: loopback`. Every name resolves
// to a user of the same id.
func DialLoopback(cred Credentials) (Client, error) {
	l := NewLoopback()
	l.SetAutoDirectory(true)
	l.account = cred.Account
	return l, nil
}

// Dialer returns a Dialer that always hands out l
func (l *Loopback) Dialer() Dialer {
	return func(cred Credentials) (Client, error) {
		l.mu.Lock()
		l.account = cred.Account
		l.mu.Unlock()
		return l, nil
	}
}

// SetAutoDirectory makes unknown names resolve to a user with that id
func (l *Loopback) SetAutoDirectory(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoDirectory = enabled
}

// AddUser registers directory entries for name. More than one user makes
// the name ambiguous.
func (l *Loopback) AddUser(name string, users ...im.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.directory[name] = append(l.directory[name], users...)
}

// SetSilent makes lookups of name block until the session goes away
func (l *Loopback) SetSilent(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.silent[name] = true
}

// SetOffline makes opening a conversation with the user fail
func (l *Loopback) SetOffline(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline[userID] = true
}

// FailConnect makes the next logins fail with err
func (l *Loopback) FailConnect(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectErr = err
}

// HoldLogin makes Connect block until ReleaseLogin is called
func (l *Loopback) HoldLogin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gate == nil {
		l.gate = make(chan struct{})
	}
}

// ReleaseLogin lets held logins complete
func (l *Loopback) ReleaseLogin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gate != nil {
		close(l.gate)
		l.gate = nil
	}
}

func (l *Loopback) Connect(ctx context.Context, events Events) (im.User, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return im.User{}, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connectErr != nil {
		return im.User{}, l.connectErr
	}
	l.events = events
	l.connected = true
	l.connects++
	return im.User{ID: "loopback:" + l.account, Name: l.account}, nil
}

func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		l.connected = false
		l.disconnects++
	}
	return nil
}

func (l *Loopback) SetVisible(ctx context.Context, visible bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visibility = append(l.visibility, visible)
	return nil
}

func (l *Loopback) Lookup(ctx context.Context, name string) ([]im.User, error) {
	l.mu.Lock()
	l.lookups[name]++
	if l.silent[name] {
		l.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	users := append([]im.User(nil), l.directory[name]...)
	if len(users) == 0 && l.autoDirectory {
		users = []im.User{{ID: name, Name: name}}
	}
	l.mu.Unlock()

	if len(users) == 0 {
		return nil, fmt.Errorf("no directory entry for %q", name)
	}
	return users, nil
}

func (l *Loopback) OpenDirect(ctx context.Context, user im.User) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.offline[user.ID] {
		return "", fmt.Errorf("user %s is offline", user.ID)
	}
	l.opened = append(l.opened, user)
	channel := fmt.Sprintf("dm-%d", len(l.opened))
	l.channels[channel] = user
	return channel, nil
}

func (l *Loopback) SendText(ctx context.Context, channel, text string) error {
	l.mu.Lock()
	to, ok := l.channels[channel]
	if ok {
		l.sent = append(l.sent, Delivery{Channel: channel, To: to, Text: text})
	}
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown channel %s", channel)
	}

	logger.WithFields(logrus.Fields{
		"channel": channel,
		"to":      to.ID,
		"length":  len(text),
	}).Info("loopback-message-delivered")
	return nil
}

// Deliver simulates an inbound direct message from a remote user
func (l *Loopback) Deliver(from im.User, channel, text string) {
	l.mu.Lock()
	events := l.events
	if _, ok := l.channels[channel]; !ok {
		l.channels[channel] = from
	}
	l.mu.Unlock()

	if events != nil {
		events.Received(Inbound{From: from, Channel: channel, Text: text})
	}
}

// DropConnection simulates the server ending the session
func (l *Loopback) DropConnection(err error) {
	l.mu.Lock()
	events := l.events
	l.connected = false
	l.mu.Unlock()

	if events != nil {
		events.Disconnected(err)
	}
}

// Connects returns the number of completed logins
func (l *Loopback) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

// Disconnects returns the number of local logouts
func (l *Loopback) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// Lookups returns how often name was looked up
func (l *Loopback) Lookups(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookups[name]
}

// Visibility returns every visibility change in order
func (l *Loopback) Visibility() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.visibility...)
}

// Opened returns the partners of every opened direct channel
func (l *Loopback) Opened() []im.User {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]im.User(nil), l.opened...)
}

// Sent returns every delivered message
func (l *Loopback) Sent() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Delivery(nil), l.sent...)
}
