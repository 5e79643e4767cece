package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

var errConversationNotOpen = errors.New("conversation not open")

// messaging implements im.Messaging for a logged in session
type messaging struct {
	s *session

	mu        sync.Mutex
	types     map[im.ConversationType]bool
	incoming  func(im.Conversation)
	byChannel map[string]*conversation
}

func newMessaging(s *session) *messaging {
	return &messaging{
		s:         s,
		types:     make(map[im.ConversationType]bool),
		byChannel: make(map[string]*conversation),
	}
}

func (m *messaging) RegisterConversationType(t im.ConversationType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[t] = true
}

func (m *messaging) registered(t im.ConversationType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types[t]
}

func (m *messaging) CreateConversation(partner im.User, t im.ConversationType) im.Conversation {
	return &conversation{m: m, partner: partner, ctype: t}
}

func (m *messaging) OnIncoming(handler func(im.Conversation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = handler
}

// deliver routes an inbound message to the conversation bound to its
// channel, creating an already open conversation for unknown channels
func (m *messaging) deliver(msg Inbound) {
	m.mu.Lock()
	if !m.types[im.ChatConversation] {
		m.mu.Unlock()
		logger.WithField("channel", msg.Channel).Debug("inbound-message-ignored-chat-not-registered")
		return
	}
	c, known := m.byChannel[msg.Channel]
	if !known {
		c = &conversation{
			m:       m,
			partner: msg.From,
			ctype:   im.ChatConversation,
			state:   convOpen,
			channel: msg.Channel,
		}
		m.byChannel[msg.Channel] = c
	}
	handler := m.incoming
	m.mu.Unlock()

	if !known && handler != nil {
		handler(c)
	}
	c.notify(func(l im.ConversationListener) {
		l.TextReceived(im.ConversationEvent{Conversation: c, Text: msg.Text})
	})
}

func (m *messaging) track(channel string, c *conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byChannel[channel] = c
}

func (m *messaging) untrack(channel string, c *conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byChannel[channel] == c {
		delete(m.byChannel, channel)
	}
}

type convState int

const (
	convIdle convState = iota
	convOpening
	convOpen
	convClosed
)

// conversation implements im.Conversation over a platform direct channel
type conversation struct {
	m       *messaging
	partner im.User
	ctype   im.ConversationType

	mu        sync.Mutex
	state     convState
	channel   string
	listeners []im.ConversationListener
}

func (c *conversation) Partner() im.User {
	return c.partner
}

func (c *conversation) AddListener(l im.ConversationListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *conversation) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != convIdle {
		return errors.New("conversation already opened")
	}
	c.state = convOpening
	go c.open()
	return nil
}

func (c *conversation) open() {
	client, ok := c.m.s.activeClient()
	if !ok || !c.m.registered(c.ctype) {
		c.openFailed(im.ReasonNotLoggedIn)
		return
	}

	ctx, cancel := context.WithTimeout(c.m.s.ctx, constants.DefaultConnectTimeout)
	defer cancel()

	channel, err := client.OpenDirect(ctx, c.partner)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"partner": c.partner.ID,
			"error":   err,
		}).Debug("platform-open-direct-failed")
		c.openFailed(im.ReasonUserOffline)
		return
	}

	c.mu.Lock()
	if c.state != convOpening {
		c.mu.Unlock()
		return
	}
	c.state = convOpen
	c.channel = channel
	c.mu.Unlock()

	c.m.track(channel, c)
	c.notify(func(l im.ConversationListener) {
		l.Opened(im.ConversationEvent{Conversation: c})
	})
}

func (c *conversation) openFailed(reason int) {
	c.mu.Lock()
	if c.state != convOpening {
		c.mu.Unlock()
		return
	}
	c.state = convClosed
	c.mu.Unlock()

	c.notify(func(l im.ConversationListener) {
		l.OpenFailed(im.ConversationEvent{Conversation: c, Reason: reason})
	})
}

func (c *conversation) SendText(text string) error {
	c.mu.Lock()
	state, channel := c.state, c.channel
	c.mu.Unlock()

	if state != convOpen {
		return errConversationNotOpen
	}

	client, ok := c.m.s.activeClient()
	if !ok {
		return im.ErrNotLoggedIn
	}

	ctx, cancel := context.WithTimeout(c.m.s.ctx, constants.DefaultConnectTimeout)
	defer cancel()
	return client.SendText(ctx, channel, text)
}

func (c *conversation) Close(reason int) error {
	c.mu.Lock()
	if c.state == convClosed {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state == convOpen
	c.state = convClosed
	channel := c.channel
	c.mu.Unlock()

	if channel != "" {
		c.m.untrack(channel, c)
	}
	if wasOpen {
		c.notify(func(l im.ConversationListener) {
			l.Closed(im.ConversationEvent{Conversation: c, Reason: reason})
		})
	}
	return nil
}

func (c *conversation) notify(fn func(im.ConversationListener)) {
	c.mu.Lock()
	listeners := append([]im.ConversationListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		fn(l)
	}
}
