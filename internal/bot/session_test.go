package bot

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConversation is a scripted im.Conversation. Open succeeds or fails
// synchronously depending on offline.
type fakeConversation struct {
	mu        sync.Mutex
	partner   im.User
	listeners []im.ConversationListener
	offline   bool
	openErr   error
	sendErr   error
	open      bool
	sent      []string
	closes    []int
}

func (c *fakeConversation) Partner() im.User { return c.partner }

func (c *fakeConversation) AddListener(l im.ConversationListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *fakeConversation) Open() error {
	if c.openErr != nil {
		return c.openErr
	}
	go func() {
		if c.offline {
			c.each(func(l im.ConversationListener) {
				l.OpenFailed(im.ConversationEvent{Conversation: c, Reason: im.ReasonUserOffline})
			})
			return
		}
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
		c.each(func(l im.ConversationListener) { l.Opened(im.ConversationEvent{Conversation: c}) })
	}()
	return nil
}

func (c *fakeConversation) SendText(text string) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConversation) Close(reason int) error {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.closes = append(c.closes, reason)
	c.mu.Unlock()
	if wasOpen {
		c.each(func(l im.ConversationListener) {
			l.Closed(im.ConversationEvent{Conversation: c, Reason: reason})
		})
	}
	return nil
}

func (c *fakeConversation) receive(text string) {
	c.each(func(l im.ConversationListener) {
		l.TextReceived(im.ConversationEvent{Conversation: c, Text: text})
	})
}

func (c *fakeConversation) each(fn func(im.ConversationListener)) {
	c.mu.Lock()
	ls := append([]im.ConversationListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

func (c *fakeConversation) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session still %s", s.State())
	}
}

func TestNotification_SendsWaitsAndCloses(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "alice"}}
	var mu sync.Mutex
	var states []State
	observe := func(s *Session, state State, reason int) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	}

	grace := 50 * time.Millisecond
	s := New(conv, Notification{Message: "build #7 failed", Grace: grace}, WithObserver(observe), WithTarget("alice"))
	assert.Equal(t, Created, s.State())

	started := time.Now()
	require.NoError(t, s.Start())
	waitDone(t, s)

	assert.GreaterOrEqual(t, time.Since(started), grace)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, "alice", s.Target())
	assert.Equal(t, []string{"build #7 failed"}, conv.messages())
	assert.Equal(t, []int{im.ReasonNormal}, conv.closes)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Opened, Closed}, states)
}

func TestNotification_OpenFailed(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "bob"}, offline: true}
	var reason int
	s := New(conv, Notification{Message: "hi"}, WithObserver(func(_ *Session, state State, r int) {
		if state == OpenFailed {
			reason = r
		}
	}))

	require.NoError(t, s.Start())
	waitDone(t, s)

	assert.Equal(t, OpenFailed, s.State())
	assert.Equal(t, im.ReasonUserOffline, reason)
	assert.Empty(t, conv.messages())
	assert.Empty(t, conv.closes, "no close after a failed open")
}

func TestSession_StartOpenError(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "carol"}, openErr: errors.New("no messaging")}
	s := New(conv, Idle{})

	assert.Error(t, s.Start())
	assert.Equal(t, OpenFailed, s.State())
	waitDone(t, s)
}

func TestNotification_SendFailureCloses(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "dave"}, sendErr: errors.New("blocked")}
	s := New(conv, Notification{Message: "hi", Grace: time.Hour})

	require.NoError(t, s.Start())
	waitDone(t, s)
	assert.Equal(t, []int{im.ReasonSendFailed}, conv.closes)
}

func TestNotification_ZeroGraceClosesImmediately(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "erin"}}
	s := New(conv, Notification{Message: "hi"})

	require.NoError(t, s.Start())
	waitDone(t, s)
	assert.Equal(t, Closed, s.State())
}

func TestNotification_RepliesDuringGrace(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "frank"}}
	s := New(conv, Notification{Message: "deployed", Grace: time.Hour})

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.State() == Opened }, time.Second, 5*time.Millisecond)

	conv.receive("thanks!")
	assert.Equal(t, []string{"deployed", DefaultReply}, conv.messages())

	require.NoError(t, s.Close(im.ReasonNormal))
	waitDone(t, s)
}

func TestIdle_AttachedConversationReplies(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "grace"}, open: true}
	s := Attach(conv, Idle{})
	assert.Equal(t, Opened, s.State())

	conv.receive("hello?")
	conv.receive("anyone?")
	assert.Equal(t, []string{DefaultReply, DefaultReply}, conv.messages())

	require.NoError(t, s.Close(im.ReasonNormal))
	assert.Equal(t, Closed, s.State())
	conv.receive("late")
	assert.Len(t, conv.messages(), 2, "no reply after close")
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "heidi"}, open: true}
	closed := 0
	s := Attach(conv, Idle{}, WithObserver(func(_ *Session, state State, _ int) {
		if state == Closed {
			closed++
		}
	}))

	require.NoError(t, s.Close(im.ReasonNormal))
	require.NoError(t, s.Close(im.ReasonNormal))
	assert.Equal(t, 1, closed)
	assert.Len(t, conv.closes, 1)
}

func TestSession_CloseBeforeOpen(t *testing.T) {
	conv := &fakeConversation{partner: im.User{ID: "ivan"}}
	s := New(conv, Idle{})

	require.NoError(t, s.Close(im.ReasonNormal))
	assert.Equal(t, Closed, s.State())
	assert.Error(t, s.SendText("x"))

	// A late Opened event does not revive the session.
	s.Opened(im.ConversationEvent{Conversation: conv})
	assert.Equal(t, Closed, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "opened", Opened.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open_failed", OpenFailed.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, OpenFailed.Terminal())
	assert.False(t, Opened.Terminal())
}
