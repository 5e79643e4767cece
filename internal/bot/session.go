package bot

import (
	"fmt"
	"sync"

	"github.com/keepmind9/imnotify/internal/im"
)

// State is the lifecycle state of a Session
type State int

const (
	Created State = iota
	Opened
	Closed
	OpenFailed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case OpenFailed:
		return "open_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == Closed || s == OpenFailed
}

// Session drives one conversation with a Behavior
type Session struct {
	conv      im.Conversation
	behavior  Behavior
	observers []Observer
	target    string

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// New creates a session for a conversation that has not been opened yet
func New(conv im.Conversation, behavior Behavior, opts ...Option) *Session {
	s := &Session{
		conv:     conv,
		behavior: behavior,
		state:    Created,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach binds a session to a conversation the remote user already opened
func Attach(conv im.Conversation, behavior Behavior, opts ...Option) *Session {
	s := New(conv, behavior, opts...)
	s.state = Opened
	conv.AddListener(s)
	return s
}

// Start subscribes to the conversation and asks the network to open it
func (s *Session) Start() error {
	s.conv.AddListener(s)
	if err := s.conv.Open(); err != nil {
		s.finish(OpenFailed, im.ReasonNotLoggedIn)
		return fmt.Errorf("failed to open conversation with %s: %w", s.Partner().ID, err)
	}
	return nil
}

// Partner returns the remote user
func (s *Session) Partner() im.User {
	return s.conv.Partner()
}

// Target returns the lookup string the partner was resolved from, if any
func (s *Session) Target() string {
	return s.target
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Closed or OpenFailed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendText sends text over the conversation
func (s *Session) SendText(text string) error {
	if s.State() != Opened {
		return fmt.Errorf("session with %s is %s", s.Partner().ID, s.State())
	}
	return s.conv.SendText(text)
}

// Close closes the conversation. Closing a finished session is a no-op.
func (s *Session) Close(reason int) error {
	if s.State().Terminal() {
		return nil
	}
	err := s.conv.Close(reason)
	// The network only reports Closed for conversations that were open.
	s.finish(Closed, reason)
	return err
}

func (s *Session) transition(to State, reason int) bool {
	s.mu.Lock()
	if s.state.Terminal() || (to == Opened && s.state != Created) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	for _, o := range s.observers {
		o(s, to, reason)
	}
	return true
}

// finish moves to a terminal state, runs the behavior and releases Done
func (s *Session) finish(to State, reason int) {
	if !s.transition(to, reason) {
		return
	}
	defer close(s.done)

	if to == OpenFailed {
		s.behavior.OpenFailed(s, reason)
	} else {
		s.behavior.Closed(s, reason)
	}
}

// Opened implements im.ConversationListener
func (s *Session) Opened(ev im.ConversationEvent) {
	if s.transition(Opened, ev.Reason) {
		s.behavior.Opened(s)
	}
}

// OpenFailed implements im.ConversationListener
func (s *Session) OpenFailed(ev im.ConversationEvent) {
	s.finish(OpenFailed, ev.Reason)
}

// Closed implements im.ConversationListener
func (s *Session) Closed(ev im.ConversationEvent) {
	s.finish(Closed, ev.Reason)
}

// TextReceived implements im.ConversationListener
func (s *Session) TextReceived(ev im.ConversationEvent) {
	if s.State() == Opened {
		s.behavior.TextReceived(s, ev.Text)
	}
}

// DataReceived implements im.ConversationListener
func (s *Session) DataReceived(ev im.ConversationEvent) {}
