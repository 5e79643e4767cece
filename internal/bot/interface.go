// Package bot implements the short-lived conversational sessions imnotify
// runs on top of an IM conversation.
//
// A Session follows one conversation through its lifecycle:
//
//	Created -> Opened -> Closed
//	Created -> OpenFailed
//
// What the session does on each event is decided by a Behavior. Two
// behaviors ship with the package:
//
//   - Idle: answers any inbound text with DefaultReply and logs failed
//     opens. It is installed on conversations started by remote users.
//   - Notification: sends one message once the conversation opens, waits a
//     grace period so the network can flush it, then closes the
//     conversation with the normal reason code.
//
// # Usage
//
//	s := bot.New(conv, bot.Notification{Message: "build #12 failed"})
//	if err := s.Start(); err != nil {
//		return err
//	}
//	<-s.Done()
//
// # Thread Safety
//
// Conversation events arrive on goroutines owned by the network. Session
// serializes its state transitions, but Behavior callbacks may run
// concurrently with calls made by the application.
package bot

import (
	"time"

	"github.com/keepmind9/imnotify/internal/im"
)

// DefaultReply is the canned answer to anyone who writes to the bot
const DefaultReply = "Sorry, but I am a bot, and don't respond to input."

// Behavior reacts to the events of a Session
type Behavior interface {
	// Opened is called once the conversation is open
	Opened(s *Session)

	// OpenFailed is called when the conversation could not be opened
	OpenFailed(s *Session, reason int)

	// Closed is called after an open conversation closed
	Closed(s *Session, reason int)

	// TextReceived is called for every inbound text message
	TextReceived(s *Session, text string)
}

// Observer is notified of every state transition of a Session
type Observer func(s *Session, state State, reason int)

// Option configures a Session
type Option func(*Session)

// WithObserver registers an observer for state transitions
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observers = append(s.observers, o)
	}
}

// WithTarget records the lookup string the partner was resolved from
func WithTarget(target string) Option {
	return func(s *Session) {
		s.target = target
	}
}

// Notification delivers one message and closes the conversation after Grace.
// Inbound text during the grace period gets the default reply.
type Notification struct {
	Idle
	Message string
	Grace   time.Duration
}

var _ Behavior = Notification{}
var _ Behavior = Idle{}
var _ im.ConversationListener = (*Session)(nil)
