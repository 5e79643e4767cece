// Package im defines the capability boundary of an instant-messaging network.
//
// The network is treated as an opaque vendor service. Everything the rest of
// imnotify needs from it is expressed here: a session that logs in and out,
// a privacy switch, a directory that resolves free-text identifiers, and
// two-party conversations that open, carry text and close.
//
// All outcomes are reported asynchronously through listeners, the way IM
// client toolkits deliver them. Listener methods are invoked on goroutines
// owned by the network implementation and may run concurrently with calls
// made by the application.
package im

import "errors"

var (
	// ErrDuplicateSession is returned when a session with the same name
	// already exists on the network.
	ErrDuplicateSession = errors.New("duplicate session name")

	// ErrNotLoggedIn is returned by operations that need an active login.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrSessionUnloaded is returned by operations on an unloaded session.
	ErrSessionUnloaded = errors.New("session unloaded")
)

// Reason codes carried by events.
const (
	ReasonNormal = iota
	ReasonLoginFailed
	ReasonServerDisconnect
	ReasonNotLoggedIn
	ReasonUserNotFound
	ReasonUserOffline
	ReasonSendFailed
)

// ReasonText returns a short name for a reason code.
func ReasonText(reason int) string {
	switch reason {
	case ReasonNormal:
		return "normal"
	case ReasonLoginFailed:
		return "login-failed"
	case ReasonServerDisconnect:
		return "server-disconnect"
	case ReasonNotLoggedIn:
		return "not-logged-in"
	case ReasonUserNotFound:
		return "user-not-found"
	case ReasonUserOffline:
		return "user-offline"
	case ReasonSendFailed:
		return "send-failed"
	default:
		return "unknown"
	}
}

// User is an addressable entity returned by the directory.
type User struct {
	ID   string
	Name string
}

// PrivacyList controls who can see the logged in user.
//
// With Exclude set, everyone except Members sees the user; otherwise only
// Members do. An empty list therefore means "visible to all" when Exclude is
// true and "invisible to all" when it is false.
type PrivacyList struct {
	Exclude bool
	Members []User
}

// VisibleToAll reports whether the list exposes the user to everyone.
func (p PrivacyList) VisibleToAll() bool {
	return p.Exclude && len(p.Members) == 0
}

// Login is the handle obtained once a session is logged in.
type Login interface {
	MyUser() User
	ChangeMyPrivacy(list PrivacyList) error
}

// LoginEvent is delivered to LoginListeners.
type LoginEvent struct {
	Login  Login
	Reason int
}

// LoginListener observes login state changes of a session.
type LoginListener interface {
	LoggedIn(ev LoginEvent)
	LoggedOut(ev LoginEvent)
}

// ResolveEvent is delivered to ResolveListeners. RequestID is the identifier
// passed to Directory.Resolve.
type ResolveEvent struct {
	RequestID string
	Name      string
	Users     []User
	Reason    int
}

// ResolveListener observes directory resolve outcomes.
type ResolveListener interface {
	Resolved(ev ResolveEvent)
	ResolveFailed(ev ResolveEvent)
	ResolveConflict(ev ResolveEvent)
}

// Directory resolves free-text identifiers into users.
type Directory interface {
	AddResolveListener(l ResolveListener)
	// Resolve issues an asynchronous lookup. Exactly one of the listener
	// methods fires later with the same requestID, unless the session is
	// unloaded first.
	Resolve(requestID, name string) error
}

// ConversationType identifies a kind of conversation a session can carry.
type ConversationType int

const (
	// ChatConversation is a private one-to-one text chat.
	ChatConversation ConversationType = iota + 1
)

// ConversationEvent is delivered to ConversationListeners.
type ConversationEvent struct {
	Conversation Conversation
	Text         string
	Data         []byte
	Reason       int
}

// ConversationListener observes a single conversation.
type ConversationListener interface {
	Opened(ev ConversationEvent)
	OpenFailed(ev ConversationEvent)
	Closed(ev ConversationEvent)
	TextReceived(ev ConversationEvent)
	DataReceived(ev ConversationEvent)
}

// Conversation is a two-party messaging session.
type Conversation interface {
	Partner() User
	AddListener(l ConversationListener)
	Open() error
	SendText(text string) error
	Close(reason int) error
}

// Messaging is available on a session once it is logged in.
type Messaging interface {
	RegisterConversationType(t ConversationType)
	CreateConversation(partner User, t ConversationType) Conversation
	// OnIncoming installs the handler invoked for conversations started by
	// remote users. The handler runs before the first event of the
	// conversation is delivered.
	OnIncoming(handler func(Conversation))
}

// Session is one login session on the network.
type Session interface {
	Name() string
	LoadComponents() error
	Start() error
	Stop()
	Unload()
	AddLoginListener(l LoginListener)
	LoginByPassword(host string, port int, account, secret string) error
	Logout()
	IsLoggedIn() bool
	Directory() Directory
	// Messaging returns nil until the session is logged in.
	Messaging() Messaging
}

// Network creates sessions.
type Network interface {
	Kind() string
	NewSession(name string) (Session, error)
}
