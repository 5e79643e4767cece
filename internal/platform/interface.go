// Package platform connects imnotify to concrete IM platforms.
//
// Each platform is implemented as a small blocking Client (connect, look up
// a user, open a direct channel, send text). Network wraps any Client into
// the asynchronous capability API of package im, so the core never sees
// platform SDK types.
//
// # Supported Platforms
//
//   - discord: gateway session, DM channels, guild member search
//   - telegram: bot API long polling, getChat lookups
//   - feishu: open platform REST API plus WebSocket event stream
//   - dingtalk: stream client, replies through session webhooks
//   - loopback: in-memory network for dry runs and tests
//
// # Credentials
//
// The configured hostname, account and secret map onto each platform:
//
//	discord:  secret = bot token, account = guild id searched by name lookups
//	telegram: secret = bot token, hostname = bot API host
//	feishu:   account = app id, secret = app secret, hostname = open API host
//	dingtalk: account = client id, secret = client secret
package platform

import (
	"context"
	"fmt"
	"sort"

	"github.com/keepmind9/imnotify/internal/im"
)

// Credentials are the login parameters handed to a Dialer
type Credentials struct {
	Host    string
	Port    int
	Account string
	Secret  string
}

// Inbound is a text message received from a remote user
type Inbound struct {
	From    im.User
	Channel string // Platform channel the reply goes to
	Text    string
}

// Events receives asynchronous notifications from a connected Client
type Events interface {
	// Disconnected reports a connection lost without a local Disconnect call
	Disconnected(err error)
	// Received reports an inbound direct message
	Received(msg Inbound)
}

// Client is the blocking view of one IM platform.
//
// The context given to Connect only bounds the handshake; long-running
// receive loops must outlive it and stop on Disconnect. Disconnect must be
// safe to call more than once.
type Client interface {
	Connect(ctx context.Context, events Events) (im.User, error)
	Disconnect() error
	SetVisible(ctx context.Context, visible bool) error
	Lookup(ctx context.Context, name string) ([]im.User, error)
	OpenDirect(ctx context.Context, user im.User) (string, error)
	SendText(ctx context.Context, channel, text string) error
}

// Dialer builds a Client for one login attempt
type Dialer func(cred Credentials) (Client, error)

var dialers = map[string]Dialer{
	"discord":  DialDiscord,
	"telegram": DialTelegram,
	"feishu":   DialFeishu,
	"dingtalk": DialDingTalk,
	"loopback": DialLoopback,
}

// Kinds lists the network kinds New accepts
func Kinds() []string {
	kinds := make([]string, 0, len(dialers))
	for kind := range dialers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// New returns the network for a configured kind
func New(kind string) (*Network, error) {
	dial, ok := dialers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown network kind %q", kind)
	}
	return NewNetwork(kind, dial), nil
}
