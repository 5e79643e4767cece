package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

// DiscordSessionInterface defines the interface we need from discordgo.Session
// This allows us to mock it in tests without depending on concrete types
type DiscordSessionInterface interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	GuildMembersSearch(guildID, query string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// DiscordClient implements Client over the Discord gateway and REST API
type DiscordClient struct {
	mu             sync.RWMutex
	token          string
	guildID        string
	session        DiscordSessionInterface
	newSession     func(token string) (DiscordSessionInterface, error)
	removeHandlers []func()
	events         Events
}

// DialDiscord builds a Discord client: secret is the bot token, account the
// guild searched by name lookups
func DialDiscord(cred Credentials) (Client, error) {
	if cred.Secret == "" {
		return nil, errors.New("discord bot token is required")
	}
	return NewDiscordClient(cred.Secret, cred.Account), nil
}

// NewDiscordClient creates a new Discord client instance
func NewDiscordClient(token, guildID string) *DiscordClient {
	return &DiscordClient{
		token:      token,
		guildID:    guildID,
		newSession: openDiscordSession,
	}
}

func openDiscordSession(token string) (DiscordSessionInterface, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsGuildMembers
	// A dropped gateway is reported as a logout instead of being retried
	// behind our back.
	s.ShouldReconnectOnError = false
	return s, nil
}

// Connect opens the gateway and waits for the Ready event
func (d *DiscordClient) Connect(ctx context.Context, events Events) (im.User, error) {
	logger.WithFields(logrus.Fields{
		"token": logger.MaskSecret(d.token),
		"guild": d.guildID,
	}).Info("connecting-discord-gateway")

	session, err := d.newSession(d.token)
	if err != nil {
		return im.User{}, fmt.Errorf("failed to create discord session: %w", err)
	}

	ready := make(chan *discordgo.User, 1)
	removers := []func(){
		session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			select {
			case ready <- r.User:
			default:
			}
		}),
		session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			d.handleDisconnect()
		}),
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			d.handleMessage(m)
		}),
	}

	d.mu.Lock()
	d.session = session
	d.events = events
	d.removeHandlers = removers
	d.mu.Unlock()

	if err := session.Open(); err != nil {
		d.reset()
		return im.User{}, fmt.Errorf("failed to open discord connection: %w", err)
	}

	select {
	case u := <-ready:
		if u == nil {
			return im.User{}, nil
		}
		return im.User{ID: u.ID, Name: u.Username}, nil
	case <-ctx.Done():
		_ = d.Disconnect()
		return im.User{}, fmt.Errorf("waiting for discord ready: %w", ctx.Err())
	}
}

// reset forgets the session and returns it for closing
func (d *DiscordClient) reset() DiscordSessionInterface {
	d.mu.Lock()
	session := d.session
	removers := d.removeHandlers
	d.session = nil
	d.removeHandlers = nil
	d.mu.Unlock()

	for _, remove := range removers {
		if remove != nil {
			remove()
		}
	}
	return session
}

// Disconnect closes the gateway connection
func (d *DiscordClient) Disconnect() error {
	session := d.reset()
	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	logger.Info("discord-gateway-closed")
	return nil
}

func (d *DiscordClient) handleDisconnect() {
	d.mu.RLock()
	active := d.session != nil
	events := d.events
	d.mu.RUnlock()

	if active && events != nil {
		events.Disconnected(errors.New("discord gateway disconnected"))
	}
}

func (d *DiscordClient) handleMessage(m *discordgo.MessageCreate) {
	// Only direct messages from humans
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID != "" {
		return
	}

	d.mu.RLock()
	events := d.events
	d.mu.RUnlock()

	logger.WithFields(logrus.Fields{
		"platform": "discord",
		"user_id":  m.Author.ID,
		"username": m.Author.Username,
		"channel":  m.ChannelID,
	}).Debug("received-discord-direct-message")

	if events != nil {
		events.Received(Inbound{
			From:    im.User{ID: m.Author.ID, Name: m.Author.Username},
			Channel: m.ChannelID,
			Text:    m.Content,
		})
	}
}

func (d *DiscordClient) current() (DiscordSessionInterface, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.session == nil {
		return nil, errors.New("discord session not initialized")
	}
	return d.session, nil
}

// SetVisible switches between online and invisible status
func (d *DiscordClient) SetVisible(ctx context.Context, visible bool) error {
	session, err := d.current()
	if err != nil {
		return err
	}

	status := "invisible"
	if visible {
		status = "online"
	}
	if err := session.UpdateStatusComplex(discordgo.UpdateStatusData{Status: status}); err != nil {
		return fmt.Errorf("failed to update discord status: %w", err)
	}
	return nil
}

// Lookup resolves a user id directly, or searches the configured guild by
// username and nickname
func (d *DiscordClient) Lookup(ctx context.Context, name string) ([]im.User, error) {
	session, err := d.current()
	if err != nil {
		return nil, err
	}

	query := strings.TrimPrefix(strings.TrimSpace(name), "@")
	if isSnowflake(query) {
		u, err := session.User(query, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch discord user %s: %w", query, err)
		}
		return []im.User{{ID: u.ID, Name: u.Username}}, nil
	}

	if d.guildID == "" {
		return nil, errors.New("discord name lookup needs a guild id in the account setting")
	}

	members, err := session.GuildMembersSearch(d.guildID, query, constants.DirectorySearchLimit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to search discord members for %s: %w", query, err)
	}

	var exact, partial []im.User
	for _, m := range members {
		if m == nil || m.User == nil {
			continue
		}
		u := im.User{ID: m.User.ID, Name: m.User.Username}
		if strings.EqualFold(m.User.Username, query) || strings.EqualFold(m.Nick, query) {
			exact = append(exact, u)
		} else {
			partial = append(partial, u)
		}
	}
	if len(exact) > 0 {
		return exact, nil
	}
	return partial, nil
}

// OpenDirect creates (or reuses) the DM channel with the user
func (d *DiscordClient) OpenDirect(ctx context.Context, user im.User) (string, error) {
	session, err := d.current()
	if err != nil {
		return "", err
	}

	ch, err := session.UserChannelCreate(user.ID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to open discord DM with %s: %w", user.ID, err)
	}
	return ch.ID, nil
}

// SendText posts a message to a DM channel
func (d *DiscordClient) SendText(ctx context.Context, channel, text string) error {
	session, err := d.current()
	if err != nil {
		return err
	}

	if len(text) > constants.MaxDiscordMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxDiscordMessageLength,
		}).Info("truncating-message-for-discord-limit")
		text = text[:constants.MaxDiscordMessageLength]
	}

	if _, err := session.ChannelMessageSend(channel, text, discordgo.WithContext(ctx)); err != nil {
		logger.WithFields(logrus.Fields{
			"channel": channel,
			"error":   err,
		}).Error("failed-to-send-message-to-discord")
		return fmt.Errorf("failed to send message to channel %s: %w", channel, err)
	}

	logger.WithField("channel", channel).Info("message-sent-to-discord")
	return nil
}

func isSnowflake(s string) bool {
	if len(s) < 15 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
