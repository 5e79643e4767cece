package platform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockDiscordSession is a mock implementation of DiscordSessionInterface for testing
type MockDiscordSession struct {
	mu               sync.Mutex
	shouldFailOnOpen bool
	shouldFailOnSend bool
	skipReady        bool
	closed           bool
	handlers         []interface{}
	sentMessages     []SentMessage
	statuses         []string
	members          []*discordgo.Member
	users            map[string]*discordgo.User
	searchedGuild    string
}

type SentMessage struct {
	Channel string
	Message string
}

func (m *MockDiscordSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *MockDiscordSession) Open() error {
	if m.shouldFailOnOpen {
		return errors.New("failed to open discord connection")
	}
	if !m.skipReady {
		m.emit(&discordgo.Ready{User: &discordgo.User{ID: "100000000000000001", Username: "notifier"}})
	}
	return nil
}

func (m *MockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockDiscordSession) ChannelMessageSend(channel, message string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.shouldFailOnSend {
		return nil, errors.New("failed to send message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMessages = append(m.sentMessages, SentMessage{Channel: channel, Message: message})
	return &discordgo.Message{ID: "msg-id"}, nil
}

func (m *MockDiscordSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *MockDiscordSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, errors.New("HTTP 404 Not Found")
}

func (m *MockDiscordSession) GuildMembersSearch(guildID, query string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error) {
	m.searchedGuild = guildID
	return m.members, nil
}

func (m *MockDiscordSession) UpdateStatusComplex(usd discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, usd.Status)
	return nil
}

// emit calls every registered handler accepting the event type
func (m *MockDiscordSession) emit(event interface{}) {
	m.mu.Lock()
	handlers := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.Ready):
			if ev, ok := event.(*discordgo.Ready); ok {
				fn(nil, ev)
			}
		case func(*discordgo.Session, *discordgo.Disconnect):
			if ev, ok := event.(*discordgo.Disconnect); ok {
				fn(nil, ev)
			}
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if ev, ok := event.(*discordgo.MessageCreate); ok {
				fn(nil, ev)
			}
		}
	}
}

// fakeEvents records Events callbacks
type fakeEvents struct {
	mu           sync.Mutex
	disconnected []error
	received     []Inbound
}

func (f *fakeEvents) Disconnected(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, err)
}

func (f *fakeEvents) Received(msg Inbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
}

func (f *fakeEvents) messages() []Inbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Inbound(nil), f.received...)
}

func (f *fakeEvents) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

func connectedDiscord(t *testing.T, mock *MockDiscordSession) (*DiscordClient, *fakeEvents) {
	t.Helper()
	client := NewDiscordClient("test-token", "guild-1")
	client.newSession = func(string) (DiscordSessionInterface, error) { return mock, nil }
	events := &fakeEvents{}

	self, err := client.Connect(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "notifier", self.Name)
	return client, events
}

func TestDiscordClient_ConnectAndDisconnect(t *testing.T) {
	mock := &MockDiscordSession{}
	client, _ := connectedDiscord(t, mock)

	require.NoError(t, client.Disconnect())
	assert.True(t, mock.closed)
	require.NoError(t, client.Disconnect(), "second disconnect is a no-op")
}

func TestDiscordClient_ConnectOpenFails(t *testing.T) {
	client := NewDiscordClient("test-token", "")
	client.newSession = func(string) (DiscordSessionInterface, error) {
		return &MockDiscordSession{shouldFailOnOpen: true}, nil
	}

	_, err := client.Connect(context.Background(), &fakeEvents{})
	assert.Error(t, err)

	_, err = client.current()
	assert.Error(t, err)
}

func TestDiscordClient_ConnectTimesOutWithoutReady(t *testing.T) {
	client := NewDiscordClient("test-token", "")
	mock := &MockDiscordSession{skipReady: true}
	client.newSession = func(string) (DiscordSessionInterface, error) { return mock, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Connect(ctx, &fakeEvents{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, mock.closed)
}

func TestDiscordClient_HandleMessage(t *testing.T) {
	mock := &MockDiscordSession{}
	_, events := connectedDiscord(t, mock)

	mock.emit(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "dm-1",
		Content:   "hello",
		Author:    &discordgo.User{ID: "42", Username: "alice"},
	}})
	mock.emit(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "general",
		GuildID:   "guild-1",
		Content:   "guild chatter",
		Author:    &discordgo.User{ID: "43", Username: "bob"},
	}})
	mock.emit(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "dm-2",
		Content:   "beep",
		Author:    &discordgo.User{ID: "44", Username: "otherbot", Bot: true},
	}})

	msgs := events.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Inbound{From: im.User{ID: "42", Name: "alice"}, Channel: "dm-1", Text: "hello"}, msgs[0])
}

func TestDiscordClient_DisconnectEvent(t *testing.T) {
	mock := &MockDiscordSession{}
	client, events := connectedDiscord(t, mock)

	mock.emit(&discordgo.Disconnect{})
	assert.Equal(t, 1, events.disconnects())

	require.NoError(t, client.Disconnect())
	mock.emit(&discordgo.Disconnect{})
	assert.Equal(t, 1, events.disconnects(), "local disconnect is not reported")
}

func TestDiscordClient_SetVisible(t *testing.T) {
	mock := &MockDiscordSession{}
	client, _ := connectedDiscord(t, mock)

	require.NoError(t, client.SetVisible(context.Background(), true))
	require.NoError(t, client.SetVisible(context.Background(), false))
	assert.Equal(t, []string{"online", "invisible"}, mock.statuses)
}

func TestDiscordClient_Lookup(t *testing.T) {
	mock := &MockDiscordSession{
		users: map[string]*discordgo.User{
			"123456789012345678": {ID: "123456789012345678", Username: "alice"},
		},
		members: []*discordgo.Member{
			{User: &discordgo.User{ID: "1", Username: "bobby"}},
			{User: &discordgo.User{ID: "2", Username: "bob"}},
			{User: &discordgo.User{ID: "3", Username: "robert"}, Nick: "Bob"},
		},
	}
	client, _ := connectedDiscord(t, mock)
	ctx := context.Background()

	users, err := client.Lookup(ctx, "123456789012345678")
	require.NoError(t, err)
	assert.Equal(t, []im.User{{ID: "123456789012345678", Name: "alice"}}, users)

	users, err = client.Lookup(ctx, "@bob")
	require.NoError(t, err)
	assert.Equal(t, []im.User{{ID: "2", Name: "bob"}, {ID: "3", Name: "robert"}}, users)
	assert.Equal(t, "guild-1", mock.searchedGuild)

	_, err = client.Lookup(ctx, "999999999999999999")
	assert.Error(t, err)
}

func TestDiscordClient_LookupWithoutGuild(t *testing.T) {
	client := NewDiscordClient("test-token", "")
	client.newSession = func(string) (DiscordSessionInterface, error) { return &MockDiscordSession{}, nil }
	_, err := client.Connect(context.Background(), &fakeEvents{})
	require.NoError(t, err)

	_, err = client.Lookup(context.Background(), "bob")
	assert.Error(t, err)
}

func TestDiscordClient_OpenDirectAndSend(t *testing.T) {
	mock := &MockDiscordSession{}
	client, _ := connectedDiscord(t, mock)
	ctx := context.Background()

	channel, err := client.OpenDirect(ctx, im.User{ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, "dm-42", channel)

	require.NoError(t, client.SendText(ctx, channel, strings.Repeat("x", constants.MaxDiscordMessageLength+10)))
	require.Len(t, mock.sentMessages, 1)
	assert.Len(t, mock.sentMessages[0].Message, constants.MaxDiscordMessageLength)

	mock.shouldFailOnSend = true
	assert.Error(t, client.SendText(ctx, channel, "hi"))
}

func TestDiscordClient_NotConnected(t *testing.T) {
	client := NewDiscordClient("test-token", "guild-1")
	ctx := context.Background()

	assert.Error(t, client.SetVisible(ctx, true))
	_, err := client.Lookup(ctx, "bob")
	assert.Error(t, err)
	_, err = client.OpenDirect(ctx, im.User{ID: "1"})
	assert.Error(t, err)
	assert.Error(t, client.SendText(ctx, "c", "hi"))
}

func TestIsSnowflake(t *testing.T) {
	assert.True(t, isSnowflake("123456789012345678"))
	assert.False(t, isSnowflake("12345"))
	assert.False(t, isSnowflake("12345678901234567a"))
}
