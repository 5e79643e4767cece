package platform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTelegramAPI struct {
	mu      sync.Mutex
	updates chan tgbotapi.Update
	chats   map[int64]tgbotapi.Chat
	byName  map[string]tgbotapi.Chat
	sent    []tgbotapi.MessageConfig
	stopped bool
	sendErr error
}

func newFakeTelegramAPI() *fakeTelegramAPI {
	return &fakeTelegramAPI{
		updates: make(chan tgbotapi.Update, 4),
		chats:   make(map[int64]tgbotapi.Chat),
		byName:  make(map[string]tgbotapi.Chat),
	}
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeTelegramAPI) GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	if config.SuperGroupUsername != "" {
		if chat, ok := f.byName[config.SuperGroupUsername]; ok {
			return chat, nil
		}
	} else if chat, ok := f.chats[config.ChatID]; ok {
		return chat, nil
	}
	return tgbotapi.Chat{}, errors.New("Bad Request: chat not found")
}

func (f *fakeTelegramAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeTelegramAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func connectedTelegram(t *testing.T, api *fakeTelegramAPI) (*TelegramClient, *fakeEvents) {
	t.Helper()
	client := NewTelegramClient("123456:ABCDEF", "")
	client.newAPI = func(token, endpoint string) (TelegramAPI, im.User, error) {
		return api, im.User{ID: "777", Name: "notify_bot"}, nil
	}
	events := &fakeEvents{}
	self, err := client.Connect(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "notify_bot", self.Name)
	t.Cleanup(func() { _ = client.Disconnect() })
	return client, events
}

func TestTelegramEndpoint(t *testing.T) {
	assert.Equal(t, tgbotapi.APIEndpoint, telegramEndpoint(""))
	assert.Equal(t, tgbotapi.APIEndpoint, telegramEndpoint("api.telegram.org"))
	assert.Equal(t, "https://tg.example.com/bot%s/%s", telegramEndpoint("tg.example.com"))
	assert.Equal(t, "http://localhost:8081/bot%s/%s", telegramEndpoint("http://localhost:8081/"))
}

func TestTelegramClient_ConnectFails(t *testing.T) {
	client := NewTelegramClient("bad", "")
	client.newAPI = func(token, endpoint string) (TelegramAPI, im.User, error) {
		return nil, im.User{}, errors.New("Not Found")
	}

	_, err := client.Connect(context.Background(), &fakeEvents{})
	assert.Error(t, err)
	_, err = client.current()
	assert.Error(t, err)
}

func TestTelegramClient_ReceivesPrivateMessages(t *testing.T) {
	api := newFakeTelegramAPI()
	_, events := connectedTelegram(t, api)

	api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: -100, Type: "group"},
		Text:      "group noise",
	}}
	api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 2,
		From:      &tgbotapi.User{ID: 42, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      "hello",
	}}

	require.Eventually(t, func() bool { return len(events.messages()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, Inbound{From: im.User{ID: "42", Name: "alice"}, Channel: "42", Text: "hello"}, events.messages()[0])
}

func TestTelegramClient_ClosedUpdatesReportDisconnect(t *testing.T) {
	api := newFakeTelegramAPI()
	_, events := connectedTelegram(t, api)

	close(api.updates)
	require.Eventually(t, func() bool { return events.disconnects() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTelegramClient_Disconnect(t *testing.T) {
	api := newFakeTelegramAPI()
	client, events := connectedTelegram(t, api)

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())
	assert.True(t, api.stopped)
	assert.Equal(t, 0, events.disconnects())
}

func TestTelegramClient_Lookup(t *testing.T) {
	api := newFakeTelegramAPI()
	api.chats[42] = tgbotapi.Chat{ID: 42, Type: "private", FirstName: "Alice", LastName: "Liddell"}
	api.byName["@bob"] = tgbotapi.Chat{ID: 43, Type: "private", UserName: "bob"}
	api.byName["@news"] = tgbotapi.Chat{ID: -1001, Type: "channel", UserName: "news"}
	client, _ := connectedTelegram(t, api)
	ctx := context.Background()

	users, err := client.Lookup(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []im.User{{ID: "42", Name: "Alice Liddell"}}, users)

	users, err = client.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []im.User{{ID: "43", Name: "bob"}}, users)

	_, err = client.Lookup(ctx, "@news")
	assert.Error(t, err, "channels are not users")

	_, err = client.Lookup(ctx, "@nobody")
	assert.Error(t, err)
}

func TestTelegramClient_OpenDirectAndSend(t *testing.T) {
	api := newFakeTelegramAPI()
	client, _ := connectedTelegram(t, api)
	ctx := context.Background()

	_, err := client.OpenDirect(ctx, im.User{ID: "alice"})
	assert.Error(t, err)

	channel, err := client.OpenDirect(ctx, im.User{ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, "42", channel)

	require.NoError(t, client.SendText(ctx, channel, strings.Repeat("y", constants.MaxTelegramMessageLength+1)))
	require.Len(t, api.sent, 1)
	assert.Equal(t, int64(42), api.sent[0].ChatID)
	assert.Len(t, api.sent[0].Text, constants.MaxTelegramMessageLength)

	assert.Error(t, client.SendText(ctx, "not-a-number", "hi"))

	api.sendErr = errors.New("Forbidden: bot was blocked by the user")
	assert.Error(t, client.SendText(ctx, channel, "hi"))
}

func TestTelegramClient_SetVisibleIsNoop(t *testing.T) {
	client := NewTelegramClient("t", "")
	assert.NoError(t, client.SetVisible(context.Background(), false))
}
