package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

// TelegramAPI is the part of tgbotapi.BotAPI the client uses
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramClient implements Client over the Telegram bot API using long polling
type TelegramClient struct {
	mu       sync.RWMutex
	token    string
	endpoint string
	api      TelegramAPI
	newAPI   func(token, endpoint string) (TelegramAPI, im.User, error)
	events   Events
	cancel   context.CancelFunc
}

// DialTelegram builds a Telegram client: secret is the bot token, the
// hostname selects the bot API server
func DialTelegram(cred Credentials) (Client, error) {
	if cred.Secret == "" {
		return nil, errors.New("telegram bot token is required")
	}
	return NewTelegramClient(cred.Secret, cred.Host), nil
}

// NewTelegramClient creates a new Telegram client instance
func NewTelegramClient(token, host string) *TelegramClient {
	return &TelegramClient{
		token:    token,
		endpoint: telegramEndpoint(host),
		newAPI:   openTelegramAPI,
	}
}

// telegramEndpoint turns a hostname into a tgbotapi endpoint format
func telegramEndpoint(host string) string {
	if host == "" || host == "api.telegram.org" {
		return tgbotapi.APIEndpoint
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return strings.TrimSuffix(host, "/") + "/bot%s/%s"
}

func openTelegramAPI(token, endpoint string) (TelegramAPI, im.User, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, im.User{}, err
	}
	self := im.User{ID: strconv.FormatInt(bot.Self.ID, 10), Name: bot.Self.UserName}
	return bot, self, nil
}

// Connect performs the getMe handshake and starts long polling
func (t *TelegramClient) Connect(ctx context.Context, events Events) (im.User, error) {
	logger.WithFields(logrus.Fields{
		"token":    logger.MaskSecret(t.token),
		"endpoint": t.endpoint,
	}).Info("connecting-telegram-bot-api")

	api, self, err := t.newAPI(t.token, t.endpoint)
	if err != nil {
		logger.WithField("error", err).Error("failed-to-initialize-telegram-bot")
		return im.User{}, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.api = api
	t.events = events
	t.cancel = cancel
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(constants.DefaultPollTimeout.Seconds())
	updates := api.GetUpdatesChan(u)

	go t.poll(pollCtx, updates)

	logger.WithFields(logrus.Fields{
		"bot_username": self.Name,
		"bot_id":       self.ID,
	}).Info("telegram-bot-initialized-successfully")
	return self, nil
}

func (t *TelegramClient) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("telegram-long-polling-stopped")
			return
		case update, ok := <-updates:
			if !ok {
				t.mu.RLock()
				events := t.events
				active := t.api != nil
				t.mu.RUnlock()
				if active && events != nil {
					events.Disconnected(errors.New("telegram updates channel closed"))
				}
				return
			}
			t.handleMessage(update.Message)
		}
	}
}

func (t *TelegramClient) handleMessage(message *tgbotapi.Message) {
	if message == nil || message.Chat == nil || !message.Chat.IsPrivate() || message.Text == "" {
		return
	}

	t.mu.RLock()
	events := t.events
	t.mu.RUnlock()

	from := im.User{ID: strconv.FormatInt(message.Chat.ID, 10), Name: message.Chat.UserName}
	if message.From != nil {
		from.Name = message.From.UserName
	}

	logger.WithFields(logrus.Fields{
		"platform":   "telegram",
		"chat_id":    message.Chat.ID,
		"message_id": message.MessageID,
	}).Debug("received-telegram-private-message")

	if events != nil {
		events.Received(Inbound{
			From:    from,
			Channel: strconv.FormatInt(message.Chat.ID, 10),
			Text:    message.Text,
		})
	}
}

// Disconnect stops long polling
func (t *TelegramClient) Disconnect() error {
	t.mu.Lock()
	api := t.api
	cancel := t.cancel
	t.api = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if api != nil {
		api.StopReceivingUpdates()
		logger.Info("telegram-bot-stopped")
	}
	return nil
}

func (t *TelegramClient) current() (TelegramAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.api == nil {
		return nil, errors.New("telegram bot not initialized")
	}
	return t.api, nil
}

// SetVisible is a no-op: bots have no presence on Telegram
func (t *TelegramClient) SetVisible(ctx context.Context, visible bool) error {
	logger.WithField("visible", visible).Debug("telegram-presence-not-supported")
	return nil
}

// Lookup resolves a numeric chat id or an @username through getChat
func (t *TelegramClient) Lookup(ctx context.Context, name string) ([]im.User, error) {
	api, err := t.current()
	if err != nil {
		return nil, err
	}

	cfg := tgbotapi.ChatInfoConfig{}
	query := strings.TrimSpace(name)
	if id, err := strconv.ParseInt(query, 10, 64); err == nil {
		cfg.ChatID = id
	} else {
		if !strings.HasPrefix(query, "@") {
			query = "@" + query
		}
		cfg.SuperGroupUsername = query
	}

	chat, err := api.GetChat(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to look up telegram chat %s: %w", name, err)
	}
	if !chat.IsPrivate() {
		return nil, fmt.Errorf("telegram chat %s is a %s, not a user", name, chat.Type)
	}

	display := chat.UserName
	if display == "" {
		display = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return []im.User{{ID: strconv.FormatInt(chat.ID, 10), Name: display}}, nil
}

// OpenDirect returns the private chat id, which equals the user id
func (t *TelegramClient) OpenDirect(ctx context.Context, user im.User) (string, error) {
	if _, err := t.current(); err != nil {
		return "", err
	}
	if _, err := strconv.ParseInt(user.ID, 10, 64); err != nil {
		return "", fmt.Errorf("invalid telegram user id %q: %w", user.ID, err)
	}
	return user.ID, nil
}

// SendText sends a message to a Telegram chat
func (t *TelegramClient) SendText(ctx context.Context, channel, text string) error {
	api, err := t.current()
	if err != nil {
		return err
	}

	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID format: %w", err)
	}

	if len(text) > constants.MaxTelegramMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxTelegramMessageLength,
		}).Info("truncating-message-for-telegram-limit")
		text = text[:constants.MaxTelegramMessageLength]
	}

	if _, err := api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": channel,
			"error":   err,
		}).Error("failed-to-send-message-to-telegram")
		return fmt.Errorf("failed to send message to chat %s: %w", channel, err)
	}

	logger.WithField("chat_id", channel).Info("message-sent-to-telegram")
	return nil
}
