package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/sirupsen/logrus"
)

// dingTalkPrivateChat is the conversationType of one-to-one chats
const dingTalkPrivateChat = "1"

// DingTalkStream is the part of client.StreamClient the client uses
type DingTalkStream interface {
	RegisterChatBotCallbackRouter(handler chatbot.IChatBotMessageHandler)
	Start(ctx context.Context) error
	Close()
}

// dingTalkContact is a staff member who has written to the bot. DingTalk
// robots can only message users through the webhook of their last session.
type dingTalkContact struct {
	user      im.User
	webhook   string
	expiresAt time.Time
}

// DingTalkClient implements Client over the DingTalk stream API
type DingTalkClient struct {
	mu           sync.RWMutex
	clientID     string
	clientSecret string
	stream       DingTalkStream
	newStream    func(clientID, clientSecret string) DingTalkStream
	reply        func(ctx context.Context, webhook string, text []byte) error
	events       Events
	contacts     map[string]*dingTalkContact
	now          func() time.Time
}

// DialDingTalk builds a DingTalk client: account is the client id and secret
// the client secret
func DialDingTalk(cred Credentials) (Client, error) {
	if cred.Account == "" || cred.Secret == "" {
		return nil, errors.New("dingtalk client id and client secret are required")
	}
	return NewDingTalkClient(cred.Account, cred.Secret), nil
}

// NewDingTalkClient creates a new DingTalk client instance
func NewDingTalkClient(clientID, clientSecret string) *DingTalkClient {
	return &DingTalkClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		newStream:    newDingTalkStream,
		reply:        chatbot.NewChatbotReplier().SimpleReplyText,
		contacts:     make(map[string]*dingTalkContact),
		now:          time.Now,
	}
}

func newDingTalkStream(clientID, clientSecret string) DingTalkStream {
	credential := client.NewAppCredentialConfig(clientID, clientSecret)
	return client.NewStreamClient(client.WithAppCredential(credential))
}

// Connect opens the stream connection
func (d *DingTalkClient) Connect(ctx context.Context, events Events) (im.User, error) {
	logger.WithFields(logrus.Fields{
		"client_id": logger.MaskSecret(d.clientID),
	}).Info("starting-dingtalk-client-with-websocket-long-connection")

	stream := d.newStream(d.clientID, d.clientSecret)
	stream.RegisterChatBotCallbackRouter(d.handleMessageReceive)

	d.mu.Lock()
	d.stream = stream
	d.events = events
	d.mu.Unlock()

	if err := stream.Start(ctx); err != nil {
		d.mu.Lock()
		d.stream = nil
		d.mu.Unlock()
		logger.WithFields(logrus.Fields{
			"client_id": logger.MaskSecret(d.clientID),
			"error":     err,
		}).Error("dingtalk-websocket-connection-failed")
		return im.User{}, fmt.Errorf("failed to start dingtalk stream: %w", err)
	}

	logger.Info("dingtalk-websocket-long-connection-started")
	return im.User{ID: d.clientID, Name: d.clientID}, nil
}

// handleMessageReceive records the sender as a contact and forwards private
// text messages
func (d *DingTalkClient) handleMessageReceive(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil {
		return []byte(""), nil
	}

	logger.WithFields(logrus.Fields{
		"platform":          "dingtalk",
		"conversation_id":   data.ConversationId,
		"conversation_type": data.ConversationType,
		"sender_staff_id":   data.SenderStaffId,
		"msg_id":            data.MsgId,
		"msg_type":          data.Msgtype,
	}).Debug("received-dingtalk-message")

	if data.ConversationType != dingTalkPrivateChat || data.SenderStaffId == "" {
		return []byte(""), nil
	}

	user := im.User{ID: data.SenderStaffId, Name: data.SenderNick}

	contact := &dingTalkContact{user: user, webhook: data.SessionWebhook}
	if data.SessionWebhookExpiredTime > 0 {
		contact.expiresAt = time.UnixMilli(data.SessionWebhookExpiredTime)
	}

	d.mu.Lock()
	d.contacts[user.ID] = contact
	events := d.events
	d.mu.Unlock()

	if data.Msgtype == "text" && events != nil {
		events.Received(Inbound{
			From:    user,
			Channel: user.ID,
			Text:    strings.TrimSpace(data.Text.Content),
		})
	}
	return []byte(""), nil
}

// Disconnect closes the stream connection
func (d *DingTalkClient) Disconnect() error {
	d.mu.Lock()
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()

	if stream != nil {
		stream.Close()
		logger.Info("dingtalk-websocket-connection-stopped")
	}
	return nil
}

func (d *DingTalkClient) connected() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stream == nil {
		return errors.New("dingtalk stream not initialized")
	}
	return nil
}

// SetVisible is a no-op: DingTalk robots have no presence
func (d *DingTalkClient) SetVisible(ctx context.Context, visible bool) error {
	logger.WithField("visible", visible).Debug("dingtalk-presence-not-supported")
	return nil
}

// Lookup matches staff ids and nicknames of known contacts
func (d *DingTalkClient) Lookup(ctx context.Context, name string) ([]im.User, error) {
	if err := d.connected(); err != nil {
		return nil, err
	}

	query := strings.TrimPrefix(strings.TrimSpace(name), "@")

	d.mu.RLock()
	defer d.mu.RUnlock()

	if c, ok := d.contacts[query]; ok {
		return []im.User{c.user}, nil
	}

	var users []im.User
	for _, c := range d.contacts {
		if strings.EqualFold(c.user.Name, query) {
			users = append(users, c.user)
		}
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("dingtalk user %s has not contacted the robot", query)
	}
	return users, nil
}

// OpenDirect checks the user's session webhook is still valid
func (d *DingTalkClient) OpenDirect(ctx context.Context, user im.User) (string, error) {
	if err := d.connected(); err != nil {
		return "", err
	}
	if _, err := d.webhook(user.ID); err != nil {
		return "", err
	}
	return user.ID, nil
}

func (d *DingTalkClient) webhook(staffID string) (string, error) {
	d.mu.RLock()
	c, ok := d.contacts[staffID]
	d.mu.RUnlock()

	if !ok || c.webhook == "" {
		return "", fmt.Errorf("no session webhook for dingtalk user %s", staffID)
	}
	if !c.expiresAt.IsZero() && d.now().After(c.expiresAt) {
		return "", fmt.Errorf("session webhook for dingtalk user %s expired", staffID)
	}
	return c.webhook, nil
}

// SendText replies through the contact's session webhook
func (d *DingTalkClient) SendText(ctx context.Context, channel, text string) error {
	if err := d.connected(); err != nil {
		return err
	}

	webhook, err := d.webhook(channel)
	if err != nil {
		return err
	}

	if len(text) > constants.MaxDingTalkMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxDingTalkMessageLength,
		}).Info("truncating-message-for-dingtalk-limit")
		text = text[:constants.MaxDingTalkMessageLength]
	}

	if err := d.reply(ctx, webhook, []byte(text)); err != nil {
		logger.WithFields(logrus.Fields{
			"staff_id": channel,
			"error":    err,
		}).Error("failed-to-send-message-to-dingtalk")
		return fmt.Errorf("failed to send message to %s: %w", channel, err)
	}

	logger.WithField("staff_id", channel).Info("message-sent-to-dingtalk")
	return nil
}
