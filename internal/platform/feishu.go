package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/sirupsen/logrus"
)

const (
	feishuOpenIDPrefix = "ou_"
	feishuChatIDPrefix = "oc_"
)

// FeishuAPI is the REST surface of the Feishu open platform the client uses
type FeishuAPI interface {
	// OpenIDs maps emails and mobile numbers to open_ids
	OpenIDs(ctx context.Context, emails, mobiles []string) ([]string, error)
	// CreateTextMessage sends a text message to an open_id or chat_id
	CreateTextMessage(ctx context.Context, receiveIDType, receiveID, content string) error
}

// FeishuClient implements Client over the Feishu open platform. Inbound
// messages arrive through the WebSocket event stream.
type FeishuClient struct {
	mu        sync.RWMutex
	appID     string
	appSecret string
	host      string
	api       FeishuAPI
	newAPI    func(appID, appSecret, host string) FeishuAPI
	listen    func(ctx context.Context, f *FeishuClient) error
	events    Events
	cancel    context.CancelFunc
}

// DialFeishu builds a Feishu client: account is the app id, secret the app
// secret and hostname the open API host
func DialFeishu(cred Credentials) (Client, error) {
	if cred.Account == "" || cred.Secret == "" {
		return nil, errors.New("feishu app id and app secret are required")
	}
	return NewFeishuClient(cred.Account, cred.Secret, cred.Host), nil
}

// NewFeishuClient creates a new Feishu client instance
func NewFeishuClient(appID, appSecret, host string) *FeishuClient {
	return &FeishuClient{
		appID:     appID,
		appSecret: appSecret,
		host:      host,
		newAPI:    newLarkAPI,
		listen:    listenFeishuEvents,
	}
}

// Connect creates the REST client and starts the event stream
func (f *FeishuClient) Connect(ctx context.Context, events Events) (im.User, error) {
	logger.WithFields(logrus.Fields{
		"app_id": logger.MaskSecret(f.appID),
		"host":   f.host,
	}).Info("starting-feishu-client-with-websocket-long-connection")

	streamCtx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	f.api = f.newAPI(f.appID, f.appSecret, f.host)
	f.events = events
	f.cancel = cancel
	f.mu.Unlock()

	if f.listen != nil {
		go func() {
			if err := f.listen(streamCtx, f); err != nil && streamCtx.Err() == nil {
				logger.WithFields(logrus.Fields{
					"app_id": logger.MaskSecret(f.appID),
					"error":  err,
				}).Error("feishu-websocket-connection-failed")
				f.mu.RLock()
				events := f.events
				f.mu.RUnlock()
				if events != nil {
					events.Disconnected(err)
				}
			}
		}()
	}

	return im.User{ID: f.appID, Name: f.appID}, nil
}

func listenFeishuEvents(ctx context.Context, f *FeishuClient) error {
	handler := dispatcher.NewEventDispatcher("", "")
	handler.OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
		f.handleMessageReceive(event)
		return nil
	})

	wsClient := ws.NewClient(f.appID, f.appSecret,
		ws.WithEventHandler(handler),
		ws.WithLogLevel(larkcore.LogLevelInfo),
		ws.WithAutoReconnect(true),
	)
	return wsClient.Start(ctx)
}

// handleMessageReceive forwards private text messages
func (f *FeishuClient) handleMessageReceive(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	msg := event.Event.Message

	if deref(msg.ChatType) != "p2p" || deref(msg.MessageType) != larkim.MsgTypeText {
		return
	}

	var senderID string
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = deref(event.Event.Sender.SenderId.OpenId)
	}
	chatID := deref(msg.ChatId)
	if senderID == "" || chatID == "" {
		return
	}

	logger.WithFields(logrus.Fields{
		"platform":   "feishu",
		"open_id":    senderID,
		"chat_id":    chatID,
		"message_id": deref(msg.MessageId),
	}).Debug("received-feishu-private-message")

	f.mu.RLock()
	events := f.events
	f.mu.RUnlock()

	if events != nil {
		events.Received(Inbound{
			From:    im.User{ID: senderID, Name: senderID},
			Channel: chatID,
			Text:    extractTextContent(deref(msg.Content)),
		})
	}
}

// Disconnect stops the event stream
func (f *FeishuClient) Disconnect() error {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.api = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		logger.Info("feishu-websocket-connection-stopped")
	}
	return nil
}

func (f *FeishuClient) current() (FeishuAPI, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.api == nil {
		return nil, errors.New("feishu client not initialized")
	}
	return f.api, nil
}

// SetVisible is a no-op: Feishu apps have no presence
func (f *FeishuClient) SetVisible(ctx context.Context, visible bool) error {
	logger.WithField("visible", visible).Debug("feishu-presence-not-supported")
	return nil
}

// Lookup accepts an open_id, an email address or a mobile number
func (f *FeishuClient) Lookup(ctx context.Context, name string) ([]im.User, error) {
	api, err := f.current()
	if err != nil {
		return nil, err
	}

	query := strings.TrimSpace(name)
	if strings.HasPrefix(query, feishuOpenIDPrefix) {
		return []im.User{{ID: query, Name: query}}, nil
	}

	var emails, mobiles []string
	if strings.Contains(query, "@") {
		emails = []string{query}
	} else {
		mobiles = []string{query}
	}

	ids, err := api.OpenIDs(ctx, emails, mobiles)
	if err != nil {
		return nil, fmt.Errorf("failed to look up feishu user %s: %w", name, err)
	}

	users := make([]im.User, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			users = append(users, im.User{ID: id, Name: query})
		}
	}
	return users, nil
}

// OpenDirect addresses the user by open_id; Feishu creates the p2p chat on
// the first message
func (f *FeishuClient) OpenDirect(ctx context.Context, user im.User) (string, error) {
	if _, err := f.current(); err != nil {
		return "", err
	}
	if !strings.HasPrefix(user.ID, feishuOpenIDPrefix) {
		return "", fmt.Errorf("invalid feishu open_id %q", user.ID)
	}
	return user.ID, nil
}

// SendText sends a text message to an open_id or a chat_id
func (f *FeishuClient) SendText(ctx context.Context, channel, text string) error {
	api, err := f.current()
	if err != nil {
		return err
	}
	if channel == "" {
		return errors.New("receive ID is required for Feishu")
	}

	if len(text) > constants.MaxFeishuMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxFeishuMessageLength,
		}).Info("truncating-message-for-feishu-limit")
		text = text[:constants.MaxFeishuMessageLength]
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode feishu message: %w", err)
	}

	receiveIDType := larkim.ReceiveIdTypeOpenId
	if strings.HasPrefix(channel, feishuChatIDPrefix) {
		receiveIDType = larkim.ReceiveIdTypeChatId
	}

	if err := api.CreateTextMessage(ctx, receiveIDType, channel, string(content)); err != nil {
		logger.WithFields(logrus.Fields{
			"receive_id": channel,
			"error":      err,
		}).Error("failed-to-send-message-to-feishu")
		return fmt.Errorf("failed to send message to %s: %w", channel, err)
	}

	logger.WithField("receive_id", channel).Info("message-sent-to-feishu")
	return nil
}

// larkAPI implements FeishuAPI with the official SDK
type larkAPI struct {
	client *lark.Client
}

func newLarkAPI(appID, appSecret, host string) FeishuAPI {
	var opts []lark.ClientOptionFunc
	if host != "" {
		if !strings.Contains(host, "://") {
			host = "https://" + host
		}
		opts = append(opts, lark.WithOpenBaseUrl(strings.TrimSuffix(host, "/")))
	}
	return &larkAPI{client: lark.NewClient(appID, appSecret, opts...)}
}

func (a *larkAPI) OpenIDs(ctx context.Context, emails, mobiles []string) ([]string, error) {
	body := larkcontact.NewBatchGetIdUserReqBodyBuilder()
	if len(emails) > 0 {
		body.Emails(emails)
	}
	if len(mobiles) > 0 {
		body.Mobiles(mobiles)
	}

	req := larkcontact.NewBatchGetIdUserReqBuilder().
		UserIdType("open_id").
		Body(body.Build()).
		Build()

	resp, err := a.client.Contact.User.BatchGetId(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	var ids []string
	if resp.Data != nil {
		for _, u := range resp.Data.UserList {
			if u != nil && u.UserId != nil {
				ids = append(ids, *u.UserId)
			}
		}
	}
	return ids, nil
}

func (a *larkAPI) CreateTextMessage(ctx context.Context, receiveIDType, receiveID, content string) error {
	body := larkim.NewCreateMessageReqBodyBuilder().
		ReceiveId(receiveID).
		MsgType(larkim.MsgTypeText).
		Content(content).
		Build()

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(body).
		Build()

	resp, err := a.client.Im.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		logger.WithFields(logrus.Fields{
			"code":       resp.Code,
			"msg":        resp.Msg,
			"request_id": resp.RequestId(),
		}).Error("failed-to-send-message-to-feishu-api-error")
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// extractTextContent extracts the text of a Feishu text message, whose
// content is {"text":"..."}
func extractTextContent(content string) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return content
	}
	return body.Text
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
