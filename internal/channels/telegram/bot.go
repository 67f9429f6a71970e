// Package telegram connects a Telegram bot account to the agent. Every
// chat gets its own serial queue lane; group messages that do not address
// the bot are buffered as pending context.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/therenovatio/teleton-agent-sub000/internal/agent"
	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
	"github.com/therenovatio/teleton-agent-sub000/internal/queue"
)

const (
	keyPrefix     = "tg:"
	maxMessageLen = 4096

	GroupModeMention = "mention"
	GroupModeAll     = "all"
)

// API is the subset of tgbotapi.BotAPI the bot uses
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Agent is what the bot drives
type Agent interface {
	ProcessMessage(ctx context.Context, msg agent.Message) (*agent.Response, error)
	RecordPending(msg agent.Message)
	ClearHistory(ctx context.Context, chatKey string) error
}

// Queue serializes work per chat
type Queue interface {
	Enqueue(key string, task queue.Task) (*queue.Handle, error)
}

// Config holds Telegram bot configuration
type Config struct {
	Token     string
	Enabled   bool
	AllowList []int64 // empty = allow all
	GroupMode string
}

// Bot represents a Telegram bot integration
type Bot struct {
	api       API
	self      tgbotapi.User
	agent     Agent
	queue     Queue
	logger    *zap.Logger
	groupMode string
	allowList map[int64]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBot authorizes against the Bot API. A disabled config yields a nil
// bot and no error.
func NewBot(cfg Config, a Agent, q Queue, logger *zap.Logger) (*Bot, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "failed to authorize telegram bot")
	}
	api.Debug = false
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))

	return newBot(api, api.Self, cfg, a, q, logger), nil
}

func newBot(api API, self tgbotapi.User, cfg Config, a Agent, q Queue, logger *zap.Logger) *Bot {
	allowList := make(map[int64]bool, len(cfg.AllowList))
	for _, id := range cfg.AllowList {
		allowList[id] = true
	}
	mode := cfg.GroupMode
	if mode == "" {
		mode = GroupModeMention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		api:       api,
		self:      self,
		agent:     a,
		queue:     q,
		logger:    logger.Named("telegram"),
		groupMode: mode,
		allowList: allowList,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins long polling
func (b *Bot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go b.run(updates)
	return nil
}

// Stop stops polling. Queued work is drained by the queue owner.
func (b *Bot) Stop() {
	b.cancel()
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}

func (b *Bot) run(updates tgbotapi.UpdatesChannel) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(update); err != nil {
				b.logger.Error("Failed to handle update", zap.Error(err))
			}
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}
	if msg.From.IsBot {
		return nil
	}

	if len(b.allowList) > 0 && !b.allowList[msg.From.ID] {
		if msg.Chat.IsPrivate() {
			_, err := b.send(msg.Chat.ID, "You are not authorized to use this bot.", 0)
			return err
		}
		return nil
	}

	if msg.IsCommand() && b.commandForUs(msg) {
		return b.handleCommand(msg)
	}

	in := b.toMessage(msg)
	if in.Text == "" && in.MediaType == "" {
		return nil
	}

	if in.IsGroup && !b.addressed(msg) {
		b.agent.RecordPending(in)
		return nil
	}

	return b.dispatch(in)
}

// dispatch enqueues msg on its chat lane. It does not wait for the run.
func (b *Bot) dispatch(in agent.Message) error {
	_, err := b.queue.Enqueue(in.ChatKey, func(ctx context.Context) error {
		return b.process(ctx, in)
	})
	return err
}

func (b *Bot) process(ctx context.Context, in agent.Message) error {
	chatID, err := ParseChatKey(in.ChatKey)
	if err != nil {
		return err
	}

	if _, err := b.api.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Typing indicator failed", zap.Error(err))
	}

	resp, err := b.agent.ProcessMessage(ctx, in)
	if err != nil {
		b.logger.Error("Agent error", zap.String("chat", in.ChatKey), zap.Error(err))
		_, sendErr := b.send(chatID, userFacingError(err), in.MessageID)
		return errors.Join(err, sendErr)
	}

	if resp.Content == "" {
		return nil
	}
	replyTo := 0
	if in.IsGroup {
		replyTo = in.MessageID
	}
	_, err = b.send(chatID, resp.Content, replyTo)
	return err
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrContextOverflowRepeated):
		return "This conversation no longer fits in my context. Use /reset to start over."
	case errors.Is(err, apperrors.ErrRateLimitExhausted):
		return "I'm being rate limited right now. Please try again in a minute."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long, please try again."
	default:
		return "Something went wrong while processing your message."
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start", "help":
		_, err := b.send(chatID, `*Commands*

/reset - archive this chat's history and start fresh
/status - check that the bot is running

In groups, mention me or reply to one of my messages.`, 0)
		return err

	case "reset", "new":
		key := ChatKey(chatID)
		// runs on the chat lane so it cannot interleave with a reply in progress
		_, err := b.queue.Enqueue(key, func(ctx context.Context) error {
			if err := b.agent.ClearHistory(ctx, key); err != nil {
				_, _ = b.send(chatID, "Could not reset the conversation.", 0)
				return err
			}
			_, err := b.send(chatID, "Conversation reset. History archived.", 0)
			return err
		})
		return err

	case "status":
		_, err := b.send(chatID, "Running and ready.", 0)
		return err

	default:
		// unknown commands go to the agent as plain text
		return b.dispatch(b.toMessage(msg))
	}
}

// commandForUs filters /cmd@otherbot in groups
func (b *Bot) commandForUs(msg *tgbotapi.Message) bool {
	cmd := msg.CommandWithAt()
	at := strings.IndexByte(cmd, '@')
	if at < 0 {
		return true
	}
	return strings.EqualFold(cmd[at+1:], b.self.UserName)
}

// addressed reports whether a group message is meant for the bot
func (b *Bot) addressed(msg *tgbotapi.Message) bool {
	if b.groupMode == GroupModeAll {
		return true
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == b.self.ID {
		return true
	}

	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	for _, e := range entities {
		if e.Type == "text_mention" && e.User != nil && e.User.ID == b.self.ID {
			return true
		}
	}
	if b.self.UserName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(b.self.UserName))
}

func (b *Bot) toMessage(msg *tgbotapi.Message) agent.Message {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	isGroup := msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()

	return agent.Message{
		ChatKey:        ChatKey(msg.Chat.ID),
		Text:           text,
		SenderID:       msg.From.ID,
		SenderName:     name,
		SenderUsername: msg.From.UserName,
		IsGroup:        isGroup,
		ChatTitle:      msg.Chat.Title,
		MediaType:      mediaType(msg),
		Timestamp:      msg.Time(),
		MessageID:      msg.MessageID,
		Platform:       b,
	}
}

func mediaType(msg *tgbotapi.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return "photo"
	case msg.Voice != nil:
		return "voice"
	case msg.Video != nil:
		return "video"
	case msg.Sticker != nil:
		return "sticker"
	case msg.Document != nil:
		return "document"
	case msg.Audio != nil:
		return "audio"
	}
	return ""
}

// SendMessage delivers text to the chat behind chatKey. Long texts are
// split; the id of the last part is returned.
func (b *Bot) SendMessage(ctx context.Context, chatKey, text string, replyTo int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	chatID, err := ParseChatKey(chatKey)
	if err != nil {
		return 0, err
	}
	return b.send(chatID, text, replyTo)
}

func (b *Bot) send(chatID int64, text string, replyTo int) (int, error) {
	var lastID int
	for i, part := range splitMessage(text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}

		sent, err := b.api.Send(msg)
		if err != nil {
			// Try without markdown if it fails
			msg.ParseMode = ""
			sent, err = b.api.Send(msg)
			if err != nil {
				return lastID, fmt.Errorf("telegram send failed: %w", err)
			}
		}
		lastID = sent.MessageID
	}
	return lastID, nil
}

// splitMessage cuts text into chunks of at most limit bytes, preferring
// line breaks and never splitting a rune.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// ChatKey is the queue and session key for a Telegram chat
func ChatKey(chatID int64) string {
	return keyPrefix + strconv.FormatInt(chatID, 10)
}

// ParseChatKey is the inverse of ChatKey
func ParseChatKey(key string) (int64, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		return 0, apperrors.New(apperrors.ErrBadRequest.Code, fmt.Sprintf("not a telegram chat key: %q", key))
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, keyPrefix), 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrBadRequest.Code, "invalid telegram chat id")
	}
	return id, nil
}

// Info returns bot information
func (b *Bot) Info() map[string]interface{} {
	return map[string]interface{}{
		"username":   b.self.UserName,
		"first_name": b.self.FirstName,
		"group_mode": b.groupMode,
	}
}
