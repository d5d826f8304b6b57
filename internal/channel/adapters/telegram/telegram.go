package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/filedrop/internal/channel"
	"github.com/memohai/filedrop/internal/config"
)

// Type is the Telegram channel type.
const Type channel.ChannelType = "telegram"

const (
	telegramMaxMessageLength = 4096
	defaultRetryDelay        = 3 * time.Second
)

// ErrPollingConflict reports that another process is consuming updates for
// the same bot token.
var ErrPollingConflict = errors.New("telegram: another getUpdates consumer is running")

// PollStatus is a snapshot of the polling loop.
type PollStatus struct {
	Running    bool
	Conflict   bool
	LastPollAt time.Time
	LastError  string
}

// TelegramAdapter long-polls Telegram for updates and sends replies.
type TelegramAdapter struct {
	logger      *slog.Logger
	bot         *tgbotapi.BotAPI
	pollTimeout int
	retryDelay  time.Duration

	mu     sync.RWMutex
	status PollStatus
}

// NewTelegramAdapter authenticates the bot token (getMe) and returns an adapter.
func NewTelegramAdapter(log *slog.Logger, cfg config.TelegramConfig) (*TelegramAdapter, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.APIEndpoint)
	if err != nil {
		log.Error("create bot failed", slog.String("adapter", Type.String()), slog.Any("error", redactToken(err, cfg.BotToken)))
		return nil, fmt.Errorf("create telegram bot: %w", redactToken(err, cfg.BotToken))
	}
	adapter := newTelegramAdapter(log, bot, cfg.PollTimeout)
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter, nil
}

func newTelegramAdapter(log *slog.Logger, bot *tgbotapi.BotAPI, pollTimeout int) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &TelegramAdapter{
		logger:      log.With(slog.String("adapter", Type.String())),
		bot:         bot,
		pollTimeout: pollTimeout,
		retryDelay:  defaultRetryDelay,
	}
}

// ClearWebhook removes any registered webhook so that long polling does not
// conflict with push delivery.
func (a *TelegramAdapter) ClearWebhook(dropPendingUpdates bool) error {
	_, err := a.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPendingUpdates})
	if err != nil {
		return fmt.Errorf("delete webhook: %w", redactToken(err, a.bot.Token))
	}
	return nil
}

// Poll long-polls getUpdates until ctx is done and calls handler for each
// message, one at a time. It returns ErrPollingConflict when Telegram reports
// another consumer; other errors are logged and retried.
func (a *TelegramAdapter) Poll(ctx context.Context, handler channel.InboundHandler) error {
	a.logger.Info("polling started", slog.String("bot", a.bot.Self.UserName))
	a.setStatus(func(st *PollStatus) { st.Running = true })
	defer a.setStatus(func(st *PollStatus) { st.Running = false })

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updateConfig := tgbotapi.NewUpdate(offset)
		updateConfig.Timeout = a.pollTimeout
		updates, err := a.getUpdates(ctx, updateConfig)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		a.recordPoll(err)
		if err != nil {
			if isTelegramConflict(err) {
				a.setStatus(func(st *PollStatus) { st.Conflict = true })
				return fmt.Errorf("%w: %v", ErrPollingConflict, err)
			}
			a.logger.Warn("get updates failed, retrying",
				slog.Duration("retry_in", a.retryDelay),
				slog.Any("error", redactToken(err, a.bot.Token)),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.retryDelay):
			}
			continue
		}
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			msg, ok := toInboundMessage(update.Message)
			if !ok {
				continue
			}
			a.logger.Info(
				"inbound received",
				slog.Int64("chat_id", msg.ChatID),
				slog.Int64("user_id", msg.Sender.UserID),
				slog.String("username", msg.Sender.Username),
				slog.Bool("document", msg.HasDocument()),
			)
			if err := handler(ctx, msg); err != nil {
				a.logger.Error("handle inbound failed", slog.Int64("chat_id", msg.ChatID), slog.Any("error", err))
			}
		}
	}
}

// getUpdates returns as soon as ctx is done. The abandoned request's updates
// are not acknowledged, so Telegram delivers them again on the next poll.
func (a *TelegramAdapter) getUpdates(ctx context.Context, cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := a.bot.GetUpdates(cfg)
		done <- result{updates: updates, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.updates, res.err
	}
}

// PollStatus returns the current polling state.
func (a *TelegramAdapter) PollStatus() PollStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *TelegramAdapter) setStatus(fn func(st *PollStatus)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.status)
}

func (a *TelegramAdapter) recordPoll(err error) {
	a.setStatus(func(st *PollStatus) {
		if err != nil {
			st.LastError = redactToken(err, a.bot.Token).Error()
			return
		}
		st.LastPollAt = time.Now()
		st.LastError = ""
	})
}

// Reply sends text to chatID.
func (a *TelegramAdapter) Reply(_ context.Context, chatID int64, text string) error {
	if err := sendTelegramText(a.bot, chatID, text); err != nil {
		return fmt.Errorf("send message: %w", redactToken(err, a.bot.Token))
	}
	return nil
}

func toInboundMessage(msg *tgbotapi.Message) (channel.InboundMessage, bool) {
	if msg == nil {
		return channel.InboundMessage{}, false
	}
	var doc *channel.Document
	if msg.Document != nil && strings.TrimSpace(msg.Document.FileID) != "" {
		doc = &channel.Document{
			FileID:   strings.TrimSpace(msg.Document.FileID),
			FileName: strings.TrimSpace(msg.Document.FileName),
			MimeType: strings.TrimSpace(msg.Document.MimeType),
			Size:     int64(msg.Document.FileSize),
		}
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" && doc == nil {
		return channel.InboundMessage{}, false
	}
	var chatID int64
	if msg.Chat != nil {
		chatID = msg.Chat.ID
	}
	return channel.InboundMessage{
		Channel:    Type,
		ID:         msg.MessageID,
		ChatID:     chatID,
		Sender:     resolveTelegramSender(msg),
		Text:       text,
		Document:   doc,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}, true
}

func resolveTelegramSender(msg *tgbotapi.Message) channel.Identity {
	if msg == nil || msg.From == nil {
		return channel.Identity{}
	}
	username := strings.TrimSpace(msg.From.UserName)
	displayName := username
	if displayName == "" {
		displayName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	return channel.Identity{
		UserID:      msg.From.ID,
		Username:    username,
		DisplayName: displayName,
	}
}

func sendTelegramText(bot *tgbotapi.BotAPI, chatID int64, text string) error {
	text = truncateTelegramText(sanitizeTelegramText(text))
	if strings.TrimSpace(text) == "" {
		return errors.New("message is required")
	}
	_, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func telegramAPIError(err error) (tgbotapi.Error, bool) {
	if err == nil {
		return tgbotapi.Error{}, false
	}
	var apiErr tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *tgbotapi.Error
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return tgbotapi.Error{}, false
}

func isTelegramConflict(err error) bool {
	apiErr, ok := telegramAPIError(err)
	return ok && apiErr.Code == 409
}

// redactToken removes the bot token from errors that embed request URLs.
func redactToken(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), cause: err}
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

