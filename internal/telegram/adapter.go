package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/convaichat/internal/chat"
	"github.com/user/convaichat/internal/render"
	"github.com/user/convaichat/internal/types"
)

const maxTelegramMessage = 4096

const placeholder = "…"

// sender is the part of tgbotapi.BotAPI the adapter sends through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram to the chat service.
type Adapter struct {
	bot          *tgbotapi.BotAPI
	out          sender
	chat         *chat.Service
	editInterval time.Duration
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEditInterval sets the minimum time between live edits of a reply.
func WithEditInterval(d time.Duration) Option {
	return func(a *Adapter) { a.editInterval = d }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates a Telegram adapter.
func New(token string, svc *chat.Service, opts ...Option) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, svc, opts...)
	a.bot = bot
	return a, nil
}

func newAdapter(out sender, svc *chat.Service, opts ...Option) *Adapter {
	a := &Adapter{
		out:          out,
		chat:         svc,
		editInterval: time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins long-polling for Telegram updates. Each message is handled
// on its own goroutine; the chat service rejects overlapping turns of one
// chat. Start returns once ctx is done and in-flight replies finished.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer a.wg.Done()
				a.handleMessage(ctx, msg)
			}(update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			a.wg.Wait()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	key := buildSessionKey(msg.From.ID, msg.Chat.ID)
	a.stream(msg.Chat.ID, func(onDelta func(string)) (*chat.Reply, error) {
		return a.chat.SendMessage(ctx, key, msg.Text, onDelta)
	})
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildSessionKey(msg.From.ID, msg.Chat.ID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, types.Greeting)

	case "new":
		if _, err := a.chat.Clear(ctx, key); err != nil {
			a.sendResponse(chatID, errorText(err))
			return
		}
		a.sendResponse(chatID, "Started a new conversation. "+types.Greeting)

	case "retry":
		a.stream(chatID, func(onDelta func(string)) (*chat.Reply, error) {
			return a.chat.RetryLastMessage(ctx, key, onDelta)
		})

	case "status":
		history, err := a.chat.History(ctx, key, 0)
		if err != nil {
			a.logger.Error("status lookup failed", "session_key", string(key), "error", err)
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		thread, err := a.chat.Thread(ctx, key)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Thread: %s\nMessages: %d", thread.ThreadID, len(history)))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /retry, /status")
	}
}

// stream posts a placeholder, runs the turn while editing the placeholder
// with the text so far, then replaces it with the rendered reply.
func (a *Adapter) stream(chatID int64, run func(onDelta func(string)) (*chat.Reply, error)) {
	sent, err := a.out.Send(tgbotapi.NewMessage(chatID, placeholder))
	if err != nil {
		a.logger.Error("send placeholder failed", "chat_id", chatID, "error", err)
		return
	}

	var (
		text     string
		shown    string
		lastEdit time.Time
	)
	onDelta := func(delta string) {
		text += delta
		if time.Since(lastEdit) < a.editInterval {
			return
		}
		preview := truncate(text, maxTelegramMessage)
		if preview == shown || preview == "" {
			return
		}
		if _, err := a.out.Send(tgbotapi.NewEditMessageText(chatID, sent.MessageID, preview)); err != nil {
			a.logger.Debug("live edit failed", "chat_id", chatID, "error", err)
		}
		shown = preview
		lastEdit = time.Now()
	}

	reply, err := run(onDelta)
	if err != nil {
		a.edit(chatID, sent.MessageID, errorText(err))
		return
	}

	final := render.Markdown(reply.Message.Content)
	if sources := render.Sources(reply.Turn.ToolCalls); sources != "" {
		final += "\n\n" + sources
	}
	if final == "" {
		final = "(empty response)"
	}
	parts := splitMessage(final)
	a.edit(chatID, sent.MessageID, parts[0])
	for _, part := range parts[1:] {
		a.sendResponse(chatID, part)
	}
}

// edit replaces the text of a sent message, retrying without markdown if
// Telegram rejects it.
func (a *Adapter) edit(chatID int64, messageID int, text string) {
	msg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := a.out.Send(msg); err != nil {
		msg.ParseMode = ""
		if _, err := a.out.Send(msg); err != nil {
			a.logger.Error("edit message failed", "chat_id", chatID, "error", err)
		}
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.out.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.out.Send(msg); err != nil {
				a.logger.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func errorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return "Still working on your previous message."
	case errors.Is(err, chat.ErrNothingToRetry):
		return "There is nothing to retry yet."
	case errors.Is(err, chat.ErrEmptyMessage):
		return "Please send a non-empty message."
	default:
		return "Sorry, something went wrong: " + err.Error()
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		part := truncate(text, maxTelegramMessage)
		parts = append(parts, part)
		text = text[len(part):]
	}
	return parts
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}
