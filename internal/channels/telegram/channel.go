// Package telegram is the thin Telegram adapter: it normalizes inbound
// updates into pipeline events, answers the handful of chat commands, and
// exposes the chat as a delivery.Transport.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/minebridge/bridgebot/internal/assemble"
	"github.com/minebridge/bridgebot/internal/bootstrap"
)

// sendRate paces all outgoing Telegram calls. The Bot API global quota is
// ~30 messages/second; staying under it avoids most 429s up front.
const sendRate = 25

// placeholderText is the interim message edited in place by the stream.
const placeholderText = "⏳ Typing..."

// Channel is the running Telegram adapter.
type Channel struct {
	bot         *telego.Bot
	svc         *bootstrap.Service
	limiter     *rate.Limiter
	botUsername string
}

// New creates the adapter from a bot token.
func New(token string, svc *bootstrap.Service) (*Channel, error) {
	bot, err := telego.NewBot(token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		bot:     bot,
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendRate),
	}, nil
}

// Start long-polls for updates until ctx is cancelled. Each update is
// handled in its own goroutine so one slow upstream call never blocks the
// intake loop.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	c.botUsername = strings.ToLower(me.Username)
	slog.Info("telegram: connected", "username", me.Username)

	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram: long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			go c.handleMessage(ctx, update.Message)
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telegram: handler panic", "panic", r)
		}
	}()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	chatID := msg.Chat.ID
	userID := msg.From.ID
	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	userKey := "tg:" + strconv.FormatInt(userID, 10)

	if c.handleCommand(ctx, msg, text, userKey) {
		return
	}

	if c.svc.Sessions.Freezes.Frozen(userKey) {
		return
	}

	if isGroup && !shouldAnswer(text, c.botUsername, repliesToBot(msg, c.botUsername)) {
		return
	}

	var ref assemble.ChatRef
	chatKey := strconv.FormatInt(chatID, 10)
	if isGroup {
		ref = assemble.SharedRef(chatKey)
	} else {
		ref = assemble.DirectRef(chatKey, strconv.FormatInt(userID, 10))
	}

	// Best effort: the typing hint is cosmetic.
	_ = c.bot.SendChatAction(ctx, &telego.SendChatActionParams{ChatID: tu.ID(chatID), Action: telego.ChatActionTyping})

	tr := &transport{bot: c.bot, chatID: chatID, replyTo: msg.MessageID, limiter: c.limiter}

	placeholder, err := tr.Send(ctx, placeholderText, true)
	if err != nil {
		slog.Warn("telegram: failed to send placeholder", "error", err)
		placeholder = ""
	}

	c.svc.Respond(ctx, bootstrap.Inbound{
		Ref:         ref,
		Text:        text,
		DisplayName: displayName(msg.From),
		UserKey:     userKey,
	}, tr, placeholder)
}

// repliesToBot reports whether msg is a direct reply to one of the bot's
// own messages.
func repliesToBot(msg *telego.Message, botUsername string) bool {
	reply := msg.ReplyToMessage
	if reply == nil || reply.From == nil || !reply.From.IsBot {
		return false
	}
	return strings.EqualFold(reply.From.Username, botUsername)
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}

func (c *Channel) reply(ctx context.Context, msg *telego.Message, text string) {
	params := tu.Message(tu.ID(msg.Chat.ID), text)
	params.ReplyParameters = &telego.ReplyParameters{MessageID: msg.MessageID}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		slog.Warn("telegram: reply failed", "error", err)
	}
}
