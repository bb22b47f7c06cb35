package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/minebridge/bridgebot/internal/delivery"
)

// transport binds the delivery.Transport contract to one Telegram chat.
// A process-wide limiter paces all outgoing calls under Telegram's global
// quota; per-chat pushback still arrives as 429s and is mapped onto the
// delivery error taxonomy.
type transport struct {
	bot     *telego.Bot
	chatID  int64
	replyTo int // message being answered; 0 = none
	limiter *rate.Limiter
}

// Telegram caps messages at 4096 chars; stay a little under it.
func (t *transport) MaxMessageLen() int { return 4000 }

func (t *transport) Send(ctx context.Context, text string, rich bool) (delivery.MessageID, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	params := tu.Message(tu.ID(t.chatID), text)
	if rich {
		params.ParseMode = telego.ModeMarkdown
	}
	if t.replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: t.replyTo}
	}
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return "", mapError(err)
	}
	return delivery.MessageID(strconv.Itoa(msg.MessageID)), nil
}

func (t *transport) Edit(ctx context.Context, id delivery.MessageID, text string, rich bool) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	messageID, err := strconv.Atoi(string(id))
	if err != nil {
		return err
	}
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: messageID,
		Text:      text,
	}
	if rich {
		params.ParseMode = telego.ModeMarkdown
	}
	if _, err := t.bot.EditMessageText(ctx, params); err != nil {
		// Editing with unchanged text is not a failure worth surfacing.
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return mapError(err)
	}
	return nil
}

// mapError converts telego API errors into the delivery taxonomy.
func mapError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == 429 {
			wait := time.Duration(0)
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				wait = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &delivery.RateLimitedError{RetryAfter: wait}
		}
		if strings.Contains(strings.ToLower(apiErr.Description), "can't parse entities") {
			return delivery.ErrBadMarkup
		}
	}
	return err
}
