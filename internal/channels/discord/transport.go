package discord

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"

	"github.com/minebridge/bridgebot/internal/delivery"
)

// transport binds the delivery.Transport contract to one Discord channel.
// Discord has no parse mode: Markdown is always rendered, so rich is
// ignored and ErrBadMarkup never occurs here.
type transport struct {
	sess      *discordgo.Session
	channelID string
	replyTo   *discordgo.MessageReference // message being answered; nil = none
}

// Discord caps messages at 2000 chars; keep a margin for safety.
func (t *transport) MaxMessageLen() int { return 1900 }

func (t *transport) Send(ctx context.Context, text string, _ bool) (delivery.MessageID, error) {
	msg, err := t.sess.ChannelMessageSendComplex(t.channelID, &discordgo.MessageSend{
		Content:   text,
		Reference: t.replyTo,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return delivery.MessageID(msg.ID), nil
}

func (t *transport) Edit(ctx context.Context, id delivery.MessageID, text string, _ bool) error {
	_, err := t.sess.ChannelMessageEdit(t.channelID, string(id), text, discordgo.WithContext(ctx))
	if err != nil {
		return mapError(err)
	}
	return nil
}

// mapError converts discordgo errors into the delivery taxonomy. discordgo
// already sleeps through most bucket limits internally; a surfaced
// RateLimitError means the global limit was hit.
func mapError(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &delivery.RateLimitedError{RetryAfter: rl.RetryAfter}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == 429 {
		return &delivery.RateLimitedError{}
	}
	return err
}
