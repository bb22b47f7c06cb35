// Package discord is the Discord adapter. It mirrors the Telegram
// adapter's shape: inbound gateway events are normalized into pipeline
// events and the channel is exposed as a delivery.Transport. Discord
// renders Markdown natively, so the rich/plain split collapses here.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/minebridge/bridgebot/internal/assemble"
	"github.com/minebridge/bridgebot/internal/bootstrap"
)

// Channel is the running Discord adapter.
type Channel struct {
	sess  *discordgo.Session
	svc   *bootstrap.Service
	botID string
}

// New creates the adapter from a bot token.
func New(token string, svc *bootstrap.Service) (*Channel, error) {
	sess, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	return &Channel{sess: sess, svc: svc}, nil
}

// Start opens the gateway connection and handles events until ctx is
// cancelled. discordgo paces its own REST calls against Discord's rate
// buckets, so no extra limiter sits in front of the transport.
func (c *Channel) Start(ctx context.Context) error {
	c.sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		go c.handleMessage(ctx, m)
	})

	if err := c.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	c.botID = c.sess.State.User.ID
	slog.Info("discord: connected", "username", c.sess.State.User.Username)

	<-ctx.Done()
	if err := c.sess.Close(); err != nil {
		slog.Warn("discord: close failed", "error", err)
	}
	return ctx.Err()
}

func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("discord: handler panic", "panic", r)
		}
	}()

	if m.Author == nil || m.Author.Bot {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	isGuild := m.GuildID != ""
	userKey := "ds:" + m.Author.ID

	if c.handleCommand(ctx, m, text, userKey) {
		return
	}

	if c.svc.Sessions.Freezes.Frozen(userKey) {
		return
	}

	if isGuild && !c.mentionsBot(m) && !shouldAnswer(text) {
		// Unanswered guild chatter still feeds the shared transcript so
		// later replies have the surrounding conversation.
		c.svc.Sessions.AppendLine(m.ChannelID, displayName(m.Author), false, text)
		return
	}

	var ref assemble.ChatRef
	if isGuild {
		ref = assemble.SharedRef(m.ChannelID)
	} else {
		ref = assemble.DirectRef(m.ChannelID, m.Author.ID)
	}

	// Best effort: the typing hint is cosmetic.
	_ = c.sess.ChannelTyping(m.ChannelID, discordgo.WithContext(ctx))

	tr := &transport{sess: c.sess, channelID: m.ChannelID, replyTo: m.Reference()}

	placeholder, err := tr.Send(ctx, placeholderText, true)
	if err != nil {
		slog.Warn("discord: failed to send placeholder", "error", err)
		placeholder = ""
	}

	c.svc.Respond(ctx, bootstrap.Inbound{
		Ref:         ref,
		Text:        text,
		DisplayName: displayName(m.Author),
		UserKey:     userKey,
	}, tr, placeholder)
}

// placeholderText is the interim message edited in place by the stream.
const placeholderText = "⏳ Typing..."

func (c *Channel) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botID {
			return true
		}
	}
	return false
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func (c *Channel) reply(ctx context.Context, m *discordgo.MessageCreate, text string) {
	_, err := c.sess.ChannelMessageSendReply(m.ChannelID, text, m.Reference(), discordgo.WithContext(ctx))
	if err != nil {
		slog.Warn("discord: reply failed", "error", err)
	}
}
