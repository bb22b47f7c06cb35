package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// freezeOptions are the accepted /freeze durations in hours.
var freezeOptions = []int{1, 2, 3, 4}

// handleCommand intercepts the known bot commands. Returns true when the
// message was consumed.
func (c *Channel) handleCommand(ctx context.Context, m *discordgo.MessageCreate, text, userKey string) bool {
	if !strings.HasPrefix(text, "/") {
		return false
	}

	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "/status":
		status, err := c.svc.Game.FetchStatus(ctx)
		if err != nil {
			c.reply(ctx, m, "⚠️ Couldn't reach the status API, try again later.")
			return true
		}
		c.reply(ctx, m, c.svc.Game.FormatStatus(status))
		return true

	case "/player":
		nick := displayName(m.Author)
		if len(fields) > 1 {
			nick = fields[1]
		}
		info, err := c.svc.Game.FetchPlayer(ctx, nick)
		if err != nil || info == "" {
			c.reply(ctx, m, fmt.Sprintf("Player `%s` not found.", nick))
			return true
		}
		c.reply(ctx, m, fmt.Sprintf("**Player** `%s`:\n```json\n%s\n```", nick, info))
		return true

	case "/freeze":
		hours := 0
		if len(fields) > 1 {
			hours, _ = strconv.Atoi(fields[1])
		}
		if !validFreeze(hours) {
			opts := make([]string, len(freezeOptions))
			for i, h := range freezeOptions {
				opts[i] = strconv.Itoa(h)
			}
			c.reply(ctx, m, "Usage: /freeze <hours>, one of: "+strings.Join(opts, ", "))
			return true
		}
		until := c.svc.Sessions.Freezes.Set(userKey, time.Duration(hours)*time.Hour)
		c.reply(ctx, m, fmt.Sprintf("Auto-replies are frozen until %s.", until.Format("15:04")))
		return true

	case "/unfreeze":
		if c.svc.Sessions.Freezes.Clear(userKey) {
			c.reply(ctx, m, "Freeze lifted, I'm back.")
		} else {
			c.reply(ctx, m, "No active freeze.")
		}
		return true

	case "/index":
		if c.svc.Index == nil {
			c.reply(ctx, m, "Knowledge base is disabled.")
			return true
		}
		c.reply(ctx, m, "🔄 Rebuilding the index...")
		c.svc.Index.Invalidate()
		if err := c.svc.Index.Ensure(ctx); err != nil {
			c.reply(ctx, m, "⚠️ Rebuild failed, the previous index is still in use.")
			return true
		}
		c.reply(ctx, m, fmt.Sprintf("✅ Done. Chunks: %d", c.svc.Index.ChunkCount()))
		return true
	}

	return false
}

func validFreeze(hours int) bool {
	for _, h := range freezeOptions {
		if h == hours {
			return true
		}
	}
	return false
}
