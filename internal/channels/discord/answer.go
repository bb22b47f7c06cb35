package discord

import "strings"

// answerKeywords are the substrings that mark a guild message as a
// likely question for the bot. Deliberately cruder than the Telegram
// heuristic: Discord guilds are chattier and mentions do most of the
// addressing work there.
var answerKeywords = []string{
	"how", "what", "why", "help",
	"как", "что", "почему", "зачем", "помоги", "статус", "player",
}

// shouldAnswer scores an un-addressed guild message. A question mark
// plus either a keyword or some length is enough; bare statements are
// left alone.
func shouldAnswer(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	score := 0
	if strings.Contains(t, "?") {
		score += 2
	}
	for _, kw := range answerKeywords {
		if strings.Contains(t, kw) {
			score += 2
			break
		}
	}
	if len(t) >= 25 {
		score++
	}
	return score >= 3
}
