package telegram

import (
	"regexp"
	"strings"
)

// Heuristics deciding whether the bot should answer an un-addressed group
// message. Each signal adds to a score; answering needs a score of 4+,
// so a bare question mark alone never triggers a reply.
// \b is ASCII-only in RE2, so word edges are spelled out with \p{L}.
var (
	botAddressRe    = regexp.MustCompile(`(?i)(?:^|[^\p{L}_])(?:neuro-?bot|bot|bridge|нейро-?бот(?:ик)?|бот(?:ик|яра)?|бридж(?:ик)?)(?:[^\p{L}_]|$)`)
	questionMarkRe  = regexp.MustCompile(`\?`)
	interrogativeRe = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(how|why|where|when|who|what|which|help|как|почему|зачем|где|когда|сколько|кто|что|какой|какая|какие|помогите|подскажите)(?:[^\p{L}]|$)`)
	imperativeRe    = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(explain|tell|show|check|find|make|объясни|расскажи|скажи|подскажи|помоги|проверь|сделай|напиши|найди|покажи)(?:[^\p{L}]|$)`)
	noiseRe         = regexp.MustCompile(`^\s*(?:[^\p{L}\s]|\p{L}{1,2})\s*$`)
)

// shouldAnswer scores a group message for bot-directedness. Replies to
// the bot's own messages always answer; replies to other bots never do
// (the reply decision is made by the caller via repliedToBot).
func shouldAnswer(text, botUsername string, repliedToBot bool) bool {
	if repliedToBot {
		return true
	}
	if text == "" || noiseRe.MatchString(text) {
		return false
	}
	if botUsername != "" && strings.Contains(strings.ToLower(text), "@"+botUsername) {
		return true
	}

	score := 0
	if botAddressRe.MatchString(text) {
		score += 4
	}
	if questionMarkRe.MatchString(text) {
		score += 2
	}
	if interrogativeRe.MatchString(text) {
		score += 2
	}
	if imperativeRe.MatchString(text) {
		score++
	}
	if len(text) >= 25 {
		score++
	}
	return score >= 4
}
