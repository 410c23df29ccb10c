package generation

import (
	"context"
	"strings"
)

// demoReplies maps lower-case keywords to canned replies. Order matters:
// the first keyword found in the user text wins.
var demoReplies = []struct {
	keyword string
	reply   string
}{
	{"hello", "hey! nice to meet you 😊 how's your day going?"},
	{"hi", "hi hi! what are you up to right now?"},
	{"how are you", "doing great now that someone's here to talk to! you?"},
	{"name", "names are overrated... tell me something fun about you first 😉"},
	{"weather", "no idea what it's like outside, I've been glued to my phone all day 🙈"},
	{"music", "ooh music! I've had the same song on repeat all week. what are you listening to?"},
	{"movie", "I'm always looking for movie recs, what's the last one you loved?"},
	{"love", "love is such a big word 💕 are you a hopeless romantic?"},
	{"bye", "aww leaving already? it was fun talking to you 👋"},
}

var demoFallbacks = []string{
	"haha tell me more!",
	"wait really? that's interesting 🤔",
	"I love that. what else do you like doing?",
	"okay you have my attention now 😄",
}

// Demo answers from a keyword table without calling any backend. It is used
// when no API key is configured so the service stays usable in development.
type Demo struct{}

// NewDemo returns the canned-reply client.
func NewDemo() *Demo { return &Demo{} }

func (Demo) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := strings.ToLower(req.UserText)
	for _, r := range demoReplies {
		if containsWord(text, r.keyword) {
			return r.reply, nil
		}
	}
	return demoFallbacks[len(req.History)%len(demoFallbacks)], nil
}

// containsWord matches keyword at word boundaries so "hi" does not match "this".
func containsWord(text, keyword string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], keyword)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(keyword)
		if (start == 0 || !isLetter(text[start-1])) && (end == len(text) || !isLetter(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z'
}

var _ Client = Demo{}
