package session

import (
	"time"
	"unicode"
	"unicode/utf8"
)

// TimingModel computes the artificial typing delay applied before a reply
// is delivered. Delay is monotone in both text length and emoji count and
// never exceeds Max.
type TimingModel struct {
	// Enabled turns pacing on. When false Delay always returns zero.
	Enabled  bool
	Base     time.Duration
	PerRune  time.Duration
	PerEmoji time.Duration
	Max      time.Duration
}

// DefaultTiming returns the pacing used in production.
func DefaultTiming() TimingModel {
	return TimingModel{
		Enabled:  true,
		Base:     500 * time.Millisecond,
		PerRune:  30 * time.Millisecond,
		PerEmoji: 250 * time.Millisecond,
		Max:      6 * time.Second,
	}
}

// Delay returns the pause for a reply of the given text.
func (m TimingModel) Delay(text string) time.Duration {
	if !m.Enabled {
		return 0
	}
	d := m.Base +
		time.Duration(utf8.RuneCountInString(text))*m.PerRune +
		time.Duration(CountEmoji(text))*m.PerEmoji
	if m.Max > 0 && d > m.Max {
		d = m.Max
	}
	return d
}

// CountEmoji counts pictographic runes: the emoji blocks plus other symbols.
func CountEmoji(text string) int {
	n := 0
	for _, r := range text {
		if isEmoji(r) {
			n++
		}
	}
	return n
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0x2B50 || r == 0x2B55:
		return true
	}
	return unicode.Is(unicode.So, r) && r > 0x2000
}
