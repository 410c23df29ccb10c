package session

import (
	"strings"
	"testing"
	"time"
)

func TestTimingModel_Delay(t *testing.T) {
	m := TimingModel{Enabled: true, Base: 100 * time.Millisecond, PerRune: 10 * time.Millisecond, PerEmoji: 50 * time.Millisecond, Max: time.Second}

	if got := m.Delay(""); got != 100*time.Millisecond {
		t.Errorf("expected base delay for empty text, got %v", got)
	}
	if got := m.Delay("hello"); got != 150*time.Millisecond {
		t.Errorf("expected 150ms, got %v", got)
	}
	// one rune plus one emoji
	if got := m.Delay("😀"); got != 160*time.Millisecond {
		t.Errorf("expected 160ms, got %v", got)
	}
	if got := m.Delay(strings.Repeat("x", 500)); got != time.Second {
		t.Errorf("expected clamp to max, got %v", got)
	}
}

func TestTimingModel_Monotone(t *testing.T) {
	m := DefaultTiming()
	prev := time.Duration(0)
	text := ""
	for i := 0; i < 300; i++ {
		if i%7 == 0 {
			text += "🎉"
		} else {
			text += "a"
		}
		d := m.Delay(text)
		if d < prev {
			t.Fatalf("delay decreased at length %d: %v < %v", i, d, prev)
		}
		if d > m.Max {
			t.Fatalf("delay %v exceeds max %v", d, m.Max)
		}
		prev = d
	}
}

func TestTimingModel_Disabled(t *testing.T) {
	m := DefaultTiming()
	m.Enabled = false
	if got := m.Delay("a long reply ✨✨✨"); got != 0 {
		t.Errorf("expected zero delay when disabled, got %v", got)
	}
}

func TestCountEmoji(t *testing.T) {
	tests := map[string]int{
		"":             0,
		"plain text":   0,
		"hi 😀":         1,
		"✨ stars ⭐":    2,
		"café, naïve!": 0,
		"🐱🐶🦊":          3,
	}
	for in, want := range tests {
		if got := CountEmoji(in); got != want {
			t.Errorf("CountEmoji(%q): expected %d, got %d", in, want, got)
		}
	}
}
