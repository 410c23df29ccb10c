package persona

import "strings"

// Compose builds the instruction text for a session. With enabled, non-blank
// rules the result is rules + "\n\n" + personality; otherwise the personality
// alone. A blank personality is ErrEmptyPersonality.
func Compose(rules *Rules, personality string) (string, error) {
	if strings.TrimSpace(personality) == "" {
		return "", ErrEmptyPersonality
	}
	if rules == nil || !rules.Enabled || strings.TrimSpace(rules.Text) == "" {
		return personality, nil
	}
	return rules.Text + "\n\n" + personality, nil
}
