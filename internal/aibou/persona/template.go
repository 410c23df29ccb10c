// Package persona loads personality templates and the global style rules and
// composes them into the instruction text a session sends with every
// generation call.
package persona

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTemplateNotFound is returned when no template exists for an id.
	ErrTemplateNotFound = errors.New("persona: template not found")
	// ErrInvalidTemplate is returned when a stored template document is malformed.
	ErrInvalidTemplate = errors.New("persona: invalid template")
	// ErrEmptyPersonality is returned by Compose when the personality text is blank.
	ErrEmptyPersonality = errors.New("persona: empty personality")
)

// Default generation parameters, applied when a template leaves them unset.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.9
	DefaultMaxTokens   = 150
)

// PromptSource records which document field supplied the personality text.
type PromptSource string

const (
	SourcePersonalityPrompt PromptSource = "personalityPrompt"
	SourceSystemPrompt      PromptSource = "systemPrompt"
)

// Params are the generation parameters carried by a template.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Rules is the global rule set prepended to every personality.
type Rules struct {
	Text    string
	Enabled bool
	Version string
}

// Template is the canonical, read-only personality shape consumed by the
// session table. It is produced once per load from a Document.
type Template struct {
	ID              string
	Title           string
	Description     string
	Category        string
	PersonalityText string
	WelcomeMessage  string
	Tags            []string
	Public          bool
	Params          Params
	Source          PromptSource
	// Rules is attached by Catalog.Resolve; nil when no rules are configured.
	Rules *Rules
}

// Document is a stored template in either of its two historical shapes:
// current documents carry personalityPrompt, older ones only systemPrompt.
type Document struct {
	ID                string   `json:"id,omitempty" yaml:"id,omitempty"`
	Title             string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description       string   `json:"description,omitempty" yaml:"description,omitempty"`
	Category          string   `json:"category,omitempty" yaml:"category,omitempty"`
	PersonalityPrompt string   `json:"personalityPrompt,omitempty" yaml:"personalityPrompt,omitempty"`
	SystemPrompt      string   `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	WelcomeMessage    string   `json:"welcomeMessage,omitempty" yaml:"welcomeMessage,omitempty"`
	Model             string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens         int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Tags              []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	IsPublic          *bool    `json:"isPublic,omitempty" yaml:"isPublic,omitempty"`
}

// RulesDocument is the stored form of the global rules.
type RulesDocument struct {
	Rules   string `json:"rules" yaml:"rules"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// Canonical resolves the document into a Template. personalityPrompt wins
// over systemPrompt; nothing downstream sees which one was used except Source.
func (d Document) Canonical() (Template, error) {
	if d.ID == "" {
		return Template{}, fmt.Errorf("%w: missing id", ErrInvalidTemplate)
	}
	t := Template{
		ID:             d.ID,
		Title:          d.Title,
		Description:    d.Description,
		Category:       d.Category,
		WelcomeMessage: d.WelcomeMessage,
		Tags:           append([]string(nil), d.Tags...),
		Public:         d.IsPublic == nil || *d.IsPublic,
		Params: Params{
			Model:       d.Model,
			Temperature: DefaultTemperature,
			MaxTokens:   d.MaxTokens,
		},
	}
	switch {
	case strings.TrimSpace(d.PersonalityPrompt) != "":
		t.PersonalityText, t.Source = d.PersonalityPrompt, SourcePersonalityPrompt
	case strings.TrimSpace(d.SystemPrompt) != "":
		t.PersonalityText, t.Source = d.SystemPrompt, SourceSystemPrompt
	default:
		return Template{}, fmt.Errorf("%w: %s has neither personalityPrompt nor systemPrompt", ErrInvalidTemplate, d.ID)
	}
	if t.Title == "" {
		t.Title = d.ID
	}
	if t.Params.Model == "" {
		t.Params.Model = DefaultModel
	}
	if d.Temperature != nil {
		t.Params.Temperature = *d.Temperature
	}
	if t.Params.MaxTokens <= 0 {
		t.Params.MaxTokens = DefaultMaxTokens
	}
	return t, nil
}

// Canonical converts the stored rules document.
func (r RulesDocument) Canonical() *Rules {
	return &Rules{Text: r.Rules, Enabled: r.Enabled, Version: r.Version}
}
