package persona

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/bdobrica/Aibou/internal/aibou/durable"
)

func TestCompose(t *testing.T) {
	tests := []struct {
		name        string
		rules       *Rules
		personality string
		want        string
		wantErr     error
	}{
		{name: "rules enabled", rules: &Rules{Text: "R", Enabled: true}, personality: "P", want: "R\n\nP"},
		{name: "rules disabled", rules: &Rules{Text: "R", Enabled: false}, personality: "P", want: "P"},
		{name: "no rules", rules: nil, personality: "P", want: "P"},
		{name: "blank rules", rules: &Rules{Text: "  \n", Enabled: true}, personality: "P", want: "P"},
		{name: "empty personality", rules: &Rules{Text: "R", Enabled: true}, personality: "", wantErr: ErrEmptyPersonality},
		{name: "whitespace personality", rules: nil, personality: " \t", wantErr: ErrEmptyPersonality},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compose(tt.rules, tt.personality)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCompose_Deterministic(t *testing.T) {
	rules := &Rules{Text: "be brief", Enabled: true, Version: "2"}
	first, _ := Compose(rules, "you like cats")
	for i := 0; i < 10; i++ {
		again, _ := Compose(rules, "you like cats")
		if again != first {
			t.Fatalf("iteration %d: output changed: %q vs %q", i, again, first)
		}
	}
}

func TestDocumentCanonical(t *testing.T) {
	temp := 0.4
	current := Document{ID: "p1", PersonalityPrompt: "new", SystemPrompt: "old", Temperature: &temp, MaxTokens: 80}
	got, err := current.Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if got.PersonalityText != "new" || got.Source != SourcePersonalityPrompt {
		t.Errorf("expected personalityPrompt to win, got %q from %s", got.PersonalityText, got.Source)
	}
	if got.Params.Temperature != 0.4 || got.Params.MaxTokens != 80 || got.Params.Model != DefaultModel {
		t.Errorf("unexpected params %+v", got.Params)
	}
	if !got.Public || got.Title != "p1" {
		t.Errorf("expected public template titled by id, got %+v", got)
	}

	legacy := Document{ID: "p2", SystemPrompt: "old"}
	got, err = legacy.Canonical()
	if err != nil {
		t.Fatalf("Canonical legacy: %v", err)
	}
	if got.PersonalityText != "old" || got.Source != SourceSystemPrompt {
		t.Errorf("expected legacy systemPrompt, got %q from %s", got.PersonalityText, got.Source)
	}
	if got.Params.Temperature != DefaultTemperature || got.Params.MaxTokens != DefaultMaxTokens {
		t.Errorf("expected default params, got %+v", got.Params)
	}

	zero := 0.0
	got, err = Document{ID: "p4", PersonalityPrompt: "calm", Temperature: &zero}.Canonical()
	if err != nil {
		t.Fatalf("Canonical zero temperature: %v", err)
	}
	if got.Params.Temperature != 0 {
		t.Errorf("expected explicit temperature 0 to be kept, got %g", got.Params.Temperature)
	}

	if _, err := (Document{ID: "p3"}).Canonical(); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate, got %v", err)
	}
}

func TestDocumentValidate(t *testing.T) {
	hot := 2.5
	tests := []struct {
		name  string
		doc   Document
		valid bool
	}{
		{name: "current", doc: Document{ID: "ok-1", PersonalityPrompt: "P"}, valid: true},
		{name: "legacy", doc: Document{ID: "ok-2", SystemPrompt: "S"}, valid: true},
		{name: "no prompt", doc: Document{ID: "bad-1"}},
		{name: "bad id", doc: Document{ID: "Bad Id", PersonalityPrompt: "P"}},
		{name: "temperature out of range", doc: Document{ID: "bad-2", PersonalityPrompt: "P", Temperature: &hot}},
		{name: "max tokens too small", doc: Document{ID: "bad-3", PersonalityPrompt: "P", MaxTokens: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			if tt.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidTemplate) {
				t.Fatalf("expected ErrInvalidTemplate, got %v", err)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	fsys := fstest.MapFS{
		"alpha/persona.yaml": {Data: []byte("personalityPrompt: You are alpha.\ntemperature: 0.5\n")},
		"beta/persona.yaml":  {Data: []byte("id: beta\nsystemPrompt: You are beta.\nisPublic: false\n")},
		"notes/README.md":    {Data: []byte("not a persona")},
		"rules.yaml":         {Data: []byte("rules: Be kind.\nenabled: true\nversion: \"3\"\n")},
	}
	b, err := LoadDir(fsys)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if want := []string{"alpha", "beta"}; !reflect.DeepEqual(b.IDs(), want) {
		t.Errorf("expected %v, got %v", want, b.IDs())
	}
	if b.Rules == nil || b.Rules.Rules != "Be kind." || b.Rules.Version != "3" {
		t.Errorf("unexpected rules %+v", b.Rules)
	}
}

func TestLoadDir_ReportsEveryProblem(t *testing.T) {
	fsys := fstest.MapFS{
		"one/persona.yaml": {Data: []byte("id: two\npersonalityPrompt: P\n")},
		"three/persona.yaml": {Data: []byte("title: no prompt\n")},
	}
	_, err := LoadDir(fsys)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, name := range []string{"one/persona.yaml", "three/persona.yaml"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("expected error to mention %s, got %v", name, err)
		}
	}
}

func TestDefaults(t *testing.T) {
	b, err := LoadDir(Defaults())
	if err != nil {
		t.Fatalf("LoadDir(Defaults()): %v", err)
	}
	want := []string{"anime-kawaii", "energetic-fun", "flirty-romantic", "mysterious-dark", "sassy-confident", "supportive-caring"}
	if !reflect.DeepEqual(b.IDs(), want) {
		t.Errorf("expected %v, got %v", want, b.IDs())
	}
	if b.Rules == nil || !b.Rules.Enabled {
		t.Error("expected enabled default rules")
	}
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	store := durable.NewMemory()
	c := NewCatalog(store, nil)

	if _, err := c.Resolve(ctx, "p1"); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	if _, err := c.Resolve(ctx, "../etc"); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound for unsafe id, got %v", err)
	}

	private := false
	bundle := &Bundle{
		Templates: []Document{
			{ID: "p1", PersonalityPrompt: "P"},
			{ID: "p2", SystemPrompt: "legacy", IsPublic: &private},
		},
		Rules: &RulesDocument{Rules: "R", Enabled: true, Version: "1"},
	}
	n, err := c.Seed(ctx, bundle, false)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 documents written, got %d", n)
	}
	if n, _ := c.Seed(ctx, bundle, false); n != 0 {
		t.Errorf("expected reseed to keep existing documents, wrote %d", n)
	}

	tmpl, err := c.Resolve(ctx, "p1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tmpl.Rules == nil || tmpl.Rules.Text != "R" {
		t.Fatalf("expected rules attached, got %+v", tmpl.Rules)
	}
	instruction, _ := Compose(tmpl.Rules, tmpl.PersonalityText)
	if instruction != "R\n\nP" {
		t.Errorf("expected %q, got %q", "R\n\nP", instruction)
	}

	// A malformed document is skipped by List but reported by Template.
	if err := store.Set(ctx, "templates/broken", []byte(`{"id":`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	all, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 valid templates, got %d", len(all))
	}
	if _, err := c.Template(ctx, "broken"); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate, got %v", err)
	}

	ids, err := c.PublicIDs(ctx)
	if err != nil {
		t.Fatalf("PublicIDs: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"p1"}) {
		t.Errorf("expected only p1 public, got %v", ids)
	}
}
