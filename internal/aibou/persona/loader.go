package persona

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"gopkg.in/yaml.v3"
)

// Layout of a persona directory (relative to its root):
//
//	rules.yaml                 optional global rules
//	anime-kawaii/persona.yaml  one directory per personality
//	energetic-fun/persona.yaml
const (
	personaFile = "persona.yaml"
	rulesFile   = "rules.yaml"
)

//go:embed defaults
var defaultsFS embed.FS

// Defaults returns the personas shipped with the binary.
func Defaults() fs.FS {
	sub, err := fs.Sub(defaultsFS, "defaults")
	if err != nil {
		panic(err)
	}
	return sub
}

// Bundle is the set of documents read from a persona directory.
type Bundle struct {
	Templates []Document
	Rules     *RulesDocument
}

// IDs returns the template ids in the bundle, sorted.
func (b *Bundle) IDs() []string {
	ids := make([]string, 0, len(b.Templates))
	for _, d := range b.Templates {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	return ids
}

// LoadDir reads and validates every persona under root. All problems are
// reported together so a single run of "personas validate" shows them all.
func LoadDir(root fs.FS) (*Bundle, error) {
	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		return nil, fmt.Errorf("persona: list directory: %w", err)
	}

	b := &Bundle{}
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name() + "/" + personaFile
		raw, err := fs.ReadFile(root, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		var doc Document
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: %v", name, ErrInvalidTemplate, err))
			continue
		}
		if doc.ID == "" {
			doc.ID = e.Name()
		}
		if doc.ID != e.Name() {
			errs = append(errs, fmt.Errorf("%s: %w: id %q does not match directory", name, ErrInvalidTemplate, doc.ID))
			continue
		}
		if err := doc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		b.Templates = append(b.Templates, doc)
	}

	raw, err := fs.ReadFile(root, rulesFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		errs = append(errs, fmt.Errorf("%s: %w", rulesFile, err))
	default:
		var rules RulesDocument
		if err := yaml.Unmarshal(raw, &rules); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rulesFile, err))
		} else if err := rules.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rulesFile, err))
		} else {
			b.Rules = &rules
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b, nil
}
