package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bdobrica/Aibou/internal/aibou/durable"
)

// Durable layout owned by the personality administration surface. The
// engine only reads it, apart from seeding an empty store at startup.
const (
	templatesRoot = "templates"
	rulesPath     = "settings/universalRules"
)

// Catalog reads templates and global rules from the durable store.
type Catalog struct {
	store  durable.Store
	logger *slog.Logger
}

// NewCatalog creates a Catalog. If logger is nil, the default slog logger is used.
func NewCatalog(store durable.Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, logger: logger.With("component", "persona")}
}

func decodeDocument(id string, raw []byte) (Template, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Template{}, fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.ID != id {
		return Template{}, fmt.Errorf("%w: document id %q stored under %q", ErrInvalidTemplate, doc.ID, id)
	}
	if err := doc.Validate(); err != nil {
		return Template{}, err
	}
	return doc.Canonical()
}

// Template loads one template by id.
func (c *Catalog) Template(ctx context.Context, id string) (Template, error) {
	path, err := durable.Join(templatesRoot, id)
	if err != nil {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	raw, err := c.store.Get(ctx, path)
	if errors.Is(err, durable.ErrNotFound) {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	if err != nil {
		return Template{}, fmt.Errorf("persona: load %s: %w", id, err)
	}
	return decodeDocument(id, raw)
}

// Rules loads the global rules. A missing document yields (nil, nil).
func (c *Catalog) Rules(ctx context.Context) (*Rules, error) {
	raw, err := c.store.Get(ctx, rulesPath)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persona: load rules: %w", err)
	}
	var doc RulesDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("persona: decode rules: %w", err)
	}
	return doc.Canonical(), nil
}

// Resolve returns the template with the current global rules attached.
func (c *Catalog) Resolve(ctx context.Context, id string) (Template, error) {
	t, err := c.Template(ctx, id)
	if err != nil {
		return Template{}, err
	}
	rules, err := c.Rules(ctx)
	if err != nil {
		return Template{}, err
	}
	t.Rules = rules
	return t, nil
}

// List returns every valid template, sorted by id. Malformed documents are
// logged and skipped.
func (c *Catalog) List(ctx context.Context) ([]Template, error) {
	paths, err := c.store.List(ctx, templatesRoot)
	if err != nil {
		return nil, fmt.Errorf("persona: list templates: %w", err)
	}
	var out []Template
	for _, p := range paths {
		if durable.Depth(p) != 2 {
			continue
		}
		id := durable.Base(p)
		raw, err := c.store.Get(ctx, p)
		if errors.Is(err, durable.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("persona: load %s: %w", id, err)
		}
		t, err := decodeDocument(id, raw)
		if err != nil {
			c.logger.Warn("skipping malformed template", "id", id, "err", err)
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PublicIDs returns the ids of templates eligible for random selection.
func (c *Catalog) PublicIDs(ctx context.Context) ([]string, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, t := range all {
		if t.Public {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// PutTemplate validates and stores a template document.
func (c *Catalog) PutTemplate(ctx context.Context, doc Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	path, err := durable.Join(templatesRoot, doc.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, path, raw)
}

// PutRules validates and stores the global rules.
func (c *Catalog) PutRules(ctx context.Context, doc RulesDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, rulesPath, raw)
}

// Seed writes the bundle into the store. Existing documents are kept unless
// overwrite is set. It returns the number of documents written.
func (c *Catalog) Seed(ctx context.Context, b *Bundle, overwrite bool) (int, error) {
	written := 0
	for _, doc := range b.Templates {
		path, err := durable.Join(templatesRoot, doc.ID)
		if err != nil {
			return written, err
		}
		if !overwrite {
			if exists, err := c.exists(ctx, path); err != nil {
				return written, err
			} else if exists {
				continue
			}
		}
		if err := c.PutTemplate(ctx, doc); err != nil {
			return written, fmt.Errorf("persona: seed %s: %w", doc.ID, err)
		}
		written++
	}
	if b.Rules != nil {
		exists, err := c.exists(ctx, rulesPath)
		if err != nil {
			return written, err
		}
		if overwrite || !exists {
			if err := c.PutRules(ctx, *b.Rules); err != nil {
				return written, fmt.Errorf("persona: seed rules: %w", err)
			}
			written++
		}
	}
	c.logger.Info("persona catalog seeded", "written", written, "templates", len(b.Templates))
	return written, nil
}

func (c *Catalog) exists(ctx context.Context, path string) (bool, error) {
	_, err := c.store.Get(ctx, path)
	if errors.Is(err, durable.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
