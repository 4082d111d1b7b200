// Package catalog reads template catalogs and spawn overrides from YAML and
// loose key/value input.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/engine"
)

// Catalog models a template catalog file.
type Catalog struct {
	Projects  []Project  `yaml:"projects"`
	Templates []Template `yaml:"templates"`
}

type Project struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

type Template struct {
	Key             string  `yaml:"key"`
	Kind            string  `yaml:"kind"`
	Summary         string  `yaml:"summary"`
	Suffix          string  `yaml:"suffix"`
	ClonePerLocale  *bool   `yaml:"clone_per_locale"`
	ClonePerProject bool    `yaml:"clone_per_project"`
	Owner           string  `yaml:"owner"`
	IsReview        bool    `yaml:"is_review"`
	AllowedTime     int     `yaml:"allowed_time"`
	Children        []Child `yaml:"children"`
}

type Child struct {
	Key             string `yaml:"key"`
	Order           int    `yaml:"order"`
	IsAutoActivated bool   `yaml:"auto"`
	ResolvesParent  bool   `yaml:"resolves_parent"`
}

// Parse decodes catalog YAML, rejecting unknown keys.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Validate checks what can be checked without a store: keys, kinds and
// references between templates.
func (c *Catalog) Validate() error {
	if len(c.Templates) == 0 {
		return errors.New("catalog has no templates")
	}
	keys := map[string]bool{}
	for _, t := range c.Templates {
		if t.Key == "" {
			return errors.New("template key is required")
		}
		if keys[t.Key] {
			return fmt.Errorf("duplicate template key %q", t.Key)
		}
		keys[t.Key] = true
		if _, err := domain.ParseKind(t.Kind); err != nil {
			return fmt.Errorf("template %q: %w", t.Key, err)
		}
	}
	for _, t := range c.Templates {
		for _, ch := range t.Children {
			if !keys[ch.Key] {
				return fmt.Errorf("template %q nests unknown template %q", t.Key, ch.Key)
			}
		}
	}
	return nil
}

// Defs converts the catalog into engine template definitions. Trackers are
// cloned per locale unless the catalog says otherwise.
func (c *Catalog) Defs() []engine.TemplateDef {
	defs := make([]engine.TemplateDef, 0, len(c.Templates))
	for _, t := range c.Templates {
		kind, _ := domain.ParseKind(t.Kind)
		perLocale := kind == domain.KindTracker
		if t.ClonePerLocale != nil {
			perLocale = *t.ClonePerLocale
		}
		def := engine.TemplateDef{
			Key: t.Key,
			Proto: domain.Proto{
				Kind:            kind,
				Summary:         t.Summary,
				Suffix:          t.Suffix,
				ClonePerLocale:  perLocale,
				ClonePerProject: t.ClonePerProject,
				OwnerID:         t.Owner,
				IsReview:        t.IsReview,
				AllowedTime:     t.AllowedTime,
			},
		}
		for _, ch := range t.Children {
			def.Children = append(def.Children, engine.EdgeDef{
				Key:             ch.Key,
				Order:           ch.Order,
				IsAutoActivated: ch.IsAutoActivated,
				ResolvesParent:  ch.ResolvesParent,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

// Import creates the catalog's missing projects and all of its templates.
func Import(ctx context.Context, eng engine.Engine, c *Catalog) (map[string]domain.Proto, error) {
	existing, err := eng.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	have := map[string]bool{}
	for _, p := range existing {
		have[p.ID] = true
	}
	for _, p := range c.Projects {
		if have[p.ID] {
			continue
		}
		if _, err := eng.CreateProject(ctx, p.ID, p.Label); err != nil {
			return nil, err
		}
		have[p.ID] = true
	}
	return eng.ImportTemplates(ctx, c.Defs())
}

// DecodeOverrides turns loosely typed input (YAML, JSON or CLI pairs) into
// spawn overrides. Unknown keys are rejected.
func DecodeOverrides(input map[string]any) (engine.Overrides, error) {
	var ov engine.Overrides
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ov,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return ov, err
	}
	if err := dec.Decode(input); err != nil {
		return ov, fmt.Errorf("%w: %v", engine.ErrValidation, err)
	}
	return ov, nil
}

// ParsePairs reads key=value arguments into a map for DecodeOverrides.
func ParsePairs(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", engine.ErrValidation, p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
