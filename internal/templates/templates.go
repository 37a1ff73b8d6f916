// Package templates maps a dispute classification to the evidence it requires.
package templates

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTable []byte

type SectionSpec struct {
	Type     string `yaml:"type" json:"type"`
	Title    string `yaml:"title" json:"title"`
	Required bool   `yaml:"required" json:"required"`
	Weight   int    `yaml:"weight" json:"weight"`
}

type AttachmentSpec struct {
	Type     string `yaml:"type" json:"type"`
	Title    string `yaml:"title" json:"title"`
	Required bool   `yaml:"required" json:"required"`
}

type Rules struct {
	RequireAVSCVV          bool `yaml:"require_avs_cvv" json:"requireAvsCvv"`
	RequireDelivery        bool `yaml:"require_delivery" json:"requireDelivery"`
	DeliveryStrict         bool `yaml:"delivery_strict" json:"deliveryStrict"`
	RequireTermsTimestamp  bool `yaml:"require_terms_timestamp" json:"requireTermsTimestamp"`
	RecommendCommunication bool `yaml:"recommend_communication" json:"recommendCommunication"`
}

type Template struct {
	Classification string           `yaml:"-" json:"classification"`
	Sections       []SectionSpec    `yaml:"sections" json:"sections"`
	Attachments    []AttachmentSpec `yaml:"attachments" json:"attachments"`
	Rules          Rules            `yaml:"rules" json:"rules"`
	Guidance       []string         `yaml:"guidance" json:"guidance"`
}

type table struct {
	Fallback  string              `yaml:"fallback"`
	Aliases   map[string]string   `yaml:"aliases"`
	Templates map[string]Template `yaml:"templates"`
	Guidance  struct {
		General  []string            `yaml:"general"`
		Networks map[string][]string `yaml:"networks"`
	} `yaml:"guidance"`
}

// Registry is an immutable lookup over a parsed template table.
type Registry struct {
	t table
}

// Default returns the registry built from the embedded table.
func Default() *Registry {
	r, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("templates: embedded table: %v", err))
	}
	return r
}

// Load reads an operator-supplied table. An empty path returns the embedded default.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if t.Fallback == "" {
		return nil, fmt.Errorf("parse templates: fallback classification is required")
	}
	if _, ok := t.Templates[t.Fallback]; !ok {
		return nil, fmt.Errorf("parse templates: fallback %q has no template", t.Fallback)
	}
	normalized := make(map[string]Template, len(t.Templates))
	for name, tmpl := range t.Templates {
		key := Normalize(name)
		seen := map[string]bool{}
		for _, s := range tmpl.Sections {
			if s.Type == "" || s.Title == "" {
				return nil, fmt.Errorf("parse templates: %s has a section without type or title", name)
			}
			if seen[s.Title] {
				return nil, fmt.Errorf("parse templates: %s repeats section title %q", name, s.Title)
			}
			seen[s.Title] = true
		}
		tmpl.Classification = key
		normalized[key] = tmpl
	}
	t.Templates = normalized
	t.Fallback = Normalize(t.Fallback)

	aliases := make(map[string]string, len(t.Aliases))
	for from, to := range t.Aliases {
		aliases[Normalize(from)] = Normalize(to)
	}
	t.Aliases = aliases
	return &Registry{t: t}, nil
}

// Normalize lower-cases and trims a classification and joins words with underscores.
func Normalize(classification string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(classification)), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	})
	return strings.Join(fields, "_")
}

// Resolve never fails: unknown classifications get the fallback template.
// The returned template is a copy the caller may modify.
func (r *Registry) Resolve(classification string) Template {
	key := Normalize(classification)
	if alias, ok := r.t.Aliases[key]; ok {
		key = alias
	}
	tmpl, ok := r.t.Templates[key]
	if !ok {
		tmpl = r.t.Templates[r.t.Fallback]
	}
	return clone(tmpl)
}

// Guidance combines template hints, network hints and the general hints, in that order.
func (r *Registry) Guidance(tmpl Template, network string) []string {
	out := make([]string, 0, len(tmpl.Guidance)+len(r.t.Guidance.General)+2)
	out = append(out, tmpl.Guidance...)
	out = append(out, r.t.Guidance.Networks[Normalize(network)]...)
	out = append(out, r.t.Guidance.General...)
	return out
}

// Classifications lists the normalized template keys in sorted order.
func (r *Registry) Classifications() []string {
	out := make([]string, 0, len(r.t.Templates))
	for name := range r.t.Templates {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func clone(t Template) Template {
	t.Sections = append([]SectionSpec(nil), t.Sections...)
	t.Attachments = append([]AttachmentSpec(nil), t.Attachments...)
	t.Guidance = append([]string(nil), t.Guidance...)
	return t
}
