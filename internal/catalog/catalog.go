// Package catalog loads the catalog document that declares which
// automation kinds exist, the roles they require and where their UI
// lives. The engine does not own this document; it only enforces the
// declared requiredRoles at the RBAC gate.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/licitaflow/licitaflow-go/internal/platform/auth"
)

type Entry struct {
	Kind          string   `yaml:"kind" json:"kind"`
	Title         string   `yaml:"title" json:"title"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
	RequiredRoles []string `yaml:"requiredRoles,omitempty" json:"requiredRoles,omitempty"`
	UI            string   `yaml:"ui,omitempty" json:"ui,omitempty"`
}

type Catalog struct {
	Automations []Entry `yaml:"automations" json:"automations"`

	byKind map[string]Entry
}

// Load reads the catalog document. YAML is a superset of JSON, so both
// serializations of the document are accepted.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) init() error {
	if len(c.Automations) == 0 {
		return errors.New("catalog declares no automations")
	}
	c.byKind = make(map[string]Entry, len(c.Automations))
	for i, entry := range c.Automations {
		kind := strings.ToLower(strings.TrimSpace(entry.Kind))
		if kind == "" {
			return fmt.Errorf("catalog entry %d has no kind", i)
		}
		if _, dup := c.byKind[kind]; dup {
			return fmt.Errorf("catalog declares kind %q twice", kind)
		}
		roles := make([]string, 0, len(entry.RequiredRoles))
		for _, role := range entry.RequiredRoles {
			role = strings.ToLower(strings.TrimSpace(role))
			if role == "" {
				continue
			}
			roles = append(roles, role)
		}
		entry.Kind = kind
		entry.RequiredRoles = roles
		c.Automations[i] = entry
		c.byKind[kind] = entry
	}
	return nil
}

func (c *Catalog) Get(kind string) (Entry, bool) {
	entry, ok := c.byKind[strings.ToLower(strings.TrimSpace(kind))]
	return entry, ok
}

// Visible filters the catalog to the entries the identity may use,
// applying the same ANY-of gate the endpoints enforce.
func (c *Catalog) Visible(identity auth.Identity) []Entry {
	out := make([]Entry, 0, len(c.Automations))
	for _, entry := range c.Automations {
		if auth.Allowed(&identity, entry.RequiredRoles) {
			out = append(out, entry)
		}
	}
	return out
}
