// Package catalog lists the models offered for each backend under short
// friendly names. A built-in list is embedded; a YAML file can replace
// the list of any backend.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var builtin []byte

// Model is one selectable model.
type Model struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// Catalog maps backend names to their models.
type Catalog struct {
	backends map[string][]Model
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(builtin)
}

// Load returns the embedded catalog with the backends listed in the file
// at path replacing their built-in entries. An empty path loads only the
// embedded catalog.
func Load(path string) (*Catalog, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	for backend, models := range override.backends {
		c.backends[backend] = models
	}
	return c, nil
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	backends := map[string][]Model{}
	if err := yaml.Unmarshal(data, &backends); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for backend, models := range backends {
		for i, m := range models {
			if m.ID == "" {
				return nil, fmt.Errorf("%s model %d has no id", backend, i)
			}
			if m.Name == "" {
				backends[backend][i].Name = m.ID
			}
		}
	}
	return &Catalog{backends: backends}, nil
}

// Models returns the models offered for backend.
func (c *Catalog) Models(backend string) []Model {
	return append([]Model(nil), c.backends[backend]...)
}

// Backends returns the backend names in the catalog, sorted.
func (c *Catalog) Backends() []string {
	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a friendly name to its model id. Anything that is not a
// known name is taken to be an id already.
func (c *Catalog) Resolve(backend, nameOrID string) string {
	for _, m := range c.backends[backend] {
		if strings.EqualFold(m.Name, nameOrID) {
			return m.ID
		}
	}
	return nameOrID
}
