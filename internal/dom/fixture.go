package dom

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeSpec describes an element in a page fixture.
type NodeSpec struct {
	Tag           string            `yaml:"tag"`
	ID            string            `yaml:"id"`
	Class         string            `yaml:"class"`
	Attrs         map[string]string `yaml:"attrs"`
	Text          string            `yaml:"text"`
	Style         map[string]string `yaml:"style"`
	Rect          Rect              `yaml:"rect"`
	Z             *int              `yaml:"z"`
	PointerEvents string            `yaml:"pointerEvents"`
	Hidden        bool              `yaml:"hidden"`
	Children      []NodeSpec        `yaml:"children"`
}

// Fixture is a page description loaded from YAML (or JSON, which YAML
// accepts).
type Fixture struct {
	Title string   `yaml:"title"`
	Root  NodeSpec `yaml:"root"`
}

// Build constructs the element tree for ns.
func (ns NodeSpec) Build() (*Node, error) {
	if ns.Tag == "" {
		return nil, fmt.Errorf("element without tag")
	}
	n := NewNode(ns.Tag)
	n.id = ns.ID
	n.classes = strings.Fields(ns.Class)
	for k, v := range ns.Attrs {
		n.attrs[k] = v
	}
	for k, v := range ns.Style {
		n.style[k] = v
	}
	n.text = ns.Text
	n.rect = ns.Rect
	n.z = ns.Z
	if ns.PointerEvents != "" {
		n.style["pointer-events"] = ns.PointerEvents
	}
	n.hidden = ns.Hidden

	for i, c := range ns.Children {
		child, err := c.Build()
		if err != nil {
			return nil, fmt.Errorf("%s child %d: %w", ns.Tag, i, err)
		}
		n.Append(child)
	}
	return n, nil
}

// ParseFixture builds a page from fixture data.
func ParseFixture(data []byte) (*Page, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	root, err := f.Root.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return NewPage(f.Title, root), nil
}

// LoadFixture reads and parses a fixture file.
func LoadFixture(path string) (*Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}
