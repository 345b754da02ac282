// Package sim replays scripted page interactions against a fully wired
// inspector: singleton, relay and overlay controller connected over
// in-process links, optionally with a live bridge.
package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/standardbeagle/hlassist/internal/dom"
)

// Script is a scenario file.
type Script struct {
	// Fixture is a page fixture path, relative to the script. Page inlines
	// one instead.
	Fixture string       `yaml:"fixture"`
	Page    *dom.Fixture `yaml:"page"`
	URL     string       `yaml:"url"`
	// Bridge starts an in-process bridge server for the run.
	Bridge bool `yaml:"bridge"`
	// Settings seeds the durable settings before the overlay loads.
	Settings map[string]any `yaml:"settings"`
	Steps    []Step         `yaml:"steps"`
}

// Step is one interaction. Target is a selector; without one, X and Y
// pick the element under the point.
type Step struct {
	Do     string        `yaml:"do"`
	Target string        `yaml:"target"`
	X      float64       `yaml:"x"`
	Y      float64       `yaml:"y"`
	Key    string        `yaml:"key"`
	Ctrl   bool          `yaml:"ctrl"`
	Meta   bool          `yaml:"meta"`
	Shift  bool          `yaml:"shift"`
	Index  int           `yaml:"index"`
	For    time.Duration `yaml:"for"`
}

var actions = map[string]bool{
	"toggle": true, "show": true, "hide": true, "state": true,
	"hover": true, "click": true, "lock": true, "unlock": true,
	"key": true, "keyup": true,
	"context": true, "select_layer": true, "toggle_layer": true, "close_layers": true,
	"copy_selector": true, "copy_xpath": true,
	"connect": true, "disconnect": true, "send": true,
	"wait": true,
}

// ParseScript decodes a scenario.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScript reads a scenario file. A relative fixture path is resolved
// against the script's directory.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, err
	}
	if s.Fixture != "" && !filepath.IsAbs(s.Fixture) {
		s.Fixture = filepath.Join(filepath.Dir(path), s.Fixture)
	}
	return s, nil
}

// Validate checks that the script names a page and only known actions.
func (s *Script) Validate() error {
	if s.Fixture == "" && s.Page == nil {
		return fmt.Errorf("script needs a fixture or an inline page")
	}
	for i, st := range s.Steps {
		if !actions[st.Do] {
			return fmt.Errorf("step %d: unknown action %q", i+1, st.Do)
		}
		if (st.Do == "key" || st.Do == "keyup") && st.Key == "" {
			return fmt.Errorf("step %d: %s needs a key", i+1, st.Do)
		}
	}
	return nil
}

func (s *Script) page() (*dom.Page, error) {
	if s.Page == nil {
		return dom.LoadFixture(s.Fixture)
	}
	root, err := s.Page.Root.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid page: %w", err)
	}
	return dom.NewPage(s.Page.Title, root), nil
}
