// Package layers enumerates the elements stacked under a point by peeling
// them off one at a time.
package layers

import (
	"fmt"
	"math"
	"strings"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/dom"
)

// DefaultMaxLayers caps how many elements a single sample may return.
const DefaultMaxLayers = 20

// Sampler samples the z-order stack of a document.
type Sampler struct {
	doc dom.Document
	max int
	log *debug.Logger
}

// NewSampler creates a sampler. max <= 0 uses DefaultMaxLayers.
func NewSampler(doc dom.Document, max int, log *debug.Logger) *Sampler {
	if max <= 0 {
		max = DefaultMaxLayers
	}
	return &Sampler{doc: doc, max: max, log: debug.Or(log)}
}

type saved struct {
	el    dom.Element
	prior string
}

// Sample returns the elements under (x, y), topmost first. Each hit is made
// non-interactive so the next query reaches the element beneath it. Sampling
// stops at an empty point, at the cap, or at the overlay's own UI, which is
// not included. Every modified element gets its inline pointer-events value
// back before Sample returns, including when the loop panics.
func (s *Sampler) Sample(x, y float64) []dom.Element {
	var modified []saved
	defer func() {
		for i := len(modified) - 1; i >= 0; i-- {
			modified[i].el.SetStyle("pointer-events", modified[i].prior)
		}
	}()

	var out []dom.Element
	for len(out) < s.max {
		el := s.doc.ElementFromPoint(x, y)
		if el == nil || dom.IsToolUI(el) {
			break
		}
		out = append(out, el)

		modified = append(modified, saved{el: el, prior: el.Style("pointer-events")})
		el.SetPointerEvents("none")
	}

	s.log.Debug("layers", "sampled %d layers at (%.0f, %.0f)", len(out), x, y)
	return out
}

// Layer is a serializable description of a sampled element.
type Layer struct {
	Index      int    `json:"index"`
	Label      string `json:"label"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	ZIndex     string `json:"zIndex"`
	Background string `json:"background,omitempty"`
	Hidden     bool   `json:"hidden"`
}

// Describe builds descriptors for sampled elements.
func Describe(els []dom.Element) []Layer {
	out := make([]Layer, len(els))
	for i, el := range els {
		style := el.ComputedStyle()
		r := el.Rect()
		out[i] = Layer{
			Index:      i,
			Label:      Label(el),
			Width:      int(math.Round(r.Width)),
			Height:     int(math.Round(r.Height)),
			ZIndex:     style["z-index"],
			Background: style["background-color"],
			Hidden:     style["visibility"] == "hidden",
		}
	}
	return out
}

// Label renders tag#id.class1.class2 for display.
func Label(el dom.Element) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(el.TagName()))
	if id := el.ID(); id != "" {
		b.WriteString("#" + id)
	}
	classes := el.Classes()
	if len(classes) > 2 {
		classes = classes[:2]
	}
	for _, c := range classes {
		b.WriteString("." + c)
	}
	return b.String()
}

// Visibility toggles sampled layers hidden and restores them.
type Visibility struct {
	hidden map[dom.Element]string
}

// NewVisibility creates an empty tracker.
func NewVisibility() *Visibility {
	return &Visibility{hidden: make(map[dom.Element]string)}
}

// Toggle hides el, or restores it if it was hidden by this tracker. It
// returns whether el is now hidden.
func (v *Visibility) Toggle(el dom.Element) bool {
	if prior, ok := v.hidden[el]; ok {
		el.SetStyle("visibility", prior)
		delete(v.hidden, el)
		return false
	}
	v.hidden[el] = el.Style("visibility")
	el.SetStyle("visibility", "hidden")
	return true
}

// RestoreAll shows every hidden layer and returns how many were restored.
func (v *Visibility) RestoreAll() int {
	n := len(v.hidden)
	for el, prior := range v.hidden {
		el.SetStyle("visibility", prior)
	}
	v.hidden = make(map[dom.Element]string)
	return n
}

// Count returns the number of hidden layers.
func (v *Visibility) Count() int {
	return len(v.hidden)
}

// At returns the layer at index or an error.
func At(els []dom.Element, index int) (dom.Element, error) {
	if index < 0 || index >= len(els) {
		return nil, fmt.Errorf("layer %d out of range (have %d)", index, len(els))
	}
	return els[index], nil
}
