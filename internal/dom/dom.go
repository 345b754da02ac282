// Package dom models the inspected page: an element tree with geometry,
// stacking order and pointer-events, plus point hit-testing.
package dom

import (
	"sort"
	"strconv"
	"strings"
)

// UIMarker is the attribute carried by the overlay's own UI elements.
const UIMarker = "data-ha-ui"

// Rect is an element's bounding box in viewport coordinates.
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Contains reports whether the point lies inside r.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Element is a live, context-local page element. Values of this type must
// never be serialized; derive descriptors instead.
type Element interface {
	TagName() string
	ID() string
	Classes() []string
	Attr(name string) (string, bool)
	Attributes() map[string]string
	Parent() Element
	Children() []Element
	Text() string
	OuterHTML() string
	Rect() Rect
	ComputedStyle() map[string]string
	Style(prop string) string
	SetStyle(prop, value string)
	PointerEvents() string
	SetPointerEvents(value string)
	Closest(attr string) Element

	// LiveHandle marks elements as non-persistable.
	LiveHandle()
}

// Document is the page the overlay runs in.
type Document interface {
	Root() Element
	ElementFromPoint(x, y float64) Element
	QuerySelector(sel string) Element
}

// IsToolUI reports whether el belongs to the overlay's own UI.
func IsToolUI(el Element) bool {
	return el != nil && el.Closest(UIMarker) != nil
}

// Node is the in-memory Element implementation.
type Node struct {
	tag     string
	id      string
	classes []string
	attrs   map[string]string
	text    string
	style   map[string]string
	rect    Rect
	z       *int
	hidden  bool

	parent   *Node
	children []*Node
	order    int
}

// NewNode creates a detached element.
func NewNode(tag string) *Node {
	return &Node{tag: strings.ToUpper(tag), attrs: make(map[string]string), style: make(map[string]string)}
}

// LiveHandle marks a node as a live page reference the state store must
// never persist.
func (n *Node) LiveHandle() {}

// TagName returns the upper-case tag, as the DOM reports it.
func (n *Node) TagName() string { return n.tag }

// ID returns the id attribute.
func (n *Node) ID() string { return n.id }

// Rect returns the bounding box in viewport coordinates.
func (n *Node) Rect() Rect { return n.rect }

// Classes returns a copy of the class list.
func (n *Node) Classes() []string {
	return append([]string(nil), n.classes...)
}

// Attr returns the named attribute and whether it is present.
func (n *Node) Attr(name string) (string, bool) {
	switch name {
	case "id":
		return n.id, n.id != ""
	case "class":
		return strings.Join(n.classes, " "), len(n.classes) > 0
	}
	v, ok := n.attrs[name]
	return v, ok
}

// Attributes returns all attributes including id and class.
func (n *Node) Attributes() map[string]string {
	out := make(map[string]string, len(n.attrs)+2)
	for k, v := range n.attrs {
		out[k] = v
	}
	if n.id != "" {
		out["id"] = n.id
	}
	if len(n.classes) > 0 {
		out["class"] = strings.Join(n.classes, " ")
	}
	return out
}

// Parent returns the parent element, nil at the root.
func (n *Node) Parent() Element {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

// Children returns the child elements in document order.
func (n *Node) Children() []Element {
	out := make([]Element, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

// Text returns the trimmed text content of n and its descendants.
func (n *Node) Text() string {
	var parts []string
	var walk func(*Node)
	walk = func(x *Node) {
		if t := strings.TrimSpace(x.text); t != "" {
			parts = append(parts, t)
		}
		for _, c := range x.children {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

// OuterHTML renders n as markup.
func (n *Node) OuterHTML() string {
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *Node) render(b *strings.Builder) {
	tag := strings.ToLower(n.tag)
	b.WriteString("<" + tag)
	attrs := n.Attributes()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + `="` + attrs[k] + `"`)
	}
	b.WriteString(">")
	b.WriteString(n.text)
	for _, c := range n.children {
		c.render(b)
	}
	b.WriteString("</" + tag + ">")
}

// ComputedStyle returns the inline styles plus defaults for display,
// visibility, z-index and pointer-events.
func (n *Node) ComputedStyle() map[string]string {
	out := make(map[string]string, len(n.style)+2)
	for k, v := range n.style {
		out[k] = v
	}
	out["pointer-events"] = n.PointerEvents()
	if _, ok := out["display"]; !ok {
		out["display"] = "block"
	}
	if _, ok := out["visibility"]; !ok {
		out["visibility"] = "visible"
	}
	if _, ok := out["z-index"]; !ok {
		out["z-index"] = "auto"
		if n.z != nil {
			out["z-index"] = strconv.Itoa(*n.z)
		}
	}
	return out
}

// Style returns the inline value of prop, empty if unset.
func (n *Node) Style(prop string) string {
	return n.style[prop]
}

// SetStyle sets an inline style property. An empty value removes it.
func (n *Node) SetStyle(prop, value string) {
	if value == "" {
		delete(n.style, prop)
		return
	}
	n.style[prop] = value
}

// PointerEvents returns the pointer-events value, auto when unset.
func (n *Node) PointerEvents() string {
	if v := n.style["pointer-events"]; v != "" {
		return v
	}
	return "auto"
}

// SetPointerEvents sets pointer-events. An empty value restores the default.
func (n *Node) SetPointerEvents(value string) {
	n.SetStyle("pointer-events", value)
}

// Closest returns n or its nearest ancestor carrying attr, or nil.
func (n *Node) Closest(attr string) Element {
	for x := n; x != nil; x = x.parent {
		if _, ok := x.Attr(attr); ok {
			return x
		}
	}
	return nil
}

// Append adds child as the last child of n.
func (n *Node) Append(child *Node) *Node {
	child.parent = n
	n.children = append(n.children, child)
	return n
}

// zIndex returns the stacking level, inherited from the parent when unset.
func (n *Node) zIndex() int {
	for x := n; x != nil; x = x.parent {
		if x.z != nil {
			return *x.z
		}
	}
	return 0
}

func (n *Node) visible() bool {
	for x := n; x != nil; x = x.parent {
		if x.hidden || x.style["display"] == "none" || x.style["visibility"] == "hidden" {
			return false
		}
	}
	return true
}

// Page is an in-memory Document.
type Page struct {
	Title string
	root  *Node
	nodes []*Node
}

// NewPage wraps root as a document and indexes it in document order.
func NewPage(title string, root *Node) *Page {
	p := &Page{Title: title, root: root}
	p.Reindex()
	return p
}

// Reindex recomputes document order after the tree was modified.
func (p *Page) Reindex() {
	p.nodes = p.nodes[:0]
	var walk func(*Node)
	walk = func(n *Node) {
		n.order = len(p.nodes)
		p.nodes = append(p.nodes, n)
		for _, c := range n.children {
			walk(c)
		}
	}
	if p.root != nil {
		walk(p.root)
	}
}

// Root returns the document element.
func (p *Page) Root() Element {
	if p.root == nil {
		return nil
	}
	return p.root
}

// ElementFromPoint returns the topmost visible element at (x, y) whose
// pointer-events is not none: highest z-index, then latest in document
// order.
func (p *Page) ElementFromPoint(x, y float64) Element {
	var best *Node
	for _, n := range p.nodes {
		if n.PointerEvents() == "none" || !n.visible() || !n.rect.Contains(x, y) {
			continue
		}
		if best == nil || n.zIndex() > best.zIndex() || (n.zIndex() == best.zIndex() && n.order > best.order) {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	return best
}

// QuerySelector returns the first element in document order matching a
// compound selector such as "div", "#main", ".card" or "button.primary".
func (p *Page) QuerySelector(sel string) Element {
	m, ok := parseSimple(sel)
	if !ok {
		return nil
	}
	for _, n := range p.nodes {
		if m.matches(n) {
			return n
		}
	}
	return nil
}

// Nodes returns all elements in document order.
func (p *Page) Nodes() []*Node {
	return append([]*Node(nil), p.nodes...)
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
}

func parseSimple(sel string) (simpleSelector, bool) {
	var s simpleSelector
	sel = strings.TrimSpace(sel)
	if sel == "" || strings.ContainsAny(sel, " >+~[:") {
		return s, false
	}

	cur := &s.tag
	start := 0
	flush := func(end int) {
		if cur == nil || start >= end {
			return
		}
		*cur = sel[start:end]
	}
	for i := 0; i < len(sel); i++ {
		switch sel[i] {
		case '#':
			flush(i)
			cur = &s.id
			start = i + 1
		case '.':
			flush(i)
			s.classes = append(s.classes, "")
			cur = &s.classes[len(s.classes)-1]
			start = i + 1
		}
	}
	flush(len(sel))
	return s, true
}

func (s simpleSelector) matches(n *Node) bool {
	if s.tag != "" && !strings.EqualFold(s.tag, n.tag) {
		return false
	}
	if s.id != "" && s.id != n.id {
		return false
	}
	for _, c := range s.classes {
		found := false
		for _, nc := range n.classes {
			if nc == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
