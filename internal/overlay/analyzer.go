package overlay

import (
	"fmt"
	"strings"

	"github.com/standardbeagle/hlassist/internal/dom"
	"github.com/standardbeagle/hlassist/internal/state"
)

// Framework names reported by DetectFramework.
const (
	FrameworkReact        = "React"
	FrameworkVue          = "Vue"
	FrameworkAngular      = "Angular"
	FrameworkSvelte       = "Svelte"
	FrameworkWebComponent = "Web Component"
	FrameworkVanilla      = "Vanilla JS"
)

const (
	analysisTextLimit = 100
	contextTextLimit  = 200
	contextHTMLLimit  = 1000
	innerHTMLLimit    = 500
)

// Analysis is the serializable summary of an element shown in the panel.
type Analysis struct {
	TagName     string   `json:"tagName"`
	Selector    string   `json:"selector"`
	XPath       string   `json:"xpath"`
	TextContent string   `json:"textContent"`
	Framework   string   `json:"framework"`
	ID          string   `json:"id,omitempty"`
	ClassName   string   `json:"className,omitempty"`
	Rect        dom.Rect `json:"rect"`
}

// ElementContext is what gets sent to the assistant for a locked element.
type ElementContext struct {
	Selector    string            `json:"selector"`
	XPath       string            `json:"xpath"`
	TagName     string            `json:"tagName"`
	Framework   string            `json:"framework"`
	Timestamp   int64             `json:"timestamp"`
	HTML        string            `json:"html"`
	InnerHTML   string            `json:"innerHTML"`
	TextContent string            `json:"textContent"`
	Attributes  map[string]string `json:"attributes"`
	Styles      map[string]string `json:"styles"`
	Dimensions  Dimensions        `json:"dimensions"`
	URL         string            `json:"url,omitempty"`
}

// Dimensions is the element's bounding box.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
}

// contextStyles are the computed properties copied into an ElementContext.
var contextStyles = []string{
	"display", "position", "width", "height", "margin", "padding",
	"background-color", "color", "font-size", "font-family", "z-index",
}

// Analyzer derives selectors and descriptors from live elements.
type Analyzer struct {
	maxDepth int
}

// NewAnalyzer creates an analyzer. maxDepth <= 0 uses 4.
func NewAnalyzer(maxDepth int) *Analyzer {
	if maxDepth <= 0 {
		maxDepth = 4
	}
	return &Analyzer{maxDepth: maxDepth}
}

// Analyze summarizes el.
func (a *Analyzer) Analyze(el dom.Element) Analysis {
	cls, _ := el.Attr("class")
	return Analysis{
		TagName:     strings.ToLower(el.TagName()),
		Selector:    a.Selector(el),
		XPath:       XPath(el),
		TextContent: state.Truncate(el.Text(), analysisTextLimit),
		Framework:   DetectFramework(el),
		ID:          el.ID(),
		ClassName:   cls,
		Rect:        el.Rect(),
	}
}

// BuildContext collects the full assistant context for el.
func (a *Analyzer) BuildContext(el dom.Element, now int64) ElementContext {
	html := el.OuterHTML()
	style := el.ComputedStyle()
	styles := make(map[string]string, len(contextStyles))
	for _, k := range contextStyles {
		if v, ok := style[k]; ok {
			styles[k] = v
		}
	}

	var inner strings.Builder
	for _, c := range el.Children() {
		inner.WriteString(c.OuterHTML())
	}

	r := el.Rect()
	return ElementContext{
		Selector:    a.Selector(el),
		XPath:       XPath(el),
		TagName:     strings.ToLower(el.TagName()),
		Framework:   DetectFramework(el),
		Timestamp:   now,
		HTML:        ellipsis(html, contextHTMLLimit),
		InnerHTML:   ellipsis(inner.String(), innerHTMLLimit),
		TextContent: state.Truncate(el.Text(), contextTextLimit),
		Attributes:  el.Attributes(),
		Styles:      styles,
		Dimensions:  Dimensions{Width: r.Width, Height: r.Height, Top: r.Y, Left: r.X},
	}
}

// ellipsis shortens s to n runes, ending in "..." when cut.
func ellipsis(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return state.Truncate(s, n-3) + "..."
}

// Selector builds a CSS selector for el. Each level is the id (which ends
// the walk), or the tag plus up to two classes and an :nth-child index when
// same-tag siblings exist. Levels are joined with " > ". The walk stops
// below body and after maxDepth levels.
func (a *Analyzer) Selector(el dom.Element) string {
	var path []string
	for cur := el; cur != nil && !isDocumentLevel(cur); cur = cur.Parent() {
		if id := cur.ID(); id != "" {
			path = append(path, "#"+id)
			break
		}

		part := strings.ToLower(cur.TagName())
		classes := cur.Classes()
		if len(classes) > 2 {
			classes = classes[:2]
		}
		for _, c := range classes {
			part += "." + c
		}
		if idx, n := sameTagIndex(cur); n > 1 {
			part += fmt.Sprintf(":nth-child(%d)", idx)
		}
		path = append(path, part)

		if len(path) >= a.maxDepth {
			break
		}
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return strings.Join(path, " > ")
}

func isDocumentLevel(el dom.Element) bool {
	switch strings.ToUpper(el.TagName()) {
	case "BODY", "HTML":
		return true
	}
	return false
}

// sameTagIndex returns el's 1-based position among its parent's children
// with the same tag, and how many such children there are.
func sameTagIndex(el dom.Element) (int, int) {
	parent := el.Parent()
	if parent == nil {
		return 1, 1
	}
	idx, n := 0, 0
	for _, c := range parent.Children() {
		if c.TagName() != el.TagName() {
			continue
		}
		n++
		if c == el {
			idx = n
		}
	}
	return idx, n
}

// XPath returns an XPath expression locating el.
func XPath(el dom.Element) string {
	if id := el.ID(); id != "" {
		return `//*[@id="` + id + `"]`
	}
	tag := strings.ToLower(el.TagName())
	switch tag {
	case "body":
		return "/html/body"
	case "html":
		return "/html"
	}
	parent := el.Parent()
	if parent == nil {
		return "/" + tag
	}
	idx, _ := sameTagIndex(el)
	return fmt.Sprintf("%s/%s[%d]", XPath(parent), tag, idx)
}

// DetectFramework guesses the UI framework from markers frameworks leave
// in the rendered markup.
func DetectFramework(el dom.Element) string {
	if el == nil {
		return FrameworkVanilla
	}
	for cur := el; cur != nil; cur = cur.Parent() {
		if fw := markerFramework(cur); fw != "" {
			return fw
		}
	}
	if strings.Contains(el.TagName(), "-") {
		return FrameworkWebComponent
	}
	return FrameworkVanilla
}

func markerFramework(el dom.Element) string {
	for name := range el.Attributes() {
		switch {
		case name == "data-reactroot", name == "data-reactid":
			return FrameworkReact
		case strings.HasPrefix(name, "data-v-"), name == "data-server-rendered":
			return FrameworkVue
		case name == "ng-version", strings.HasPrefix(name, "_ngcontent"), strings.HasPrefix(name, "_nghost"):
			return FrameworkAngular
		case strings.HasPrefix(name, "data-svelte"):
			return FrameworkSvelte
		}
	}
	for _, c := range el.Classes() {
		if strings.HasPrefix(c, "svelte-") {
			return FrameworkSvelte
		}
	}
	return ""
}
