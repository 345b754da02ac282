package dom

import (
	"strings"
	"testing"
)

const testFixture = `
title: Test page
root:
  tag: body
  rect: {x: 0, y: 0, width: 1000, height: 800}
  children:
    - tag: div
      id: app
      class: container main
      rect: {x: 0, y: 0, width: 1000, height: 800}
      children:
        - tag: button
          class: btn primary
          text: Save
          rect: {x: 10, y: 10, width: 100, height: 40}
        - tag: p
          text: "  Hello world  "
          rect: {x: 10, y: 100, width: 300, height: 20}
    - tag: div
      id: modal
      z: 10
      rect: {x: 50, y: 50, width: 200, height: 200}
    - tag: div
      attrs: {data-ha-ui: "panel"}
      z: 100
      rect: {x: 900, y: 0, width: 100, height: 800}
      children:
        - tag: span
          text: Inspector
          rect: {x: 900, y: 0, width: 100, height: 20}
`

func loadTestPage(t *testing.T) *Page {
	t.Helper()
	p, err := ParseFixture([]byte(testFixture))
	if err != nil {
		t.Fatalf("ParseFixture failed: %v", err)
	}
	return p
}

func TestParseFixture(t *testing.T) {
	p := loadTestPage(t)

	if p.Title != "Test page" {
		t.Errorf("Title = %q", p.Title)
	}
	if got := len(p.Nodes()); got != 7 {
		t.Errorf("node count = %d; want 7", got)
	}
	if p.Root().TagName() != "BODY" {
		t.Errorf("root tag = %q; want BODY", p.Root().TagName())
	}
}

func TestParseFixtureRejectsMissingTag(t *testing.T) {
	_, err := ParseFixture([]byte("root:\n  children:\n    - id: x\n"))
	if err == nil {
		t.Error("expected error for element without tag")
	}
}

func TestElementFromPoint(t *testing.T) {
	p := loadTestPage(t)

	tests := []struct {
		name string
		x, y float64
		want string
	}{
		{"button on top of app", 20, 20, "BUTTON"},
		{"modal wins by z-index", 60, 60, "DIV#modal"},
		{"paragraph", 20, 105, "P"},
		{"app background", 500, 500, "DIV#app"},
		{"tool ui", 950, 10, "SPAN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			el := p.ElementFromPoint(tt.x, tt.y)
			if el == nil {
				t.Fatal("ElementFromPoint returned nil")
			}
			got := el.TagName()
			if el.ID() != "" {
				got += "#" + el.ID()
			}
			if got != tt.want {
				t.Errorf("ElementFromPoint(%v, %v) = %s; want %s", tt.x, tt.y, got, tt.want)
			}
		})
	}

	if el := p.ElementFromPoint(5000, 5000); el != nil {
		t.Errorf("expected nil outside page, got %s", el.TagName())
	}
}

func TestPointerEventsNoneSkipsElement(t *testing.T) {
	p := loadTestPage(t)

	btn := p.ElementFromPoint(20, 20)
	btn.SetPointerEvents("none")

	if got := p.ElementFromPoint(20, 20); got == nil || got.ID() != "app" {
		t.Errorf("expected app beneath button, got %v", got)
	}

	btn.SetPointerEvents("")
	if btn.PointerEvents() != "auto" {
		t.Errorf("PointerEvents() = %q; want auto", btn.PointerEvents())
	}
}

func TestIsToolUI(t *testing.T) {
	p := loadTestPage(t)

	if !IsToolUI(p.ElementFromPoint(950, 10)) {
		t.Error("span inside panel should be tool UI")
	}
	if IsToolUI(p.ElementFromPoint(20, 20)) {
		t.Error("button should not be tool UI")
	}
	if IsToolUI(nil) {
		t.Error("nil is not tool UI")
	}
}

func TestQuerySelector(t *testing.T) {
	p := loadTestPage(t)

	tests := []struct {
		sel     string
		wantTag string
	}{
		{"#app", "DIV"},
		{"button", "BUTTON"},
		{".primary", "BUTTON"},
		{"button.btn.primary", "BUTTON"},
		{"div.main", "DIV"},
		{"p", "P"},
	}
	for _, tt := range tests {
		el := p.QuerySelector(tt.sel)
		if el == nil {
			t.Errorf("QuerySelector(%q) = nil", tt.sel)
			continue
		}
		if el.TagName() != tt.wantTag {
			t.Errorf("QuerySelector(%q) = %s; want %s", tt.sel, el.TagName(), tt.wantTag)
		}
	}

	for _, sel := range []string{"", "#nope", "div > p", "a[href]"} {
		if el := p.QuerySelector(sel); el != nil {
			t.Errorf("QuerySelector(%q) = %s; want nil", sel, el.TagName())
		}
	}
}

func TestTextAndHTML(t *testing.T) {
	p := loadTestPage(t)
	app := p.QuerySelector("#app")

	if got := app.Text(); got != "Save Hello world" {
		t.Errorf("Text() = %q", got)
	}

	html := p.QuerySelector("button").OuterHTML()
	if !strings.HasPrefix(html, `<button class="btn primary">Save`) {
		t.Errorf("OuterHTML() = %q", html)
	}
}

func TestAttributes(t *testing.T) {
	p := loadTestPage(t)
	app := p.QuerySelector("#app")

	attrs := app.Attributes()
	if attrs["id"] != "app" || attrs["class"] != "container main" {
		t.Errorf("Attributes() = %v", attrs)
	}
	if v, ok := app.Attr("class"); !ok || v != "container main" {
		t.Errorf("Attr(class) = %q, %v", v, ok)
	}
	if _, ok := app.Attr("data-missing"); ok {
		t.Error("Attr(data-missing) reported present")
	}
}
