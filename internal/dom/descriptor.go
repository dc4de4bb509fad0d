package dom

import (
	"math"
	"regexp"
	"strings"

	"browsernerd-resolver/internal/fingerprint"
)

// BoundingBox is an element's layout rectangle in CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the box center.
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Area returns width*height, zero for degenerate boxes.
func (b BoundingBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// DistanceTo returns the Euclidean distance between box centers.
func (b BoundingBox) DistanceTo(o BoundingBox) float64 {
	ax, ay := b.Center()
	bx, by := o.Center()
	return math.Hypot(ax-bx, ay-by)
}

// RawNode is one element as reported by the browser driver's snapshot script.
type RawNode struct {
	Ref            string      `json:"ref"`
	Order          int         `json:"order"`
	Tag            string      `json:"tag"`
	Text           string      `json:"text"`
	Role           string      `json:"role"`
	AccessibleName string      `json:"accessibleName"`
	AriaLabel      string      `json:"ariaLabel"`
	TestID         string      `json:"testId"`
	Placeholder    string      `json:"placeholder"`
	Name           string      `json:"name"`
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	Href           string      `json:"href"`
	Title          string      `json:"title"`
	ClassName      string      `json:"className"`
	Rect           BoundingBox `json:"rect"`
	Visible        bool        `json:"visible"`
	Clickable      bool        `json:"clickable"`
	InCode         bool        `json:"inCode"`
}

// Descriptor is the read-only view of an element held by the index.
type Descriptor struct {
	Ref             string      `json:"ref"`
	Order           int         `json:"order"`
	Tag             string      `json:"tag"`
	Text            string      `json:"text,omitempty"`
	Role            string      `json:"role,omitempty"`
	AccessibleName  string      `json:"accessible_name,omitempty"`
	AriaLabel       string      `json:"aria_label,omitempty"`
	TestID          string      `json:"test_id,omitempty"`
	Placeholder     string      `json:"placeholder,omitempty"`
	Name            string      `json:"name,omitempty"`
	ID              string      `json:"id,omitempty"`
	Type            string      `json:"type,omitempty"`
	Href            string      `json:"href,omitempty"`
	Title           string      `json:"title,omitempty"`
	Box             BoundingBox `json:"box"`
	StableClasses   []string    `json:"stable_classes,omitempty"`
	Visible         bool        `json:"visible"`
	Clickable       bool        `json:"clickable"`
	InCodeContainer bool        `json:"in_code_container,omitempty"`
	Fingerprint     string      `json:"fingerprint"`
}

// Displayed reports whether the element is visible with a non-zero area.
func (d *Descriptor) Displayed() bool {
	return d.Visible && d.Box.Area() > 0
}

// IsInput reports whether the element accepts typed text.
func (d *Descriptor) IsInput() bool {
	if d.Tag == "textarea" || d.Role == "textbox" || d.Role == "searchbox" || d.Role == "combobox" {
		return true
	}
	if d.Tag != "input" {
		return false
	}
	switch d.Type {
	case "button", "submit", "reset", "checkbox", "radio", "image", "hidden", "file":
		return false
	}
	return true
}

// IsInteractive reports whether the element is a plausible action target.
func (d *Descriptor) IsInteractive() bool {
	if d.Clickable || d.IsInput() {
		return true
	}
	switch d.Role {
	case "button", "link", "menuitem", "option", "tab", "checkbox", "radio", "switch", "combobox":
		return true
	}
	return false
}

// Label returns the best human-readable label for logs and LLM prompts.
func (d *Descriptor) Label() string {
	for _, s := range []string{d.AccessibleName, d.AriaLabel, d.Text, d.Placeholder, d.Title, d.Name, d.ID} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return d.Tag
}

// Locators returns reusable locators in priority order. They avoid the
// driver ref so a locator still works after the page reloads.
func (d *Descriptor) Locators() []string {
	var out []string
	if d.TestID != "" {
		out = append(out, "testid:"+d.TestID)
	}
	if d.Name != "" {
		out = append(out, "name:"+d.Name)
	}
	if d.AriaLabel != "" {
		out = append(out, "aria:"+d.AriaLabel)
	}
	if d.Placeholder != "" {
		out = append(out, "placeholder:"+d.Placeholder)
	}
	if d.ID != "" && !fingerprint.IsGenerated(d.ID) {
		out = append(out, "css:#"+cssIdent(d.ID))
	}
	out = append(out, "fingerprint:"+d.Fingerprint)
	return out
}

func cssIdent(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteString(`\3` + string(r) + " ")
				continue
			}
			b.WriteRune(r)
		default:
			b.WriteRune('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Handle is a resolved element reference valid only within its DOM epoch.
type Handle struct {
	Ref        string      `json:"ref"`
	Epoch      uint64      `json:"epoch"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
}

// ValidAt reports whether the handle may be used at the given epoch.
func (h Handle) ValidAt(epoch uint64) bool {
	return h.Ref != "" && h.Epoch == epoch
}

var implicitRoles = map[string]string{
	"button":   "button",
	"select":   "combobox",
	"textarea": "textbox",
	"option":   "option",
	"nav":      "navigation",
	"img":      "img",
	"h1":       "heading",
	"h2":       "heading",
	"h3":       "heading",
	"h4":       "heading",
	"h5":       "heading",
	"h6":       "heading",
}

func implicitRole(tag, typ, href string) string {
	switch tag {
	case "a":
		if href != "" {
			return "link"
		}
		return ""
	case "input":
		switch typ {
		case "button", "submit", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "search":
			return "searchbox"
		case "hidden":
			return ""
		}
		return "textbox"
	}
	return implicitRoles[tag]
}

var codeSyntax = regexp.MustCompile(`=>|function\s*\(|\};|</[a-zA-Z]|\{\{|\$\(|^\s*(const|let|var|import|def|class|func)\s|;\s*$|\)\s*\{`)

// LooksLikeCode reports text that reads as source code rather than UI copy.
func LooksLikeCode(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return codeSyntax.MatchString(text)
}

func newDescriptor(n RawNode) *Descriptor {
	tag := strings.ToLower(strings.TrimSpace(n.Tag))
	text := strings.Join(strings.Fields(n.Text), " ")
	role := strings.ToLower(strings.TrimSpace(n.Role))
	typ := strings.ToLower(strings.TrimSpace(n.Type))
	if role == "" {
		role = implicitRole(tag, typ, n.Href)
	}
	name := strings.TrimSpace(n.AccessibleName)
	if name == "" {
		name = firstNonEmpty(n.AriaLabel, text, n.Placeholder, n.Title)
	}
	d := &Descriptor{
		Ref:             n.Ref,
		Order:           n.Order,
		Tag:             tag,
		Text:            text,
		Role:            role,
		AccessibleName:  name,
		AriaLabel:       strings.TrimSpace(n.AriaLabel),
		TestID:          strings.TrimSpace(n.TestID),
		Placeholder:     strings.TrimSpace(n.Placeholder),
		Name:            strings.TrimSpace(n.Name),
		ID:              strings.TrimSpace(n.ID),
		Type:            typ,
		Href:            n.Href,
		Title:           strings.TrimSpace(n.Title),
		Box:             n.Rect,
		StableClasses:   fingerprint.StableClasses(n.ClassName),
		Visible:         n.Visible,
		Clickable:       n.Clickable,
		InCodeContainer: n.InCode || LooksLikeCode(text),
	}
	d.Fingerprint = fingerprint.Compute(fingerprint.Signals{
		Text:      d.Text,
		Role:      d.Role,
		AriaLabel: d.AriaLabel,
		Tag:       d.Tag,
		Box: fingerprint.Box{
			X: d.Box.X, Y: d.Box.Y, Width: d.Box.Width, Height: d.Box.Height,
		},
	})
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
