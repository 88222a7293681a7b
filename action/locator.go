// Package action performs one UI action (click or fill) against a page whose
// layout is not guaranteed, by walking an ordered list of candidate
// strategies over every searchable surface (the main document and each
// nested frame) and, for each located element, a chain of interaction
// techniques.
//
// The package is browser-agnostic: it drives the Page, Surface and Element
// interfaces. internal/browser implements them on go-rod.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind selects how a Locator is resolved.
type Kind string

const (
	CSS   Kind = "css"
	XPath Kind = "xpath"
	Text  Kind = "text" // visible text of a clickable element
	Role  Kind = "role" // accessible role, with Name as accessible name
)

// Locator identifies an element on a surface.
type Locator struct {
	Kind  Kind   `yaml:"kind" json:"kind"`
	Value string `yaml:"value" json:"value"`
	// Name is the accessible name used for Role locators and for the
	// role/text fallback of other kinds.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

func (l Locator) String() string {
	if l.Name != "" {
		return fmt.Sprintf("%s:%s[%s]", l.Kind, l.Value, l.Name)
	}
	return fmt.Sprintf("%s:%s", l.Kind, l.Value)
}

// Strategy is one candidate of an ordered fallback list.
type Strategy struct {
	ID      string `yaml:"id,omitempty" json:"id,omitempty"`
	Locator `yaml:",inline"`
}

// Label returns ID, or the locator text when ID is empty.
func (s Strategy) Label() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Locator.String()
}

// ParseStrategy reads the compact form used in catalogs:
//
//	css=.export-btn
//	xpath=//button[@type="submit"]
//	text=导出数据
//	role=button|导出
//
// A value without a known prefix is a CSS selector.
func ParseStrategy(s string) Strategy {
	s = strings.TrimSpace(s)
	for _, k := range []Kind{CSS, XPath, Text, Role} {
		v, ok := strings.CutPrefix(s, string(k)+"=")
		if !ok {
			continue
		}
		loc := Locator{Kind: k, Value: v}
		if k == Role {
			loc.Value, loc.Name, _ = strings.Cut(v, "|")
		}
		return Strategy{Locator: loc}
	}
	return Strategy{Locator: Locator{Kind: CSS, Value: s}}
}

// UnmarshalYAML accepts either the compact string form or a mapping with
// id, kind, value and name.
func (s *Strategy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = ParseStrategy(node.Value)
		return nil
	}
	type plain Strategy
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = CSS
	}
	*s = Strategy(p)
	return nil
}

// CSSList builds strategies from plain CSS selectors.
func CSSList(selectors ...string) []Strategy {
	out := make([]Strategy, 0, len(selectors))
	for _, sel := range selectors {
		out = append(out, Strategy{Locator: Locator{Kind: CSS, Value: sel}})
	}
	return out
}

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X, Y float64
}

// ErrNotFound is returned by Surface lookups when nothing matches.
var ErrNotFound = errors.New("action: element not found")

// Element is a located node. Implementations must honour ctx.
type Element interface {
	ScrollIntoView(ctx context.Context) error
	Click(ctx context.Context) error
	// ScriptClick invokes the element's click() from page script.
	ScriptClick(ctx context.Context) error
	// Center returns a point inside the element's box.
	Center(ctx context.Context) (Point, error)
	Text(ctx context.Context) (string, error)
	Input(ctx context.Context, value string) error
	// ScriptSetValue assigns value and dispatches input and change events.
	ScriptSetValue(ctx context.Context, value string) error
	// Attribute returns the attribute value and whether it is present.
	Attribute(ctx context.Context, name string) (string, bool, error)
	// Checked reads the live checked property.
	Checked(ctx context.Context) (bool, error)
	Visible(ctx context.Context) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Surface is one searchable document: the top page or a nested frame.
// Lookups are immediate: they return ErrNotFound instead of waiting.
type Surface interface {
	Name() string
	Find(ctx context.Context, loc Locator) (Element, error)
	// FindRole resolves an element by accessible role and name.
	FindRole(ctx context.Context, role, name string) (Element, error)
	// ClickAt dispatches a synthesized pointer click at p.
	ClickAt(ctx context.Context, p Point) error
	PressEscape(ctx context.Context) error
	// Inputs describes the form inputs currently in the document.
	Inputs(ctx context.Context) ([]InputInfo, error)
}

// InputInfo is the static description of a form input, used to infer what
// a login form expects.
type InputInfo struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	ID           string `json:"id"`
	Placeholder  string `json:"placeholder"`
	Autocomplete string `json:"autocomplete"`
	Visible      bool   `json:"visible"`
}

// Page lists the surfaces that can currently be searched, the main
// document first.
type Page interface {
	Surfaces(ctx context.Context) ([]Surface, error)
}
