// Package actiontest provides in-memory implementations of action.Page,
// action.Surface and action.Element for tests.
package actiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/hazyhaar/harvest/action"
)

// Element is a scripted element. Zero value is a visible element whose
// every interaction succeeds.
type Element struct {
	mu sync.Mutex

	Label     string
	Hidden    bool
	Attrs     map[string]string
	IsChecked bool
	Value     string
	PNG       []byte

	ScrollErr      error
	ClickErr       error
	ScriptErr      error
	CenterErr      error
	InputErr       error
	ScriptValueErr error

	// OnClick runs after any successful click technique.
	OnClick func()

	Clicks       int
	ScriptClicks int
}

func (e *Element) ScrollIntoView(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ScrollErr
}

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.ClickErr != nil {
		err := e.ClickErr
		e.mu.Unlock()
		return err
	}
	e.Clicks++
	hook := e.OnClick
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (e *Element) ScriptClick(context.Context) error {
	e.mu.Lock()
	if e.ScriptErr != nil {
		err := e.ScriptErr
		e.mu.Unlock()
		return err
	}
	e.ScriptClicks++
	hook := e.OnClick
	e.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (e *Element) Center(context.Context) (action.Point, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CenterErr != nil {
		return action.Point{}, e.CenterErr
	}
	return action.Point{X: 10, Y: 20}, nil
}

func (e *Element) Text(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Label, nil
}

func (e *Element) Input(_ context.Context, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InputErr != nil {
		return e.InputErr
	}
	e.Value = value
	return nil
}

func (e *Element) ScriptSetValue(_ context.Context, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ScriptValueErr != nil {
		return e.ScriptValueErr
	}
	e.Value = value
	return nil
}

func (e *Element) Attribute(_ context.Context, name string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (e *Element) Checked(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.IsChecked, nil
}

func (e *Element) Visible(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Hidden, nil
}

func (e *Element) Screenshot(context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PNG == nil {
		return nil, errors.New("actiontest: no screenshot")
	}
	return e.PNG, nil
}

// SetAttr sets an attribute under lock.
func (e *Element) SetAttr(name, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[name] = value
}

// SetHidden toggles visibility under lock.
func (e *Element) SetHidden(h bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Hidden = h
}

// SetChecked sets the checked property under lock.
func (e *Element) SetChecked(c bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.IsChecked = c
}

// CurrentValue returns the last value typed or assigned.
func (e *Element) CurrentValue() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Value
}

// ClickCount returns primary plus script clicks.
func (e *Element) ClickCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Clicks + e.ScriptClicks
}

// Surface is a document holding elements keyed by locator kind and value.
type Surface struct {
	mu sync.Mutex

	name   string
	elems  map[string]*Element
	roles  map[string]*Element
	inputs []action.InputInfo

	FindErr    error
	PointerErr error

	PointerClicks []action.Point
	Escapes       int
}

// NewSurface creates an empty surface.
func NewSurface(name string) *Surface {
	return &Surface{name: name, elems: make(map[string]*Element), roles: make(map[string]*Element)}
}

func key(kind action.Kind, value string) string { return string(kind) + "\x00" + value }

// Put registers el under loc (kind and value; Name is ignored).
func (s *Surface) Put(loc action.Locator, el *Element) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elems[key(loc.Kind, loc.Value)] = el
	return el
}

// PutCSS is Put for a CSS selector.
func (s *Surface) PutCSS(selector string, el *Element) *Element {
	return s.Put(action.Locator{Kind: action.CSS, Value: selector}, el)
}

// Remove unregisters the element stored under loc.
func (s *Surface) Remove(loc action.Locator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elems, key(loc.Kind, loc.Value))
}

// RemoveCSS is Remove for a CSS selector.
func (s *Surface) RemoveCSS(selector string) {
	s.Remove(action.Locator{Kind: action.CSS, Value: selector})
}

// PutRole registers el for FindRole(role, name).
func (s *Surface) PutRole(role, name string, el *Element) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role+"\x00"+name] = el
	return el
}

// SetInputs replaces the form inputs reported by Inputs.
func (s *Surface) SetInputs(in ...action.InputInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = in
}

func (s *Surface) Name() string { return s.name }

func (s *Surface) Find(ctx context.Context, loc action.Locator) (action.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	if loc.Kind == action.Role {
		if el, ok := s.roles[loc.Value+"\x00"+loc.Name]; ok {
			return el, nil
		}
	}
	el, ok := s.elems[key(loc.Kind, loc.Value)]
	if !ok {
		return nil, action.ErrNotFound
	}
	return el, nil
}

func (s *Surface) FindRole(_ context.Context, role, name string) (action.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.roles[role+"\x00"+name]
	if !ok {
		return nil, action.ErrNotFound
	}
	return el, nil
}

func (s *Surface) ClickAt(_ context.Context, p action.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PointerErr != nil {
		return s.PointerErr
	}
	s.PointerClicks = append(s.PointerClicks, p)
	return nil
}

func (s *Surface) PressEscape(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Escapes++
	return nil
}

func (s *Surface) Inputs(context.Context) ([]action.InputInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]action.InputInfo(nil), s.inputs...), nil
}

// Page is a set of surfaces plus a mutable location.
type Page struct {
	mu       sync.Mutex
	surfaces []*Surface
	url      string

	SurfacesErr error
	// OnNavigate runs after Navigate updates the location.
	OnNavigate func(url string)

	Navigations []string
}

// NewPage creates a page with a main surface named "main" plus the given
// frames.
func NewPage(frames ...*Surface) *Page {
	return &Page{surfaces: append([]*Surface{NewSurface("main")}, frames...)}
}

// Main returns the top-level surface.
func (p *Page) Main() *Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surfaces[0]
}

// AddFrame appends a nested frame surface.
func (p *Page) AddFrame(s *Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaces = append(p.surfaces, s)
}

func (p *Page) Surfaces(ctx context.Context) ([]action.Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SurfacesErr != nil {
		return nil, p.SurfacesErr
	}
	out := make([]action.Surface, len(p.surfaces))
	for i, s := range p.surfaces {
		out[i] = s
	}
	return out, nil
}

// Navigate records url and makes it the current location.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.Navigations = append(p.Navigations, url)
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	return nil
}

// URL returns the current location.
func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// SetURL changes the location without recording a navigation.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}
