package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/harvest/action"
	"github.com/hazyhaar/harvest/profile"
)

// maxFrameDepth bounds the nested frames searched below the top document.
const maxFrameDepth = 3

// page implements login.Page on a rod page.
type page struct {
	p *rod.Page
}

func (pg *page) Navigate(ctx context.Context, url string) error {
	p := pg.p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("browser: load %s: %w", url, err)
	}
	return nil
}

func (pg *page) URL(ctx context.Context) (string, error) {
	info, err := pg.p.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}

func (pg *page) Cookies(ctx context.Context) ([]profile.Cookie, error) {
	cookies, err := pg.p.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("browser: cookies: %w", err)
	}
	return fromNetworkCookies(cookies), nil
}

// Surfaces returns the top document followed by its frames, depth first.
func (pg *page) Surfaces(ctx context.Context) ([]action.Surface, error) {
	out := []action.Surface{&surface{root: pg.p, doc: pg.p, name: "main"}}
	var walk func(doc *rod.Page, prefix string, depth int)
	walk = func(doc *rod.Page, prefix string, depth int) {
		if depth > maxFrameDepth {
			return
		}
		frames, err := doc.Context(ctx).Elements("iframe, frame")
		if err != nil {
			return
		}
		for i, el := range frames {
			fr, err := el.Frame()
			if err != nil {
				continue
			}
			name := prefix + "/" + frameName(el, i)
			out = append(out, &surface{root: pg.p, doc: fr, name: name})
			walk(fr, name, depth+1)
		}
	}
	walk(pg.p, "frame", 1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func frameName(el *rod.Element, i int) string {
	for _, attr := range []string{"name", "id", "src"} {
		if v, err := el.Attribute(attr); err == nil && v != nil && *v != "" {
			return *v
		}
	}
	return fmt.Sprintf("#%d", i)
}

// surface is one document. Pointer and key input go through the top page.
type surface struct {
	root *rod.Page
	doc  *rod.Page
	name string
}

func (s *surface) Name() string { return s.name }

func (s *surface) Find(ctx context.Context, loc action.Locator) (action.Element, error) {
	doc := s.doc.Context(ctx)
	var (
		els rod.Elements
		err error
	)
	switch loc.Kind {
	case action.CSS, "":
		els, err = doc.Elements(loc.Value)
	case action.XPath:
		els, err = doc.ElementsX(loc.Value)
	case action.Text:
		return s.byScript(ctx, "text", loc.Value, "")
	case action.Role:
		return s.byScript(ctx, "role", loc.Value, loc.Name)
	default:
		return nil, fmt.Errorf("browser: unknown locator kind %q", loc.Kind)
	}
	if err != nil {
		return nil, notFound(err)
	}
	return firstVisible(ctx, els)
}

func (s *surface) FindRole(ctx context.Context, role, name string) (action.Element, error) {
	return s.byScript(ctx, "role", role, name)
}

func (s *surface) byScript(ctx context.Context, kind, value, name string) (action.Element, error) {
	el, err := s.doc.Context(ctx).Sleeper(rod.NotFoundSleeper).ElementByJS(rod.Eval(findScript, kind, value, name))
	if err != nil {
		return nil, notFound(err)
	}
	return &element{el: el}, nil
}

func (s *surface) ClickAt(ctx context.Context, p action.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := s.root.Mouse
	if err := m.MoveTo(proto.Point{X: p.X, Y: p.Y}); err != nil {
		return err
	}
	return m.Click(proto.InputMouseButtonLeft, 1)
}

func (s *surface) PressEscape(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.root.Keyboard.Type(input.Escape)
}

func (s *surface) Inputs(ctx context.Context) ([]action.InputInfo, error) {
	res, err := s.doc.Context(ctx).Eval(inputsScript)
	if err != nil {
		return nil, fmt.Errorf("browser: list inputs: %w", err)
	}
	var out []action.InputInfo
	if err := res.Value.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("browser: decode inputs: %w", err)
	}
	return out, nil
}

func notFound(err error) error {
	var nf *rod.ElementNotFoundError
	if errors.As(err, &nf) {
		return action.ErrNotFound
	}
	return err
}

func firstVisible(ctx context.Context, els rod.Elements) (action.Element, error) {
	if len(els) == 0 {
		return nil, action.ErrNotFound
	}
	for _, el := range els {
		if vis, err := el.Context(ctx).Visible(); err == nil && vis {
			return &element{el: el}, nil
		}
	}
	return &element{el: els.First()}, nil
}

// element implements action.Element.
type element struct {
	el *rod.Element
}

func (e *element) ScrollIntoView(ctx context.Context) error {
	return e.el.Context(ctx).ScrollIntoView()
}

func (e *element) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *element) ScriptClick(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`function () { this.click() }`)
	return err
}

func (e *element) Center(ctx context.Context) (action.Point, error) {
	shape, err := e.el.Context(ctx).Shape()
	if err != nil {
		return action.Point{}, err
	}
	pt := shape.OnePointInside()
	if pt == nil {
		return action.Point{}, errors.New("browser: element has no box")
	}
	return action.Point{X: pt.X, Y: pt.Y}, nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	s, err := e.el.Context(ctx).Text()
	return strings.TrimSpace(s), err
}

func (e *element) Input(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func (e *element) ScriptSetValue(ctx context.Context, value string) error {
	_, err := e.el.Context(ctx).Eval(setValueScript, value)
	return err
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (e *element) Checked(ctx context.Context) (bool, error) {
	v, err := e.el.Context(ctx).Property("checked")
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

func (e *element) Screenshot(ctx context.Context) ([]byte, error) {
	return e.el.Context(ctx).Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}

// findScript resolves text and role locators. A visible match wins over
// a hidden one.
const findScript = `(kind, value, name) => {
	const norm = s => (s || '').replace(/\s+/g, ' ').trim();
	const shown = el => { const r = el.getBoundingClientRect(); return r.width > 0 && r.height > 0; };
	const implicit = {
		button: 'button, input[type=button], input[type=submit]',
		link: 'a[href]',
		textbox: 'input:not([type]), input[type=text], input[type=email], input[type=tel], input[type=password], textarea',
		checkbox: 'input[type=checkbox]',
		dialog: 'dialog',
	};
	let pool, want;
	if (kind === 'text') {
		pool = document.querySelectorAll('button, a, [role=button], [role=menuitem], [role=tab], label, span, div, li');
		want = norm(value);
	} else {
		pool = document.querySelectorAll('[role="' + value + '"]' + (implicit[value] ? ', ' + implicit[value] : ''));
		want = norm(name);
	}
	let hidden = null;
	for (const el of pool) {
		const label = norm(el.getAttribute('aria-label') || el.innerText || el.value || el.getAttribute('placeholder'));
		if (want && label !== want && !(kind === 'text' && el.children.length === 0 && label.includes(want))) continue;
		if (shown(el)) return el;
		if (!hidden) hidden = el;
	}
	return hidden;
}`

const setValueScript = `function (v) {
	const proto = Object.getPrototypeOf(this);
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set) { desc.set.call(this, v); } else { this.value = v; }
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
}`

const inputsScript = `() => Array.from(document.querySelectorAll('input, textarea')).map(el => {
	const r = el.getBoundingClientRect();
	return {
		type: (el.getAttribute('type') || el.tagName).toLowerCase(),
		name: el.getAttribute('name') || '',
		id: el.id || '',
		placeholder: el.getAttribute('placeholder') || '',
		autocomplete: el.getAttribute('autocomplete') || '',
		visible: r.width > 0 && r.height > 0,
	};
})`
