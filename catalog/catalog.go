// Package catalog loads the per-platform selector catalogs: login
// selectors, popup close controls and, for every data domain, the deep
// link and the ordered strategy lists that drive an export.
//
// Catalog files are YAML. Strategies use the compact form accepted by
// action.ParseStrategy or the full mapping form.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/harvest/action"
	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/login"
	"github.com/hazyhaar/harvest/slug"
)

// Catalog indexes platforms by slug.
type Catalog struct {
	Platforms map[string]*Platform `yaml:"platforms"`
}

// Platform is the catalog of one seller console.
type Platform struct {
	Name        string          `yaml:"-"`
	BaseURL     string          `yaml:"base_url"`
	LoginURL    string          `yaml:"login_url"`
	HomeURL     string          `yaml:"home_url"`
	LoginRoutes []string        `yaml:"login_routes"`
	Login       login.Selectors `yaml:"login"`
	// Popups are platform close controls, tried before the universal ones.
	Popups  []action.Strategy  `yaml:"popups"`
	Tuning  config.Tuning      `yaml:"tuning"`
	Domains map[string]*Domain `yaml:"domains"`
}

// Domain describes how to export one data domain.
type Domain struct {
	Name string `yaml:"-"`
	// DeepLink is a URL template; relative links resolve against BaseURL.
	DeepLink string `yaml:"deep_link"`
	// Ready is probed after navigation; the export starts once it matches.
	Ready []action.Strategy `yaml:"ready"`
	// DatePicker opens the date control; Presets map a granularity to the
	// preset to click; DateApply confirms the range.
	DatePicker []action.Strategy            `yaml:"date_picker"`
	Presets    map[string][]action.Strategy `yaml:"presets"`
	DateApply  []action.Strategy            `yaml:"date_apply"`
	// Export triggers report generation and is re-clicked on retries.
	Export []action.Strategy `yaml:"export"`
	// Confirm is clicked once after Export when a confirmation dialog
	// appears.
	Confirm []action.Strategy `yaml:"confirm"`
	// Progress indicators mean generation is still running.
	Progress []action.Strategy `yaml:"progress"`
	// Download is the action of a "report ready" overlay or list row.
	Download []action.Strategy `yaml:"download"`
}

// Placeholders accepted in deep links.
var Placeholders = []string{"{shop_id}", "{start}", "{end}", "{granularity}"}

// LinkVars fill a deep-link template.
type LinkVars struct {
	ShopID      string
	Start       time.Time
	End         time.Time
	Granularity string
}

// ErrUnknown is wrapped by lookups of unconfigured platforms or domains.
var ErrUnknown = errors.New("catalog: unknown")

// LoadFile reads one catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// LoadDir reads every *.yaml file of dir; each holds one or more
// platforms. A platform defined twice is an error.
func LoadDir(dir string) (*Catalog, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	sort.Strings(files)
	out := &Catalog{Platforms: make(map[string]*Platform)}
	for _, f := range files {
		c, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for key, p := range c.Platforms {
			if _, dup := out.Platforms[key]; dup {
				return nil, fmt.Errorf("catalog: platform %s defined twice (%s)", key, f)
			}
			out.Platforms[key] = p
		}
	}
	return out, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var raw Catalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	c := &Catalog{Platforms: make(map[string]*Platform, len(raw.Platforms))}
	for name, p := range raw.Platforms {
		if p == nil {
			return nil, fmt.Errorf("platform %s: empty", name)
		}
		p.Name = slug.Make(name)
		if err := p.normalize(); err != nil {
			return nil, fmt.Errorf("platform %s: %w", name, err)
		}
		c.Platforms[p.Name] = p
	}
	return c, nil
}

func (p *Platform) normalize() error {
	if p.LoginURL == "" {
		return errors.New("login_url is required")
	}
	if len(p.Login.Username) == 0 || len(p.Login.LoginButton) == 0 {
		return errors.New("login.username and login.login_button are required")
	}
	if len(p.LoginRoutes) == 0 {
		p.LoginRoutes = login.DefaultLoginRoutes
	}
	if p.HomeURL == "" {
		p.HomeURL = p.BaseURL
	}
	domains := make(map[string]*Domain, len(p.Domains))
	for name, d := range p.Domains {
		if d == nil || len(d.Export) == 0 {
			return fmt.Errorf("domain %s: export strategies are required", name)
		}
		d.Name = slug.Make(name)
		if err := checkTemplate(d.DeepLink); err != nil {
			return fmt.Errorf("domain %s: %w", name, err)
		}
		domains[d.Name] = d
	}
	p.Domains = domains
	return nil
}

func checkTemplate(tpl string) error {
	rest := tpl
	for _, ph := range Placeholders {
		rest = strings.ReplaceAll(rest, ph, "")
	}
	if i := strings.IndexByte(rest, '{'); i >= 0 {
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return fmt.Errorf("deep_link: unterminated placeholder")
		}
		return fmt.Errorf("deep_link: unknown placeholder %s", rest[i:i+end+1])
	}
	return nil
}

// Platform returns the catalog of name.
func (c *Catalog) Platform(name string) (*Platform, error) {
	if c != nil {
		if p, ok := c.Platforms[slug.Make(name)]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w platform %q", ErrUnknown, name)
}

// Names lists the configured platforms, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.Platforms))
	for n := range c.Platforms {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Domain returns the export description of a data domain.
func (p *Platform) Domain(name string) (*Domain, error) {
	if d, ok := p.Domains[slug.Make(name)]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w domain %q on %s", ErrUnknown, name, p.Name)
}

// PopupLocators returns the platform close controls followed by the
// universal ones.
func (p *Platform) PopupLocators() []action.Locator {
	own := make([]action.Locator, 0, len(p.Popups))
	for _, s := range p.Popups {
		own = append(own, s.Locator)
	}
	return action.DefaultCloseLocators(own)
}

// URL expands the deep link of d. Placeholder values are query-escaped.
func (p *Platform) URL(d *Domain, v LinkVars) (string, error) {
	if d.DeepLink == "" {
		return "", fmt.Errorf("catalog: %s/%s has no deep link", p.Name, d.Name)
	}
	date := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format("2006-01-02")
	}
	link := strings.NewReplacer(
		"{shop_id}", url.QueryEscape(v.ShopID),
		"{start}", date(v.Start),
		"{end}", date(v.End),
		"{granularity}", url.QueryEscape(v.Granularity),
	).Replace(d.DeepLink)

	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("catalog: deep link %s: %w", link, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(p.BaseURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("catalog: %s: relative deep link needs an absolute base_url", p.Name)
	}
	return base.ResolveReference(ref).String(), nil
}

// LoginOptions returns login options filled from the platform catalog.
func (p *Platform) LoginOptions() login.Options {
	return login.Options{
		LoginURL:    p.LoginURL,
		LoginRoutes: p.LoginRoutes,
		Selectors:   p.Login,
	}
}
