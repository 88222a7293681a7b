package action

import (
	"context"
	"log/slog"
	"time"
)

// UniversalCloseSelectors match the close controls of common modal, toast
// and announcement widgets. Platform selectors are tried before these.
var UniversalCloseSelectors = []string{
	`[aria-label="Close"]`,
	`[aria-label="close"]`,
	`[aria-label="关闭"]`,
	`[aria-label="Dismiss"]`,
	`.modal-close`,
	`.close-btn`,
	`.close-button`,
	`.btn-close`,
	`.dialog-close`,
	`.popup-close`,
	`.icon-close`,
	`button.close`,
	`[class*="modal"] button[class*="close"]`,
	`[class*="dialog"] button[class*="close"]`,
}

// UniversalCloseTexts are button labels that dismiss a popup.
var UniversalCloseTexts = []string{
	"关闭", "Close", "稍后再说", "Later", "我知道了", "Got it", "No thanks", "不，谢谢", "跳过", "Skip",
}

// DismissOptions tunes a Dismisser.
type DismissOptions struct {
	// Locators are tried in order on every surface, every round.
	Locators []Locator
	// Rounds bounds the number of sweeps. Default: 20.
	Rounds int
	// Interval separates sweeps. Default: 300ms.
	Interval time.Duration
	Logger   *slog.Logger
}

func (o *DismissOptions) defaults() {
	if o.Rounds <= 0 {
		o.Rounds = 20
	}
	if o.Interval <= 0 {
		o.Interval = 300 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dismisser closes transient popups across all surfaces of a page.
type Dismisser struct {
	opts DismissOptions
}

// NewDismisser creates a Dismisser.
func NewDismisser(opts DismissOptions) *Dismisser {
	opts.defaults()
	return &Dismisser{opts: opts}
}

// DefaultCloseLocators returns platform locators followed by the universal
// selectors and close texts.
func DefaultCloseLocators(platform []Locator) []Locator {
	out := make([]Locator, 0, len(platform)+len(UniversalCloseSelectors)+len(UniversalCloseTexts))
	out = append(out, platform...)
	for _, sel := range UniversalCloseSelectors {
		out = append(out, Locator{Kind: CSS, Value: sel})
	}
	for _, txt := range UniversalCloseTexts {
		out = append(out, Locator{Kind: Text, Value: txt})
	}
	return out
}

// Dismiss sweeps every surface for visible close controls and clicks them.
// It stops after the first sweep that closes nothing, or after Rounds
// sweeps, and returns the number of controls clicked.
func (d *Dismisser) Dismiss(ctx context.Context, page Page) (int, error) {
	closed := 0
	for round := 0; round < d.opts.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		surfaces, err := page.Surfaces(ctx)
		if err != nil {
			return closed, err
		}

		hit := 0
		for _, surf := range surfaces {
			for _, loc := range d.opts.Locators {
				el, err := surf.Find(ctx, loc)
				if err != nil {
					continue
				}
				if vis, err := el.Visible(ctx); err != nil || !vis {
					continue
				}
				if err := el.Click(ctx); err != nil {
					if err := el.ScriptClick(ctx); err != nil {
						continue
					}
				}
				hit++
				d.opts.Logger.Debug("action: popup closed", "surface", surf.Name(), "locator", loc.String())
			}
		}
		closed += hit
		if hit == 0 {
			return closed, nil
		}
		if err := sleepCtx(ctx, d.opts.Interval); err != nil {
			return closed, err
		}
	}
	return closed, nil
}
