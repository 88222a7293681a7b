package login

import (
	"context"
	"strings"

	"github.com/hazyhaar/harvest/action"
)

// OnLoginRoute reports whether url is a login page. Blank locations count
// as login pages since nothing proves a session.
func OnLoginRoute(url string, routes []string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	if u == "" || u == "about:blank" {
		return true
	}
	for _, r := range routes {
		if r != "" && strings.Contains(u, strings.ToLower(r)) {
			return true
		}
	}
	return false
}

var emailHints = []string{"email", "e-mail", "邮箱"}

// ModeFromInputs infers the form mode from its visible inputs: an email
// type or an email placeholder means email mode, anything else (tel type,
// tel autocomplete, phone placeholder, no hint at all) means phone mode.
func ModeFromInputs(inputs []action.InputInfo) Mode {
	for _, in := range inputs {
		if !in.Visible {
			continue
		}
		if strings.EqualFold(in.Type, "email") || containsAny(strings.ToLower(in.Placeholder), emailHints) {
			return ModeEmail
		}
	}
	return ModePhone
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Trusted reports whether a trust-device checkbox reads as checked, by
// class token, aria-checked or the live checked property.
func Trusted(ctx context.Context, el action.Element) bool {
	if cls, ok, err := el.Attribute(ctx, "class"); err == nil && ok {
		for _, tok := range strings.Fields(strings.ToLower(cls)) {
			if strings.Contains(tok, "checked") && !strings.Contains(tok, "unchecked") {
				return true
			}
		}
	}
	if v, ok, err := el.Attribute(ctx, "aria-checked"); err == nil && ok && strings.EqualFold(v, "true") {
		return true
	}
	checked, err := el.Checked(ctx)
	return err == nil && checked
}
