// Package secrets resolves account passwords without keeping them in the
// configuration file when avoidable.
//
// Lookup order: OS keyring, then the environment variable
// HARVEST_PASSWORD_<PLATFORM>_<ACCOUNT>, then the value from config.
package secrets

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService groups harvest entries in the OS keychain.
const KeyringService = "harvest"

// PasswordEnvPrefix prefixes password environment variables.
const PasswordEnvPrefix = "HARVEST_PASSWORD"

// ErrNotFound is returned when no source holds a password.
var ErrNotFound = errors.New("secrets: password not found")

// Source names where a password came from.
type Source string

const (
	FromKeyring Source = "keyring"
	FromEnv     Source = "env"
	FromConfig  Source = "config"
)

// Options configures a Resolver.
type Options struct {
	// Service overrides KeyringService.
	Service string
	// SkipKeyring disables the keyring lookup (headless hosts without a
	// secret service).
	SkipKeyring bool
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Service == "" {
		o.Service = KeyringService
	}
	if o.LookupEnv == nil {
		o.LookupEnv = os.LookupEnv
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Resolver looks up account passwords.
type Resolver struct {
	opts Options
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	opts.defaults()
	return &Resolver{opts: opts}
}

// Password returns the password of (platform, account). fallback is the
// value from config, used last.
func (r *Resolver) Password(platform, account, fallback string) (string, Source, error) {
	if !r.opts.SkipKeyring {
		pw, err := keyring.Get(r.opts.Service, KeyringAccount(platform, account))
		switch {
		case err == nil && strings.TrimSpace(pw) != "":
			return pw, FromKeyring, nil
		case err != nil && !errors.Is(err, keyring.ErrNotFound):
			r.opts.Logger.Debug("secrets: keyring unavailable", "platform", platform, "account", account, "error", err)
		}
	}
	if pw, ok := r.opts.LookupEnv(EnvName(PasswordEnvPrefix, platform, account)); ok && pw != "" {
		return pw, FromEnv, nil
	}
	if fallback != "" {
		return fallback, FromConfig, nil
	}
	return "", "", ErrNotFound
}

// Store saves a password in the OS keyring.
func (r *Resolver) Store(platform, account, password string) error {
	if strings.TrimSpace(password) == "" {
		return errors.New("secrets: password is empty")
	}
	return keyring.Set(r.opts.Service, KeyringAccount(platform, account), password)
}

// KeyringAccount is the keyring user name of (platform, account).
func KeyringAccount(platform, account string) string {
	return "harvest:" + strings.ToLower(strings.TrimSpace(platform)) + ":" + strings.TrimSpace(account)
}

// EnvName builds PREFIX_PLATFORM_ACCOUNT with every character outside
// [A-Z0-9] replaced by '_'.
func EnvName(prefix, platform, account string) string {
	return prefix + "_" + envPart(platform) + "_" + envPart(account)
}

func envPart(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
