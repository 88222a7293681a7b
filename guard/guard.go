// Package guard holds the input checks shared by the session store and the
// download fetcher: sealing secrets, profile paths, fetch URLs and bounded
// reads.
package guard

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// MinSecretLen is the minimum length of a sealing secret.
const MinSecretLen = 32

var (
	// ErrSecretTooShort is returned when a secret is under MinSecretLen.
	ErrSecretTooShort = fmt.Errorf("guard: secret must be at least %d bytes", MinSecretLen)
	// ErrPathTraversal is returned when a relative path escapes its base.
	ErrPathTraversal = errors.New("guard: path escapes its base")
	// ErrUnsafeScheme is returned for fetch URLs that are not http or https.
	ErrUnsafeScheme = errors.New("guard: only http and https URLs are fetched")
	// ErrTooLarge is returned by ReadLimited past its limit.
	ErrTooLarge = errors.New("guard: body exceeds the size limit")
)

// ValidateSecret checks the length of secret.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath joins rel under base and fails if the result leaves base.
func SafePath(base, rel string) (string, error) {
	if strings.Contains(rel, "..") {
		return "", ErrPathTraversal
	}
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, filepath.Clean("/"+rel))
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// FetchURL parses raw and requires an http or https URL with a host.
func FetchURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("guard: %s has no host", raw)
	}
	return u, nil
}

// ReadLimited reads r to the end, failing with ErrTooLarge past max bytes.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}
