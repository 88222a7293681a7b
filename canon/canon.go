// Package canon derives the canonical storage location of a captured export
// from the job parameters alone.
//
// Layout:
//
//	<root>/<platform>/<account>/<shop>[__<shop_id>]/<data_domain>/[<subtype>/]<granularity>/
//	{YYYYMMDD_HHMMSS}__{account}__{shop}__{data_domain}__{granularity}[__{start}_{end}]{ext}
//
// Every free-text segment goes through slug.Make, so the same Params always
// produce the same bytes.
package canon

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/slug"
)

const (
	// TimestampLayout formats the leading timestamp of a canonical filename.
	TimestampLayout = "20060102_150405"
	// DateLayout formats the optional date-range suffix.
	DateLayout = "2006-01-02"
	// DefaultExt is used when the source carries no usable extension.
	DefaultExt = ".xlsx"

	sep = "__"
)

// Params are the inputs of every naming function.
type Params struct {
	Platform     string
	AccountLabel string
	ShopName     string
	ShopID       string
	DataDomain   string
	Subtype      string
	Granularity  string
	Start        time.Time // zero means no date range
	End          time.Time
	Timestamp    time.Time
	Ext          string // with or without the leading dot
}

// Filename returns the canonical file name for p.
func Filename(p Params) string {
	var b strings.Builder
	b.WriteString(p.Timestamp.Format(TimestampLayout))
	for _, part := range []string{p.AccountLabel, p.ShopName, p.DataDomain, granularity(p)} {
		b.WriteString(sep)
		b.WriteString(slug.Make(part))
	}
	if !p.Start.IsZero() && !p.End.IsZero() {
		b.WriteString(sep)
		b.WriteString(p.Start.Format(DateLayout))
		b.WriteByte('_')
		b.WriteString(p.End.Format(DateLayout))
	}
	b.WriteString(NormalizeExt(p.Ext))
	return b.String()
}

// Dir returns the canonical directory for p under root.
func Dir(root string, p Params) string {
	shop := slug.Make(p.ShopName)
	if id := strings.TrimSpace(p.ShopID); id != "" {
		shop += sep + slug.Make(id)
	}
	parts := []string{
		root,
		slug.Make(p.Platform),
		slug.Make(p.AccountLabel),
		shop,
		slug.Make(p.DataDomain),
	}
	if strings.TrimSpace(p.Subtype) != "" {
		parts = append(parts, slug.Make(p.Subtype))
	}
	parts = append(parts, granularity(p))
	return filepath.Join(parts...)
}

// Path joins Dir and Filename.
func Path(root string, p Params) string {
	return filepath.Join(Dir(root, p), Filename(p))
}

// NormalizeExt lowercases ext, adds the leading dot and falls back to
// DefaultExt when ext is empty or not a plain extension.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || !slug.Valid(ext) || strings.Contains(ext, ".") {
		return DefaultExt
	}
	return "." + ext
}

// ExtFromName extracts the extension of a suggested download name.
func ExtFromName(name string) string {
	return NormalizeExt(filepath.Ext(name))
}

// GranularityOf returns the granularity segment used for p: the explicit
// value, else one inferred from the date range, else manual.
func GranularityOf(p Params) string { return granularity(p) }

func granularity(p Params) string {
	if strings.TrimSpace(p.Granularity) != "" {
		return slug.Make(p.Granularity)
	}
	if !p.Start.IsZero() && !p.End.IsZero() {
		return InferGranularity(p.Start, p.End)
	}
	return Manual
}
