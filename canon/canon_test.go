package canon

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var ts = time.Date(2025, 9, 24, 18, 59, 40, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestFilename(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		want string
	}{
		{
			name: "no range",
			p: Params{AccountLabel: "acct1", ShopName: "shop1", DataDomain: "orders",
				Granularity: "daily", Timestamp: ts},
			want: "20250924_185940__acct1__shop1__orders__daily.xlsx",
		},
		{
			name: "with range and csv",
			p: Params{AccountLabel: "Acct One", ShopName: "The King's Shop", DataDomain: "products",
				Granularity: "weekly", Start: day(2025, 9, 1), End: day(2025, 9, 7), Timestamp: ts, Ext: "CSV"},
			want: "20250924_185940__acct_one__the_king_s_shop__products__weekly__2025-09-01_2025-09-07.csv",
		},
		{
			name: "granularity inferred",
			p: Params{AccountLabel: "a", ShopName: "s", DataDomain: "traffic",
				Start: day(2025, 9, 1), End: day(2025, 9, 30), Timestamp: ts},
			want: "20250924_185940__a__s__traffic__monthly__2025-09-01_2025-09-30.xlsx",
		},
		{
			name: "empty labels",
			p:    Params{DataDomain: "finance", Granularity: "daily", Timestamp: ts},
			want: "20250924_185940__unknown__unknown__finance__daily.xlsx",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Filename(tt.p); got != tt.want {
				t.Errorf("Filename = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDir(t *testing.T) {
	p := Params{Platform: "shopee", AccountLabel: "acct1", ShopName: "shop1",
		DataDomain: "orders", Granularity: "daily", Timestamp: ts}
	if got, want := Dir("/out", p), filepath.FromSlash("/out/shopee/acct1/shop1/orders/daily"); got != want {
		t.Errorf("Dir = %q, want %q", got, want)
	}

	p.ShopID = "1227491331"
	p.Subtype = "Service Metrics"
	want := filepath.FromSlash("/out/shopee/acct1/shop1__1227491331/orders/service_metrics/daily")
	if got := Dir("/out", p); got != want {
		t.Errorf("Dir = %q, want %q", got, want)
	}
}

func TestPath_Idempotent(t *testing.T) {
	p := Params{Platform: "TikTok", AccountLabel: "Crème Brûlée", ShopName: "店铺 A",
		ShopID: "7/8", DataDomain: "orders", Subtype: "returns", Granularity: "daily",
		Start: day(2025, 1, 1), End: day(2025, 1, 1), Timestamp: ts, Ext: ".xls"}
	first := Path("/root", p)
	for i := 0; i < 5; i++ {
		if got := Path("/root", p); got != first {
			t.Fatalf("Path changed between calls: %q vs %q", got, first)
		}
	}
}

func TestNormalizeExt(t *testing.T) {
	tests := map[string]string{
		"":         ".xlsx",
		"xlsx":     ".xlsx",
		".CSV":     ".csv",
		".tar.gz":  ".xlsx",
		"x y":      ".xlsx",
		".xls":     ".xls",
		"   .Xlsx": ".xlsx",
	}
	for in, want := range tests {
		if got := NormalizeExt(in); got != want {
			t.Errorf("NormalizeExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInferGranularity(t *testing.T) {
	tests := []struct {
		start, end time.Time
		want       string
	}{
		{day(2025, 3, 1), day(2025, 3, 1), Daily},
		{day(2025, 3, 1), day(2025, 3, 2), Weekly},
		{day(2025, 3, 1), day(2025, 3, 7), Weekly},
		{day(2025, 3, 1), day(2025, 3, 8), Monthly},
		{day(2025, 3, 1), day(2025, 3, 31), Monthly},
		{day(2025, 3, 1), day(2025, 4, 1), Quarterly},
		{day(2025, 1, 1), day(2025, 4, 3), Quarterly},
		{day(2025, 1, 1), day(2025, 4, 4), Custom},
		{day(2025, 3, 2), day(2025, 3, 1), Custom},
	}
	for _, tt := range tests {
		if got := InferGranularity(tt.start, tt.end); got != tt.want {
			t.Errorf("InferGranularity(%s, %s) = %q, want %q",
				tt.start.Format(DateLayout), tt.end.Format(DateLayout), got, tt.want)
		}
	}
}

func TestParseFilename_RoundTrip(t *testing.T) {
	p := Params{AccountLabel: "acct1", ShopName: "shop1", DataDomain: "orders",
		Granularity: "weekly", Start: day(2025, 9, 1), End: day(2025, 9, 7), Timestamp: ts}
	got, err := ParseFilename(filepath.Join("some", "dir", Filename(p)))
	if err != nil {
		t.Fatalf("ParseFilename: %v", err)
	}
	want := &Parsed{
		Timestamp: ts, Account: "acct1", Shop: "shop1", DataDomain: "orders",
		Granularity: "weekly", Start: day(2025, 9, 1), End: day(2025, 9, 7), Ext: ".xlsx",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseFilename mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFilename_Rejects(t *testing.T) {
	for _, name := range []string{
		"report.xlsx",
		"20250924_185940__a__s__orders.xlsx",
		"notatime__a__s__orders__daily.xlsx",
		"20250924_185940__a__s__orders__yearly.xlsx",
		"20250924_185940__a__s__orders__daily__2025-09-01.xlsx",
		"20250924_185940__a__s__orders__daily__2025-13-01_2025-09-02.xlsx",
	} {
		if _, err := ParseFilename(name); !errors.Is(err, ErrNotCanonical) {
			t.Errorf("ParseFilename(%q) err = %v, want ErrNotCanonical", name, err)
		}
	}
}
