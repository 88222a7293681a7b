package completion

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScanner(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	p := Policy{}
	p.defaults()
	s := newScanner(dir, start, p)

	write := func(name, body string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	write("report.xlsx.crdownload", "x")
	write("notes.txt", "x")
	stale := write("old.xlsx", "x")
	old := start.Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	growing := write("orders.csv", "a")

	if got, _ := s.poll(time.Now()); got != "" {
		t.Fatalf("first poll = %q, want nothing before size is stable", got)
	}
	if err := os.WriteFile(growing, []byte("ab"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.poll(time.Now()); got != "" {
		t.Fatalf("poll after growth = %q", got)
	}
	got, err := s.poll(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != growing {
		t.Errorf("poll = %q, want %q", got, growing)
	}
}

func TestScanner_GUIDName(t *testing.T) {
	dir := t.TempDir()
	p := Policy{}
	p.defaults()
	s := newScanner(dir, time.Now(), p)

	guid := filepath.Join(dir, "3f2b8c1e-9a4d-4e1b-8f3a-2c6d7e8f9a0b")
	for _, name := range []string{"README", "3f2b8c1e-9a4d-4e1b-8f3a-2c6d7e8f9a0b.crdownload"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(guid, []byte("PK\x03\x04"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.poll(time.Now())
	got, err := s.poll(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != guid {
		t.Errorf("poll = %q, want %q", got, guid)
	}
}

func TestIsDownloadGUID(t *testing.T) {
	for _, name := range []string{
		"3f2b8c1e-9a4d-4e1b-8f3a-2c6d7e8f9a0b",
		"3F2B8C1E-9A4D-4E1B-8F3A-2C6D7E8F9A0B",
	} {
		if !IsDownloadGUID(name) {
			t.Errorf("IsDownloadGUID(%q) = false", name)
		}
	}
	for _, name := range []string{
		"3f2b8c1e-9a4d-4e1b-8f3a-2c6d7e8f9a0b.part",
		"orders.xlsx",
		"README",
	} {
		if IsDownloadGUID(name) {
			t.Errorf("IsDownloadGUID(%q) = true", name)
		}
	}
}

func TestScanner_MissingDir(t *testing.T) {
	p := Policy{}
	p.defaults()
	s := newScanner(filepath.Join(t.TempDir(), "nope"), time.Now(), p)
	if got, err := s.poll(time.Now()); got != "" || err != nil {
		t.Errorf("poll = %q, %v", got, err)
	}
}

func TestIsPartial(t *testing.T) {
	for name, want := range map[string]bool{
		"a.xlsx.crdownload": true,
		"a.xlsx.part":       true,
		"A.TMP":             true,
		"a.download":        true,
		"a.xlsx":            false,
		"download.csv":      false,
	} {
		if got := IsPartial(name); got != want {
			t.Errorf("IsPartial(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestPlausible(t *testing.T) {
	tests := []struct {
		name string
		r    Response
		want bool
	}{
		{"export url", Response{URL: "https://x/api/export/1", Status: 200}, true},
		{"xlsx type", Response{URL: "https://x/r", Status: 200, ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}, true},
		{"octet stream", Response{URL: "https://x/r", Status: 200, ContentType: "application/octet-stream"}, true},
		{"attachment", Response{URL: "https://x/r", Status: 200, Disposition: `attachment; filename="orders.xlsx"`}, true},
		{"json", Response{URL: "https://x/api/list", Status: 200, ContentType: "application/json; charset=utf-8"}, false},
		{"not ok", Response{URL: "https://x/export", Status: 302}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Plausible(tt.r); got != tt.want {
				t.Errorf("Plausible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilenameFromDisposition(t *testing.T) {
	if got := FilenameFromDisposition(`attachment; filename="orders.xlsx"`); got != "orders.xlsx" {
		t.Errorf("got %q", got)
	}
	if got := FilenameFromDisposition(""); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{MaxRetries: -1}
	p.defaults()
	if p.MaxRetries != 0 || p.WaitTimeout != 30*time.Second || p.GraceWindow != time.Second {
		t.Errorf("defaults = %+v", p)
	}
}
