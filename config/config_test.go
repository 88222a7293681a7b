package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
output_root: /srv/harvest/raw
catalog: platforms.yaml
tuning:
  wait_timeout: 45s
  export_retry_count: 2
platforms:
  TikTok:
    wait_timeout: 90s
    early_exit: false
accounts:
  - platform: shopee
    id: acct1
    username: ops@example.com
    mode: email
    shops:
      - name: Shop One
        id: "1001"
  - platform: tiktok
    id: tt1
`

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFileDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFile(write(t, dir, "harvest.yaml", sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputRoot != "/srv/harvest/raw" || cfg.DownloadDir != "data/downloads" {
		t.Fatalf("roots = %q %q", cfg.OutputRoot, cfg.DownloadDir)
	}
	if cfg.Tuning.WaitTimeout != 45*time.Second || cfg.Tuning.RetryInterval != 400*time.Millisecond {
		t.Fatalf("tuning = %+v", cfg.Tuning)
	}
	if cfg.Tuning.EarlyExit == nil || !*cfg.Tuning.EarlyExit {
		t.Fatal("early_exit should default on")
	}
	if got := cfg.Resolve(cfg.Catalog); got != filepath.Join(dir, "platforms.yaml") {
		t.Fatalf("Resolve = %q", got)
	}

	a, err := cfg.Account("Shopee", "acct1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Label != "acct1" || a.Mode != "email" || len(a.Shops) != 1 || a.Shops[0].ID != "1001" {
		t.Fatalf("account = %+v", a)
	}
	if tt, _ := cfg.Account("tiktok", "tt1"); tt.Mode != "phone" {
		t.Fatalf("default mode = %q", tt.Mode)
	}
	if _, err := cfg.Account("shopee", "nope"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadFileMergesLocal(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "harvest.yaml", sample)
	write(t, dir, "harvest.local.yaml", "output_root: /tmp/raw\nredis:\n  addr: 127.0.0.1:6379\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputRoot != "/tmp/raw" || cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("local not merged: %q %q", cfg.OutputRoot, cfg.Redis.Addr)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("accounts lost in merge: %d", len(cfg.Accounts))
	}
}

func TestTuningFor(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	catalog := Tuning{FSDeadline: 2 * time.Minute, WaitTimeout: time.Minute}

	tk, err := cfg.TuningFor("tiktok", catalog)
	if err != nil {
		t.Fatal(err)
	}
	if tk.WaitTimeout != 90*time.Second {
		t.Errorf("config override lost: %v", tk.WaitTimeout)
	}
	if tk.FSDeadline != 2*time.Minute {
		t.Errorf("catalog tuning lost: %v", tk.FSDeadline)
	}
	if tk.ExportRetryCount != 2 {
		t.Errorf("global value lost: %d", tk.ExportRetryCount)
	}
	if *tk.EarlyExit {
		t.Error("early_exit false did not override")
	}
	if !tk.Policy().DisableEarlyExit {
		t.Error("policy keeps early exit")
	}

	sh, err := cfg.TuningFor("shopee", Tuning{})
	if err != nil {
		t.Fatal(err)
	}
	if sh.WaitTimeout != 45*time.Second || !*sh.EarlyExit {
		t.Errorf("shopee tuning = %+v", sh)
	}
	if !*cfg.Tuning.EarlyExit {
		t.Error("merge mutated the global tuning")
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"missing id":   "accounts:\n  - platform: shopee\n",
		"bad mode":     "accounts:\n  - platform: shopee\n    id: a\n    mode: fax\n",
		"duplicate":    "accounts:\n  - {platform: shopee, id: a}\n  - {platform: Shopee, id: a}\n",
		"bad duration": "tuning:\n  wait_timeout: soon\n",
	}
	for name, doc := range tests {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}

func TestSealKey(t *testing.T) {
	env := map[string]string{SealKeyEnv: "0123456789abcdef0123456789abcdef"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if got := SealKey(lookup); string(got) != env[SealKeyEnv] {
		t.Fatalf("SealKey = %q", got)
	}
	if SealKey(func(string) (string, bool) { return "", false }) != nil {
		t.Fatal("unset key returned bytes")
	}
}
