package action_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/harvest/action"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want action.Locator
	}{
		{".export-btn", action.Locator{Kind: action.CSS, Value: ".export-btn"}},
		{"css=button.primary", action.Locator{Kind: action.CSS, Value: "button.primary"}},
		{"xpath=//button[@type='submit']", action.Locator{Kind: action.XPath, Value: "//button[@type='submit']"}},
		{"text=导出数据", action.Locator{Kind: action.Text, Value: "导出数据"}},
		{"role=button|导出", action.Locator{Kind: action.Role, Value: "button", Name: "导出"}},
		{"role=link", action.Locator{Kind: action.Role, Value: "link"}},
		{`  [aria-label="Close"]  `, action.Locator{Kind: action.CSS, Value: `[aria-label="Close"]`}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, action.ParseStrategy(tt.in).Locator); diff != "" {
			t.Errorf("ParseStrategy(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestStrategyYAML(t *testing.T) {
	src := `
- text=导出
- id: toolbar
  value: '[class*="toolbar"] button'
- id: named
  kind: role
  value: button
  name: Export
`
	var got []action.Strategy
	if err := yaml.Unmarshal([]byte(src), &got); err != nil {
		t.Fatal(err)
	}
	want := []action.Strategy{
		{Locator: action.Locator{Kind: action.Text, Value: "导出"}},
		{ID: "toolbar", Locator: action.Locator{Kind: action.CSS, Value: `[class*="toolbar"] button`}},
		{ID: "named", Locator: action.Locator{Kind: action.Role, Value: "button", Name: "Export"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
