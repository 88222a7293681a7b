package action_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/action"
	"github.com/hazyhaar/harvest/action/actiontest"
)

func fastExecutor() *action.Executor {
	return action.New(action.Options{
		AttemptTimeout:   30 * time.Millisecond,
		TechniqueTimeout: 50 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	})
}

func TestClick_FallsBackToSecondStrategyInFrame(t *testing.T) {
	frame := actiontest.NewSurface("iframe#report")
	page := actiontest.NewPage(frame)
	btn := frame.PutCSS("button.export-v2", &actiontest.Element{Label: "Export"})

	ex := fastExecutor()
	res, err := ex.Click(context.Background(), page, action.CSSList("button.export", "button.export-v2"))
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if res.StrategyIndex != 1 {
		t.Errorf("StrategyIndex = %d, want 1", res.StrategyIndex)
	}
	if res.Surface != "iframe#report" {
		t.Errorf("Surface = %q", res.Surface)
	}
	if res.Technique != action.TechPrimary {
		t.Errorf("Technique = %q, want primary", res.Technique)
	}
	if btn.ClickCount() != 1 {
		t.Errorf("clicks = %d, want 1", btn.ClickCount())
	}
	if !res.OK() {
		t.Error("OK() = false")
	}
}

func TestClick_TechniqueChain(t *testing.T) {
	boom := errors.New("intercepted")

	tests := []struct {
		name string
		el   *actiontest.Element
		role bool
		want action.Technique
	}{
		{"primary", &actiontest.Element{}, false, action.TechPrimary},
		{"role text", &actiontest.Element{Label: " Export ", ClickErr: boom}, true, action.TechRoleText},
		{"script", &actiontest.Element{ClickErr: boom}, false, action.TechScript},
		{"pointer", &actiontest.Element{ClickErr: boom, ScriptErr: boom}, false, action.TechPointer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := actiontest.NewPage()
			main := page.Main()
			main.PutCSS("#export", tt.el)
			var alt *actiontest.Element
			if tt.role {
				alt = main.PutRole("button", "Export", &actiontest.Element{})
			}

			res, err := fastExecutor().Click(context.Background(), page, action.CSSList("#export"))
			if err != nil {
				t.Fatalf("Click: %v", err)
			}
			if res.Technique != tt.want {
				t.Errorf("Technique = %q, want %q", res.Technique, tt.want)
			}
			if tt.role && alt.ClickCount() != 1 {
				t.Errorf("role target clicks = %d", alt.ClickCount())
			}
			if tt.want == action.TechPointer && len(main.PointerClicks) != 1 {
				t.Errorf("pointer clicks = %d", len(main.PointerClicks))
			}
		})
	}
}

func TestClick_LocatedButUnclickableMovesOn(t *testing.T) {
	boom := errors.New("detached")
	page := actiontest.NewPage()
	page.Main().PutCSS("#a", &actiontest.Element{ClickErr: boom, ScriptErr: boom, CenterErr: boom})
	page.Main().PutCSS("#b", &actiontest.Element{})

	res, err := fastExecutor().Click(context.Background(), page, action.CSSList("#a", "#b"))
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if res.Strategy != "css:#b" {
		t.Errorf("Strategy = %q", res.Strategy)
	}
	// primary, role_text, script, pointer on #a
	if len(res.Attempts) != 4 {
		t.Errorf("attempts = %d: %v", len(res.Attempts), res.Attempts)
	}
}

func TestClick_SurfaceErrorDoesNotAbort(t *testing.T) {
	frame := actiontest.NewSurface("frame1")
	page := actiontest.NewPage(frame)
	page.Main().FindErr = errors.New("frame detached")
	frame.PutCSS("#export", &actiontest.Element{})

	res, err := fastExecutor().Click(context.Background(), page, action.CSSList("#export"))
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if res.Surface != "frame1" {
		t.Errorf("Surface = %q", res.Surface)
	}
	var sawFailure bool
	for _, a := range res.Attempts {
		if a.Surface == "main" && a.Reason == action.ReasonFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("main surface error not recorded: %v", res.Attempts)
	}
}

func TestClick_NotFoundAfterAllStrategiesAndFrames(t *testing.T) {
	page := actiontest.NewPage(actiontest.NewSurface("f1"), actiontest.NewSurface("f2"))
	strategies := []action.Strategy{
		{ID: "primary", Locator: action.Locator{Kind: action.CSS, Value: "#export"}},
		{ID: "xpath", Locator: action.Locator{Kind: action.XPath, Value: "//button[@data-x='export']"}},
		{ID: "text", Locator: action.Locator{Kind: action.Text, Value: "Export"}},
	}

	start := time.Now()
	res, err := fastExecutor().Click(context.Background(), page, strategies)
	var nf *action.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *NotFoundError", err)
	}
	if len(nf.Strategies) != 3 || nf.Surfaces != 3 {
		t.Errorf("NotFoundError = %+v", nf)
	}
	if res.OK() {
		t.Error("result reports success")
	}
	if time.Since(start) < 90*time.Millisecond {
		t.Errorf("returned before every strategy timed out: %v", time.Since(start))
	}
}

func TestClick_EmptyStrategies(t *testing.T) {
	_, err := fastExecutor().Click(context.Background(), actiontest.NewPage(), nil)
	var nf *action.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v", err)
	}
}

func TestClick_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastExecutor().Click(ctx, actiontest.NewPage(), action.CSSList("#x"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestClick_PressesEscapeFirst(t *testing.T) {
	page := actiontest.NewPage()
	page.Main().PutCSS("#x", &actiontest.Element{})
	if _, err := fastExecutor().Click(context.Background(), page, action.CSSList("#x")); err != nil {
		t.Fatal(err)
	}
	if page.Main().Escapes != 1 {
		t.Errorf("escapes = %d, want 1", page.Main().Escapes)
	}

	quiet := action.New(action.Options{SkipEscape: true, AttemptTimeout: 20 * time.Millisecond})
	page2 := actiontest.NewPage()
	page2.Main().PutCSS("#x", &actiontest.Element{})
	if _, err := quiet.Click(context.Background(), page2, action.CSSList("#x")); err != nil {
		t.Fatal(err)
	}
	if page2.Main().Escapes != 0 {
		t.Errorf("escapes = %d, want 0", page2.Main().Escapes)
	}
}

func TestClick_ElementAppearsLater(t *testing.T) {
	page := actiontest.NewPage()
	go func() {
		time.Sleep(10 * time.Millisecond)
		page.Main().PutCSS("#late", &actiontest.Element{})
	}()
	ex := action.New(action.Options{AttemptTimeout: time.Second, PollInterval: 2 * time.Millisecond})
	res, err := ex.Click(context.Background(), page, action.CSSList("#late"))
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if res.StrategyIndex != 0 {
		t.Errorf("StrategyIndex = %d", res.StrategyIndex)
	}
}

func TestFill(t *testing.T) {
	page := actiontest.NewPage()
	typed := page.Main().PutCSS("#user", &actiontest.Element{})
	scripted := page.Main().PutCSS("#pass", &actiontest.Element{InputErr: errors.New("readonly")})

	exe := fastExecutor()
	res, err := exe.Fill(context.Background(), page, action.CSSList("#user"), "alice")
	if err != nil || res.Technique != action.TechInput {
		t.Fatalf("Fill user: %v %q", err, res.Technique)
	}
	if typed.CurrentValue() != "alice" {
		t.Errorf("value = %q", typed.CurrentValue())
	}

	res, err = exe.Fill(context.Background(), page, action.CSSList("#pass"), "s3cret")
	if err != nil || res.Technique != action.TechScriptValue {
		t.Fatalf("Fill pass: %v %q", err, res.Technique)
	}
	if scripted.CurrentValue() != "s3cret" {
		t.Errorf("value = %q", scripted.CurrentValue())
	}
}

func TestStats(t *testing.T) {
	page := actiontest.NewPage()
	page.Main().PutCSS("#b", &actiontest.Element{})
	exe := fastExecutor()
	for i := 0; i < 2; i++ {
		if _, err := exe.Click(context.Background(), page, action.CSSList("#a", "#b")); err != nil {
			t.Fatal(err)
		}
	}
	stats := exe.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Strategy != "css:#a" || stats[0].Success != 0 || stats[0].Total != 2 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	if stats[1].Rate() != 1 {
		t.Errorf("stats[1] rate = %v", stats[1].Rate())
	}
	if (action.Stat{}).Rate() != 0 {
		t.Error("zero stat rate != 0")
	}
}

func TestProbeAndExists(t *testing.T) {
	frame := actiontest.NewSurface("f")
	page := actiontest.NewPage(frame)
	page.Main().PutCSS(".spinner", &actiontest.Element{Hidden: true})
	exe := fastExecutor()

	if exe.Exists(context.Background(), page, action.CSSList(".spinner")) {
		t.Error("hidden element reported as present")
	}
	frame.PutCSS(".progress", &actiontest.Element{})
	m, err := exe.Probe(context.Background(), page, action.CSSList(".spinner", ".progress"))
	if err != nil || m == nil {
		t.Fatalf("Probe = %v, %v", m, err)
	}
	if m.Surface.Name() != "f" || m.Strategy.Value != ".progress" {
		t.Errorf("match = %+v", m)
	}
}

func TestDismiss(t *testing.T) {
	frame := actiontest.NewSurface("f")
	page := actiontest.NewPage(frame)
	closeSel := `[aria-label="Close"]`

	modal := &actiontest.Element{}
	modal.OnClick = func() { page.Main().RemoveCSS(closeSel) }
	page.Main().PutCSS(closeSel, modal)

	toast := &actiontest.Element{}
	toast.OnClick = func() { frame.Remove(action.Locator{Kind: action.Text, Value: "Got it"}) }
	frame.Put(action.Locator{Kind: action.Text, Value: "Got it"}, toast)

	page.Main().PutCSS(".btn-close", &actiontest.Element{Hidden: true})

	d := action.NewDismisser(action.DismissOptions{
		Locators: action.DefaultCloseLocators(nil),
		Interval: time.Millisecond,
	})
	n, err := d.Dismiss(context.Background(), page)
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if n != 2 {
		t.Errorf("closed = %d, want 2", n)
	}
}

func TestDismiss_BoundedRounds(t *testing.T) {
	page := actiontest.NewPage()
	sticky := page.Main().PutCSS(".popup-close", &actiontest.Element{})
	d := action.NewDismisser(action.DismissOptions{
		Locators: action.DefaultCloseLocators(nil),
		Rounds:   3,
		Interval: time.Millisecond,
	})
	n, err := d.Dismiss(context.Background(), page)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || sticky.ClickCount() != 3 {
		t.Errorf("closed = %d clicks = %d, want 3", n, sticky.ClickCount())
	}
}

func TestDefaultCloseLocators_PlatformFirst(t *testing.T) {
	own := action.Locator{Kind: action.CSS, Value: ".shopee-popup__close-btn"}
	locs := action.DefaultCloseLocators([]action.Locator{own})
	if locs[0] != own {
		t.Errorf("first locator = %v", locs[0])
	}
	if len(locs) != 1+len(action.UniversalCloseSelectors)+len(action.UniversalCloseTexts) {
		t.Errorf("len = %d", len(locs))
	}
}
