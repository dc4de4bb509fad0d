package browser

import (
	"context"
	"net/url"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/engine"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/patterns"
	"browsernerd-resolver/internal/resolver"
)

const loginPage = `<!doctype html>
<html><body>
<nav><a href="#home">Home</a></nav>
<form onsubmit="event.preventDefault(); document.getElementById('status').textContent = 'Signed in as ' + document.getElementById('email').value;">
  <label for="email">Email</label>
  <input id="email" name="email" type="email" placeholder="Email address">
  <button data-testid="login-submit" type="submit">Sign in</button>
</form>
<pre><code>button.click() // Sign in</code></pre>
<label for="notes">Notes</label>
<textarea id="notes">Sign in</textarea>
<div id="editor" contenteditable="true" aria-label="Draft"><p>Sign in</p><p><b>Sign in</b> later</p></div>
<p id="status"></p>
</body></html>`

// TestLivePageResolution drives a real Chrome instance.
func TestLivePageResolution(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live browser tests (SKIP_LIVE_TESTS set)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logger := zaptest.NewLogger(t)
	sink := &factRecorder{}
	manager := NewSessionManager(config.BrowserConfig{Headless: boolPtr(true), MutationThrottleMs: 50}, sink, logger)
	if err := manager.Start(ctx); err != nil {
		t.Skipf("chrome unavailable: %v", err)
	}
	defer func() {
		if err := manager.Shutdown(ctx); err != nil {
			t.Logf("Shutdown warning: %v", err)
		}
	}()

	sess, err := manager.CreateSession(ctx, "data:text/html,"+url.PathEscape(loginPage))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	page, ok := manager.Page(sess.ID)
	if !ok {
		t.Fatal("expected page for new session")
	}

	t.Run("Snapshot", func(t *testing.T) {
		ix, err := page.Live().Current(ctx)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		if ix.Len() == 0 {
			t.Fatal("expected indexed elements")
		}
	})

	t.Run("CodeLikeContainers", func(t *testing.T) {
		ix, err := page.Live().Current(ctx)
		if err != nil {
			t.Fatalf("Current: %v", err)
		}
		var texts []string
		for _, d := range ix.Query(dom.KeyText, "sign in") {
			texts = append(texts, d.Tag)
		}
		if len(texts) != 1 || texts[0] != "button" {
			t.Fatalf("text key should hold only the button, got tags %v", texts)
		}
		for _, d := range ix.Elements() {
			switch {
			case d.ID == "notes" && !d.InCodeContainer:
				t.Error("textarea should be flagged as a code-like container")
			case d.ID == "editor" && !d.InCodeContainer:
				t.Error("editable region should be flagged as a code-like container")
			case d.Tag == "p" && d.Clickable && d.Text == "Sign in":
				t.Error("content inside an editable region should not be interactive")
			}
		}
		if got := ix.Query(dom.KeyLabel, "notes"); len(got) != 1 || got[0].ID != "notes" {
			t.Errorf("textarea should stay reachable by label, got %d", len(got))
		}
	})

	t.Run("QuerySelector", func(t *testing.T) {
		refs, err := page.QuerySelector(ctx, "#email")
		if err != nil {
			t.Fatalf("QuerySelector: %v", err)
		}
		if len(refs) != 1 {
			t.Fatalf("expected one ref, got %v", refs)
		}
	})

	t.Run("QueryAccessible", func(t *testing.T) {
		refs, err := page.QueryAccessible(ctx, "button", "Sign in")
		if err != nil {
			t.Fatalf("QueryAccessible: %v", err)
		}
		if len(refs) == 0 {
			t.Fatal("expected the sign in button in the accessibility tree")
		}
	})

	t.Run("RunPlan", func(t *testing.T) {
		store, err := patterns.New(ctx, patterns.NewMemoryBackend(), logger)
		if err != nil {
			t.Fatal(err)
		}
		cascade := resolver.New(resolver.Options{}, logger, resolver.WithDriver(page))
		eng := engine.New(page.Live(), cascade, store, nil, logger,
			engine.WithProber(page),
			engine.WithExecutor(page))

		plan := []intent.Request{
			intent.Parse(`fill Email with "ada@example.com"`),
			intent.Parse("click Sign in"),
		}
		report, err := eng.Run(ctx, plan)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if report.State != engine.StateSucceeded {
			t.Fatalf("state = %s", report.State)
		}

		ix, err := page.Live().Rebuild(ctx)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, d := range ix.Phrase("Signed in as ada@example.com") {
			if d.ID == "status" {
				found = true
			}
		}
		if !found {
			t.Error("expected the form to have been submitted")
		}
	})
}
