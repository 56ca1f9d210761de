package mail

import (
	"strings"
	"testing"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	ts := NewTemplateService()

	out, err := ts.Render("Hello {{ name }}!", map[string]interface{}{"name": "Jane"}, RenderModeStrict)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != "Hello Jane!" {
		t.Errorf("Render() = %q, want %q", out, "Hello Jane!")
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	ts := NewTemplateService()

	tests := []struct {
		name string
		data map[string]interface{}
		want string
	}{
		{"value present", map[string]interface{}{"name": "Jane"}, "Hi Jane"},
		{"value missing", map[string]interface{}{}, "Hi there"},
		{"value empty", map[string]interface{}{"name": ""}, "Hi there"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ts.Render(`Hi {{ name | default: "there" }}`, tt.data, RenderModeStrict)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if out != tt.want {
				t.Errorf("Render() = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestRenderModeLaxFallsBackToSource(t *testing.T) {
	ts := NewTemplateService()

	broken := "Hello {% if %}"
	out, err := ts.Render(broken, nil, RenderModeLax)
	if err != nil {
		t.Fatalf("Render() lax error = %v", err)
	}
	if out != broken {
		t.Errorf("Render() lax = %q, want source back", out)
	}

	if _, err := ts.Render(broken, nil, RenderModeStrict); err == nil {
		t.Error("Render() strict accepted a broken template")
	}
}

func TestRenderNamed(t *testing.T) {
	ts := NewTemplateService()

	out, err := ts.RenderNamed("onboarding", map[string]interface{}{
		"name":          "Jane",
		"dashboard_url": "https://app.example.com",
		"docs_url":      "https://docs.example.com",
	}, RenderModeStrict)
	if err != nil {
		t.Fatalf("RenderNamed() error = %v", err)
	}
	if !strings.Contains(out, "Welcome, Jane!") {
		t.Errorf("RenderNamed() missing greeting: %s", out)
	}
	if !strings.Contains(out, "https://app.example.com") {
		t.Errorf("RenderNamed() missing dashboard link: %s", out)
	}

	if _, err := ts.RenderNamed("nope", nil, RenderModeLax); err == nil {
		t.Error("RenderNamed() accepted unknown template name")
	}
}

func TestBuildMIME(t *testing.T) {
	msg := &Message{
		From:     "sender@example.com",
		FromName: "Sender",
		To:       "rcpt@example.com",
		Subject:  "Hello",
		HTML:     "<p>Hi</p>",
	}

	mime := string(buildMIME(msg))
	for _, want := range []string{
		"From: Sender <sender@example.com>\r\n",
		"To: rcpt@example.com\r\n",
		"Subject: Hello\r\n",
		"Content-Type: text/html; charset=UTF-8\r\n",
		"<p>Hi</p>",
	} {
		if !strings.Contains(mime, want) {
			t.Errorf("buildMIME() missing %q in:\n%s", want, mime)
		}
	}
}
