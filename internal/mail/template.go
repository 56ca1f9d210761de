package mail

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// RenderMode determines how strictly unknown variables are treated.
type RenderMode int

const (
	// RenderModeLax renders missing variables as empty strings. Used for
	// production sends where a blank greeting beats a dropped email.
	RenderModeLax RenderMode = iota
	// RenderModeStrict fails on unparseable templates. Used for previews.
	RenderModeStrict
)

// TemplateService renders Liquid templates with a parse cache.
type TemplateService struct {
	engine    *liquid.Engine
	templates map[string]string
	cache     sync.Map // template source -> *liquid.Template
}

func NewTemplateService() *TemplateService {
	ts := &TemplateService{
		engine:    liquid.NewEngine(),
		templates: builtinTemplates(),
	}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// Render renders raw template source against data.
func (ts *TemplateService) Render(source string, data map[string]interface{}, mode RenderMode) (string, error) {
	tmpl, err := ts.parse(source)
	if err != nil {
		if mode == RenderModeStrict {
			return "", fmt.Errorf("parse template: %w", err)
		}
		// Lax mode sends the source as-is rather than dropping the email.
		return source, nil
	}

	out, err := tmpl.RenderString(data)
	if err != nil {
		if mode == RenderModeStrict {
			return "", fmt.Errorf("render template: %w", err)
		}
		return source, nil
	}
	return out, nil
}

// RenderNamed renders one of the built-in templates.
func (ts *TemplateService) RenderNamed(name string, data map[string]interface{}, mode RenderMode) (string, error) {
	source, ok := ts.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	return ts.Render(source, data, mode)
}

// HasTemplate reports whether a built-in template exists.
func (ts *TemplateService) HasTemplate(name string) bool {
	_, ok := ts.templates[name]
	return ok
}

func (ts *TemplateService) parse(source string) (*liquid.Template, error) {
	if cached, ok := ts.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tmpl, err := ts.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	ts.cache.Store(source, tmpl)
	return tmpl, nil
}

// builtinTemplates are the engine's stock lifecycle emails.
func builtinTemplates() map[string]string {
	return map[string]string{
		"onboarding": `<html><body>
<h1>Welcome, {{ name | default: "there" }}!</h1>
<p>Thanks for signing up. Here are a few things to try first:</p>
<ul>
<li><a href="{{ dashboard_url }}">Open your dashboard</a></li>
<li><a href="{{ docs_url }}">Read the getting started guide</a></li>
</ul>
<p>Reply to this email if you get stuck.</p>
</body></html>`,

		"feedback": `<html><body>
<p>Hi {{ name | default: "there" }},</p>
<p>You've been with us for a little while now. How is it going?</p>
<p><a href="{{ feedback_url }}">Share your feedback</a> - it takes two minutes.</p>
</body></html>`,

		"digest": `<html><body>
<h2>Your weekly digest</h2>
<p>Hi {{ name | default: "there" }}, here's what happened this week:</p>
<p>{{ summary }}</p>
<p><a href="{{ dashboard_url }}">See the details</a></p>
</body></html>`,
	}
}
