// Package tracking rewrites outgoing email HTML for open and click
// measurement and serves the endpoints those rewrites point at.
package tracking

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Email HTML quotes href values with double quotes, single quotes, or not
// at all. All three forms are matched; rewritten links come out double-quoted.
var hrefPattern = regexp.MustCompile(`href=(?:"([^"]*)"|'([^']*)'|([^\s"'<>]+))`)

// Injector rewrites message HTML so opens hit the pixel endpoint and
// clicks bounce through the redirect endpoint.
type Injector struct {
	baseURL     string
	utmSource   string
	utmMedium   string
	utmCampaign string
}

func NewInjector(baseURL, utmSource, utmMedium, utmCampaign string) *Injector {
	return &Injector{
		baseURL:     strings.TrimRight(baseURL, "/"),
		utmSource:   utmSource,
		utmMedium:   utmMedium,
		utmCampaign: utmCampaign,
	}
}

// Inject returns the HTML with every external link rewritten through the
// click endpoint and a tracking pixel appended. Calling it twice with the
// same message id yields the same result as calling it once.
func (i *Injector) Inject(html, messageID string) string {
	html = i.rewriteLinks(html, messageID)
	return i.injectPixel(html, messageID)
}

func (i *Injector) rewriteLinks(html, messageID string) string {
	return hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		groups := hrefPattern.FindStringSubmatch(match)
		target := groups[1]
		for _, g := range groups[2:] {
			if g != "" {
				target = g
			}
		}
		if !i.rewritable(target) {
			return match
		}
		return fmt.Sprintf(`href="%s"`, i.clickURL(target, messageID))
	})
}

// rewritable filters out links that must not bounce through the redirect:
// anchors, mail/tel links, and links already pointing at this engine.
func (i *Injector) rewritable(target string) bool {
	if target == "" ||
		strings.HasPrefix(target, "#") ||
		strings.HasPrefix(target, "mailto:") ||
		strings.HasPrefix(target, "tel:") {
		return false
	}
	return !strings.HasPrefix(target, i.baseURL)
}

// clickURL builds the redirect URL for one link. The engine's default UTM
// tags are applied unless the destination already carries its own.
func (i *Injector) clickURL(target, messageID string) string {
	utm := map[string]string{
		"utm_source":   i.utmSource,
		"utm_medium":   i.utmMedium,
		"utm_campaign": i.utmCampaign,
	}
	if parsed, err := url.Parse(target); err == nil {
		for key, vals := range parsed.Query() {
			if strings.HasPrefix(key, "utm_") && len(vals) > 0 {
				utm[key] = vals[0]
			}
		}
	}

	var b strings.Builder
	b.WriteString(i.baseURL)
	b.WriteString("/click/")
	b.WriteString(messageID)
	b.WriteString("?url=")
	b.WriteString(url.QueryEscape(target))
	for _, key := range []string{"utm_source", "utm_medium", "utm_campaign"} {
		b.WriteString("&")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(url.QueryEscape(utm[key]))
	}
	return b.String()
}

func (i *Injector) injectPixel(html, messageID string) string {
	pixelSrc := fmt.Sprintf("%s/pixel/%s", i.baseURL, messageID)
	if strings.Contains(html, pixelSrc) {
		return html
	}

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" />`, pixelSrc)
	if idx := strings.LastIndex(html, "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}
