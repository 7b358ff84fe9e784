package gateway

import (
	"net/http"
	"strings"
)

// countryCode reads the edge-provided visitor country. CF-IPCountry is what
// Cloudflare sets; X-Country-Code is the generic fallback other edges use.
// "XX" means the edge could not geolocate and is treated as unknown.
func countryCode(r *http.Request) *string {
	code := r.Header.Get("CF-IPCountry")
	if code == "" {
		code = r.Header.Get("X-Country-Code")
	}
	code = strings.ToUpper(code)
	if code == "" || code == "XX" {
		return nil
	}
	return &code
}

// Well-known crawler fingerprints, matched case-insensitively against the
// User-Agent. Ordered so more specific tokens win.
var botFingerprints = []struct {
	token string
	name  string
}{
	{"googlebot", "googlebot"},
	{"bingbot", "bingbot"},
	{"duckduckbot", "duckduckbot"},
	{"yandexbot", "yandexbot"},
	{"baiduspider", "baiduspider"},
	{"gptbot", "gptbot"},
	{"claudebot", "claudebot"},
	{"ccbot", "ccbot"},
	{"facebookexternalhit", "facebook"},
	{"twitterbot", "twitterbot"},
	{"linkedinbot", "linkedinbot"},
	{"slackbot", "slackbot"},
	{"discordbot", "discordbot"},
	{"telegrambot", "telegrambot"},
	{"curl/", "curl"},
	{"wget/", "wget"},
}

// botName identifies known crawlers from the User-Agent, nil for everything
// else.
func botName(r *http.Request) *string {
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	if ua == "" {
		return nil
	}
	for _, fp := range botFingerprints {
		if strings.Contains(ua, fp.token) {
			name := fp.name
			return &name
		}
	}
	return nil
}
