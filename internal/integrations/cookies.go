package integrations

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	// StateCookieName carries the signed envelope between initiate and callback.
	StateCookieName = "sigelo_contaazul_oauth_state"
	// ReturnToCookieName carries the url-encoded path to land on after the callback.
	ReturnToCookieName = "sigelo_contaazul_oauth_return_to"

	cookiePath = "/"
)

var cookieMaxAgeSeconds = int(StateTTL.Seconds())

func newFlowCookie(name, value string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     cookiePath,
		MaxAge:   cookieMaxAgeSeconds,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func expiredFlowCookie(name string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     cookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// sanitizeReturnTo keeps only same-origin absolute paths. Anything else yields fallback.
func sanitizeReturnTo(raw, fallback string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return fallback
	}
	if !strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "//") || strings.Contains(candidate, "\\") {
		return fallback
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return fallback
	}
	return parsed.RequestURI()
}

func withQuery(target, key, value string) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}
	query := parsed.Query()
	query.Set(key, value)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
