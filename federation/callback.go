package federation

import (
	"net/url"
	"regexp"
)

// QueryParser extracts query parameters from a redirect URL. Platforms whose
// URL parser cannot handle custom schemes can supply their own.
type QueryParser func(rawURL string) (url.Values, error)

func parseQuery(rawURL string) (url.Values, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return u.Query(), nil
}

var callbackParams = []string{"code", "state", "error", "error_description"}

var paramPatterns = func() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(callbackParams))
	for _, name := range callbackParams {
		patterns[name] = regexp.MustCompile(`[?&]` + regexp.QuoteMeta(name) + `=([^&#]+)`)
	}
	return patterns
}()

// extractParams reads the OAuth callback parameters, falling back to a plain
// pattern scan when parse fails.
func extractParams(rawURL string, parse QueryParser) url.Values {
	if parse != nil {
		if values, err := parse(rawURL); err == nil && values != nil {
			return values
		}
	}

	values := url.Values{}
	for _, name := range callbackParams {
		m := paramPatterns[name].FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		v, err := url.QueryUnescape(m[1])
		if err != nil {
			v = m[1]
		}
		values.Set(name, v)
	}
	return values
}

// ExtractCode returns the authorization code carried by a redirect URL.
func ExtractCode(rawURL string) string {
	return extractParams(rawURL, parseQuery).Get("code")
}
