package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// Key builds the request identity used as cache key: method and URL.
// The fragment is never part of the identity.
func Key(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + normalizeURL(rawURL)
}

// ScopedKey is Key confined to one client scope; an empty scope gives the
// shared Key
func ScopedKey(method, rawURL, scope string) string {
	key := Key(method, rawURL)
	if scope == "" {
		return key
	}
	return key + " " + scope
}

// IsCacheable reports whether requests with method may read or populate the cache
func IsCacheable(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}

// IsStorable reports whether a response with the given status may be stored
func IsStorable(status int) bool {
	return status >= 200 && status <= 299
}

// SplitKey returns the method, URL and scope of a key built by ScopedKey
func SplitKey(key string) (method, rawURL, scope string) {
	method, rest, ok := strings.Cut(key, " ")
	if !ok {
		return http.MethodGet, key, ""
	}
	rawURL, scope, _ = strings.Cut(rest, " ")
	return method, rawURL, scope
}

func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexByte(rawURL, '#'); i != -1 {
			return rawURL[:i]
		}
		return rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.Host == "" {
		u.Path = "/"
	}
	return u.String()
}
