package exchange

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"

	"offlinegate/internal/cache"
)

// Request is an intercepted browser request
type Request struct {
	Method string
	URL    string // path and query, relative to the origin
	Header http.Header
	Body   []byte
}

// NewRequest creates a request without body
func NewRequest(method, url string) *Request {
	return &Request{
		Method: method,
		URL:    url,
		Header: http.Header{},
	}
}

// Key returns the request identity within the request's scope
func (r *Request) Key() string {
	return cache.ScopedKey(r.Method, r.URL, r.Scope())
}

// SharedKey returns the request identity outside any client scope
func (r *Request) SharedKey() string {
	return cache.Key(r.Method, r.URL)
}

// Scope identifies the client a request speaks for. Requests carrying
// credentials (cookies or Authorization) get a digest of them; anonymous
// requests share the empty scope.
func (r *Request) Scope() string {
	auth := r.Header.Get("Authorization")
	cookies := (&http.Request{Header: r.Header}).Cookies()
	if auth == "" && len(cookies) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	sort.Strings(pairs)

	h := sha256.New()
	h.Write([]byte(auth))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(pairs, "; ")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// IsGet returns true for GET requests
func (r *Request) IsGet() bool {
	return cache.IsCacheable(r.Method)
}

// Response is a fully buffered response
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse creates a response with an empty header
func NewResponse(status int, body []byte) *Response {
	return &Response{
		Status: status,
		Header: http.Header{},
		Body:   body,
	}
}

// OK reports whether the status is in the 2xx range
func (r *Response) OK() bool {
	return cache.IsStorable(r.Status)
}

// Storable reports whether the response may be kept in the cache.
// Responses that set cookies or forbid storage never are; private responses
// only within a client scope.
func (r *Response) Storable(scoped bool) bool {
	if !r.OK() || len(r.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range r.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(d), "=")
			switch strings.ToLower(name) {
			case "no-store":
				return false
			case "private":
				if !scoped {
					return false
				}
			}
		}
	}
	return true
}

// Clone returns a deep copy of the response
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   body,
	}
}

// ToEntry converts the response into a cache entry stamped with now.
// Set-Cookie never reaches the cache.
func (r *Response) ToEntry(now time.Time) *cache.Entry {
	c := r.Clone()
	c.Header.Del("Set-Cookie")
	return &cache.Entry{
		Status:   c.Status,
		Header:   c.Header,
		Body:     c.Body,
		StoredAt: now,
	}
}

// FromEntry converts a cache entry into a response
func FromEntry(e *cache.Entry) *Response {
	if e == nil {
		return nil
	}
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: e.Status,
		Header: header,
		Body:   e.Body,
	}
}
