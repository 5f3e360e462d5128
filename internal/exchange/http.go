package exchange

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ErrBodyTooLarge is returned when a body exceeds the configured limit
var ErrBodyTooLarge = errors.New("body too large")

// hopHeaders are connection-scoped and never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders removes hop-by-hop headers, including those named in Connection
func StripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// ReadBody reads r fully; maxSize > 0 bounds the result
func ReadBody(r io.Reader, maxSize int64) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxSize {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// FromHTTP buffers an incoming request
func FromHTTP(r *http.Request, maxBodySize int64) (*Request, error) {
	body, err := ReadBody(r.Body, maxBodySize)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	header := r.Header.Clone()
	StripHopHeaders(header)

	return &Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: header,
		Body:   body,
	}, nil
}

// Write copies the response to w
func (r *Response) Write(w http.ResponseWriter) error {
	dst := w.Header()
	for k, vv := range r.Header {
		dst[k] = append([]string(nil), vv...)
	}
	StripHopHeaders(dst)
	// a bodiless response may carry the origin's length, e.g. for HEAD
	if len(r.Body) > 0 || dst.Get("Content-Length") == "" {
		dst.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}
