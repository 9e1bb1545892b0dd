package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

var (
	ErrMalformedKey = errors.New("malformed cache key")
	// ErrVaryWildcard is returned for responses with `Vary: *`, which can never be matched.
	ErrVaryWildcard = errors.New("response varies on *")
)

const (
	methodSeparator = ":"
	varySeparator   = "\t"
	lineSeparator   = "\n"
	fieldSeparator  = ": "
)

type CacheKeyer struct{}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
// The URL is used in absolute form and the fragment is ignored.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return r.Method + methodSeparator + NormalizeURL(r.URL) + varySeparator
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
// Headers absent from the request are left out of the key.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) (string, error) {
	key := prefix
	for _, name := range VaryFields(res.Header) {
		if name == "*" {
			return "", ErrVaryWildcard
		}
		if values := req.Header.Values(name); len(values) > 0 {
			key += lineSeparator + strings.ToLower(name) + fieldSeparator + strings.Join(values, ", ")
		}
	}
	return key, nil
}

// VaryMatches reports whether the request presents the same values for every
// header nominated by res's Vary field as the request that produced key.
func (c CacheKeyer) VaryMatches(key string, req *http.Request, res *http.Response) bool {
	stored := c.GetVaryHeaders(key)
	for _, name := range VaryFields(res.Header) {
		if name == "*" {
			return false
		}
		if strings.Join(req.Header.Values(name), ", ") != stored.Get(name) {
			return false
		}
	}
	return true
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	keyNoVary, _, found := strings.Cut(key, varySeparator)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header = c.GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, lineSeparator)
	for i := 1; i < len(lines); i++ {
		name, value, found := strings.Cut(lines[i], fieldSeparator)
		if !found {
			continue
		}
		header.Add(name, value)
	}
	return header
}

// VaryFields returns the canonical header names listed in all Vary fields.
func VaryFields(h http.Header) []string {
	fields := make([]string, 0)
	for _, line := range h.Values("Vary") {
		for _, name := range strings.Split(line, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name != "*" {
				name = textproto.CanonicalMIMEHeaderKey(name)
			}
			fields = append(fields, name)
		}
	}
	return fields
}

// NormalizeURL returns the URL as used in cache keys.
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	return n.String()
}
