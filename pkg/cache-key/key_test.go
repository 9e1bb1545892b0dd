package cachekey

import (
	"net/http"
	"strings"
	"testing"
)

func TestRequestFromKey(t *testing.T) {
	keygen := CacheKeyer{}
	r, _ := http.NewRequest("GET", "http://dev.localhost/page", nil)
	key := keygen.GetKeyPrefix(r)
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://dev.localhost/page" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
	if req.Method != "GET" {
		t.Fatalf("Created request method is %s", req.Method)
	}
}

func TestKeyPrefixIgnoresFragment(t *testing.T) {
	keygen := CacheKeyer{}
	a, _ := http.NewRequest("GET", "http://dev.localhost/page#top", nil)
	b, _ := http.NewRequest("GET", "http://dev.localhost/page", nil)
	if keygen.GetKeyPrefix(a) != keygen.GetKeyPrefix(b) {
		t.Fatalf("Keys differ: %q %q", keygen.GetKeyPrefix(a), keygen.GetKeyPrefix(b))
	}
}

func TestKeyPrefixIsNotPrefixOfLongerPath(t *testing.T) {
	keygen := CacheKeyer{}
	a, _ := http.NewRequest("GET", "http://dev.localhost/a", nil)
	b, _ := http.NewRequest("GET", "http://dev.localhost/ab", nil)
	if strings.HasPrefix(keygen.GetKeyPrefix(b), keygen.GetKeyPrefix(a)) {
		t.Fatalf("Key %q is a prefix of %q", keygen.GetKeyPrefix(a), keygen.GetKeyPrefix(b))
	}
}

func TestVaryKeysRoundTrip(t *testing.T) {
	keygen := CacheKeyer{}
	req, _ := http.NewRequest("GET", "http://dev.localhost/", nil)
	req.Header.Set("Accept-Language", "pt-BR")
	res := &http.Response{Header: http.Header{"Vary": {"accept-language, Accept-Encoding"}}}

	key, err := keygen.AddVaryKeys(keygen.GetKeyPrefix(req), req, res)
	if err != nil {
		t.Fatal(err)
	}
	if !keygen.VaryMatches(key, req, res) {
		t.Fatalf("Key %q does not match original request", key)
	}

	other, _ := http.NewRequest("GET", "http://dev.localhost/", nil)
	other.Header.Set("Accept-Language", "en")
	if keygen.VaryMatches(key, other, res) {
		t.Fatalf("Key %q matches request with different language", key)
	}

	rebuilt, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if lang := rebuilt.Header.Get("Accept-Language"); lang != "pt-BR" {
		t.Fatalf("Rebuilt request language is %q", lang)
	}
}

func TestVaryWildcard(t *testing.T) {
	keygen := CacheKeyer{}
	req, _ := http.NewRequest("GET", "http://dev.localhost/", nil)
	res := &http.Response{Header: http.Header{"Vary": {"*"}}}
	if _, err := keygen.AddVaryKeys(keygen.GetKeyPrefix(req), req, res); err != ErrVaryWildcard {
		t.Fatalf("Error is %v", err)
	}
}

func TestMalformedKey(t *testing.T) {
	if _, err := (CacheKeyer{}).GetRequestFromKey("no separators here"); err == nil {
		t.Fatal("Expected error for malformed key")
	}
}
