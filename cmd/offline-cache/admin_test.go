package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cachestorage"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/host"

	"github.com/rs/zerolog"
)

func newTestAdmin(t *testing.T) (*admin, *httptest.Server) {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(origin.Close)
	originURL, _ := url.Parse(origin.URL)

	logger := zerolog.Nop()
	storage := cachestorage.NewStorage(cachestorage.NewMemoryBackend())
	registration, err := host.CreateRegistration(host.Config{Origin: *originURL, Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}
	a := &admin{
		registration: registration,
		storage:      storage,
		log:          logger,
		register: func(ctx context.Context) error {
			agent, err := offlinecache.CreateAgent(offlinecache.Config{
				CacheName:      "birthday-cache-v2",
				PrecacheAssets: []string{"./"},
				Scope:          *originURL,
				Storage:        storage,
				Logger:         &logger,
			})
			if err != nil {
				return err
			}
			_, err = registration.Register(ctx, agent)
			return err
		},
	}
	if err := a.register(context.Background()); err != nil {
		t.Fatal(err)
	}
	return a, origin
}

func TestAdminCaches(t *testing.T) {
	a, _ := newTestAdmin(t)
	rr := httptest.NewRecorder()
	a.router().ServeHTTP(rr, httptest.NewRequest("GET", "/.offline-cache/caches", nil))
	var names []string
	if err := json.NewDecoder(rr.Body).Decode(&names); err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "birthday-cache-v2" {
		t.Fatalf("Caches are %v", names)
	}
}

func TestAdminLookup(t *testing.T) {
	a, origin := newTestAdmin(t)
	router := a.router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.offline-cache/lookup?url="+url.QueryEscape(origin.URL+"/"), nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "GET /" {
		t.Fatalf("Lookup is %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.offline-cache/lookup?url="+url.QueryEscape(origin.URL+"/nope"), nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Lookup of uncached url is %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.offline-cache/lookup", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Lookup without url is %d", rr.Code)
	}
}

// brokenWriter fails every body write, like a client that went away.
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (w brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestAdminLogsWriteErrors(t *testing.T) {
	a, origin := newTestAdmin(t)
	var logs bytes.Buffer
	a.log = zerolog.New(&logs)
	router := a.router()

	router.ServeHTTP(brokenWriter{httptest.NewRecorder()}, httptest.NewRequest("GET", "/.offline-cache/caches", nil))
	if !strings.Contains(logs.String(), "Could not write JSON response") {
		t.Fatalf("JSON write error not logged: %s", logs.String())
	}

	logs.Reset()
	router.ServeHTTP(brokenWriter{httptest.NewRecorder()}, httptest.NewRequest("GET", "/.offline-cache/lookup?url="+url.QueryEscape(origin.URL+"/"), nil))
	if !strings.Contains(logs.String(), "Could not write stored response to client") || !strings.Contains(logs.String(), "connection reset") {
		t.Fatalf("Body write error not logged: %s", logs.String())
	}
}

func TestAdminClientsAndUpdate(t *testing.T) {
	a, _ := newTestAdmin(t)
	router := a.router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.offline-cache/clients/tab-1", nil))
	var client host.Client
	if err := json.NewDecoder(rr.Body).Decode(&client); err != nil {
		t.Fatal(err)
	}
	if client.ID != "tab-1" || client.Controller != 1 {
		t.Fatalf("Client is %+v", client)
	}

	// the agent skips waiting, so the update activates right away
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.offline-cache/update", nil))
	var versions []versionInfo
	if err := json.NewDecoder(rr.Body).Decode(&versions); err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].State != host.StateRedundant || versions[1].State != host.StateActivated {
		t.Fatalf("Versions are %+v", versions)
	}
	if c := a.registration.Clients(); len(c) != 1 || c[0].Controller != 2 {
		t.Fatalf("Clients are %+v", c)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("DELETE", "/.offline-cache/clients/tab-1", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("Disconnect is %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("DELETE", "/.offline-cache/clients/tab-1", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Second disconnect is %d", rr.Code)
	}
}

func TestAdminPassesOtherRequestsToRegistration(t *testing.T) {
	a, _ := newTestAdmin(t)
	rr := httptest.NewRecorder()
	a.router().ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Body.String() != "GET /" || rr.Header().Get("Cache-Status") != "OfflineCache; hit" {
		t.Fatalf("Response is %q %q", rr.Body.String(), rr.Header().Get("Cache-Status"))
	}
}

func TestOpenBackend(t *testing.T) {
	for _, provider := range []string{config.ProviderMemory, config.ProviderSQLite, config.ProviderBolt} {
		t.Run(provider, func(t *testing.T) {
			b, err := openBackend(config.Storage{Provider: provider, Path: t.TempDir() + "/cache.db"})
			if err != nil {
				t.Fatal(err)
			}
			b.Close()
		})
	}
	if _, err := openBackend(config.Storage{Provider: "s3"}); err == nil {
		t.Fatal("Expected error for unknown provider")
	}
}
