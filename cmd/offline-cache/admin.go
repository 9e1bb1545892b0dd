package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/always-cache/offline-cache/cachestorage"
	"github.com/always-cache/offline-cache/host"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const adminPrefix = "/.offline-cache"

type versionInfo struct {
	ID    int        `json:"id"`
	State host.State `json:"state"`
}

type admin struct {
	registration *host.Registration
	storage      *cachestorage.Storage
	// register installs a new agent version
	register func(ctx context.Context) error
	log      zerolog.Logger
}

// router serves the admin endpoints and hands everything else to the registration.
func (a *admin) router() http.Handler {
	r := chi.NewRouter()
	r.Route(adminPrefix, func(r chi.Router) {
		r.Get("/caches", a.listCaches)
		r.Get("/lookup", a.lookup)
		r.Get("/versions", a.listVersions)
		r.Post("/update", a.update)
		r.Get("/clients", a.listClients)
		r.Post("/clients/{id}", a.connectClient)
		r.Delete("/clients/{id}", a.disconnectClient)
	})
	r.Handle("/*", a.registration)
	return r
}

func (a *admin) listCaches(w http.ResponseWriter, r *http.Request) {
	names, err := a.storage.Keys(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list caches")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusOK, names)
}

// lookup writes the stored response for the url query parameter, searching all caches in name order.
func (a *admin) lookup(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if target == "" || err != nil {
		http.Error(w, "url parameter must be an absolute URL", http.StatusBadRequest)
		return
	}
	// the admin request headers select the variant
	req.Header = r.Header.Clone()
	res, err := a.storage.Match(r.Context(), req)
	if err != nil {
		a.log.Error().Err(err).Msg("Lookup failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if res == nil {
		http.NotFound(w, r)
		return
	}
	defer res.Body.Close()
	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	cs := rfc9211.CacheStatus{}
	cs.Hit()
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		a.log.Error().Err(err).Str("url", target).Msg("Could not write stored response to client")
	}
}

func (a *admin) listVersions(w http.ResponseWriter, r *http.Request) {
	versions := a.registration.Versions()
	infos := make([]versionInfo, 0, len(versions))
	for _, v := range versions {
		infos = append(infos, versionInfo{ID: v.ID, State: v.State()})
	}
	a.writeJSON(w, http.StatusOK, infos)
}

func (a *admin) update(w http.ResponseWriter, r *http.Request) {
	if err := a.register(r.Context()); err != nil {
		a.log.Error().Err(err).Msg("Update failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.listVersions(w, r)
}

func (a *admin) listClients(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.registration.Clients())
}

func (a *admin) connectClient(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.registration.Connect(chi.URLParam(r, "id")))
}

func (a *admin) disconnectClient(w http.ResponseWriter, r *http.Request) {
	if !a.registration.Disconnect(r.Context(), chi.URLParam(r, "id")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("Could not write JSON response")
	}
}
