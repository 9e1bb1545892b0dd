package cachestorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/rfc9211"

	"golang.org/x/sync/errgroup"
)

// Cache is a single named store of request/response pairs.
type Cache struct {
	name    string
	backend Backend
	keyer   cachekey.CacheKeyer
	now     func() time.Time
}

// PrecacheError reports the request that made AddAll fail.
type PrecacheError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *PrecacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("precache %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *PrecacheError) Unwrap() error {
	return e.Err
}

func (c *Cache) Name() string {
	return c.name
}

// Match returns the stored response for the request, or nil if there is none.
// Every call returns a response with its own body.
func (c *Cache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, _, err := c.Lookup(ctx, req)
	return res, err
}

// Lookup is like Match, but on a miss it also tells why the lookup missed.
// Only GET requests are ever matched.
// If several stored variants match, the most recently stored one is returned.
func (c *Cache) Lookup(ctx context.Context, req *http.Request) (*http.Response, rfc9211.FwdReason, error) {
	if req.Method != http.MethodGet {
		return nil, rfc9211.FwdReasonMethod, nil
	}
	entries, err := c.backend.Scan(ctx, c.name, c.keyer.GetKeyPrefix(req))
	if errors.Is(err, ErrStoreNotFound) {
		return nil, rfc9211.FwdReasonUriMiss, nil
	} else if err != nil {
		return nil, rfc9211.FwdReasonMiss, fmt.Errorf("scan %s: %w", c.name, err)
	}
	if len(entries) == 0 {
		return nil, rfc9211.FwdReasonUriMiss, nil
	}

	var (
		best     *http.Response
		bestTime time.Time
	)
	for _, e := range entries {
		sRes, err := serializer.Decode(e.Value)
		if err != nil {
			return nil, rfc9211.FwdReasonMiss, fmt.Errorf("decode %q: %w", e.Key, err)
		}
		res, err := serializer.BytesToResponse(sRes.Response, req)
		if err != nil {
			return nil, rfc9211.FwdReasonMiss, fmt.Errorf("read stored response %q: %w", e.Key, err)
		}
		if !c.keyer.VaryMatches(e.Key, req, res) {
			continue
		}
		if best == nil || sRes.StoredAt.After(bestTime) {
			best, bestTime = res, sRes.StoredAt
		}
	}
	if best == nil {
		return nil, rfc9211.FwdReasonVaryMiss, nil
	}
	return best, "", nil
}

// Put stores the response for the request, replacing a stored response with the same key.
// The body of res is read and set back, so res can still be used by the caller.
func (c *Cache) Put(ctx context.Context, req *http.Request, res *http.Response) error {
	entry, err := c.entry(req, res)
	if err != nil {
		return err
	}
	return c.backend.Put(ctx, c.name, entry)
}

// AddAll fetches all requests and stores the responses.
// It is all-or-nothing: if any request fails or gets a response that is not
// successful (2xx), nothing is stored and a *PrecacheError is returned.
// Requests are fetched concurrently; the first failure cancels the others.
func (c *Cache) AddAll(ctx context.Context, client Doer, reqs []*http.Request) error {
	entries := make([]Entry, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if req.Method != http.MethodGet {
				return &PrecacheError{URL: req.URL.String(), Err: ErrMethodNotAllowed}
			}
			res, err := client.Do(req.WithContext(gctx))
			if err != nil {
				return &PrecacheError{URL: req.URL.String(), Err: err}
			}
			if res.StatusCode < 200 || res.StatusCode > 299 {
				io.Copy(io.Discard, res.Body)
				res.Body.Close()
				return &PrecacheError{URL: req.URL.String(), StatusCode: res.StatusCode}
			}
			entry, err := c.entry(req, res)
			res.Body.Close()
			if err != nil {
				return &PrecacheError{URL: req.URL.String(), StatusCode: res.StatusCode, Err: err}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.backend.Put(ctx, c.name, entries...)
}

// Delete removes all stored responses matching the request.
// It reports whether anything was deleted.
func (c *Cache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	entries, err := c.backend.Scan(ctx, c.name, c.keyer.GetKeyPrefix(req))
	if errors.Is(err, ErrStoreNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	deleted := false
	for _, e := range entries {
		sRes, err := serializer.Decode(e.Value)
		if err != nil {
			return deleted, err
		}
		res, err := serializer.BytesToResponse(sRes.Response, req)
		if err != nil {
			return deleted, err
		}
		if !c.keyer.VaryMatches(e.Key, req, res) {
			continue
		}
		ok, err := c.backend.Delete(ctx, c.name, e.Key)
		if err != nil {
			return deleted, err
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

// Keys returns requests equivalent to the ones the stored responses were stored for.
func (c *Cache) Keys(ctx context.Context) ([]*http.Request, error) {
	entries, err := c.backend.Scan(ctx, c.name, "")
	if errors.Is(err, ErrStoreNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	reqs := make([]*http.Request, 0, len(entries))
	for _, e := range entries {
		req, err := c.keyer.GetRequestFromKey(e.Key)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (c *Cache) entry(req *http.Request, res *http.Response) (Entry, error) {
	if req.Method != http.MethodGet {
		return Entry{}, ErrMethodNotAllowed
	}
	if res.StatusCode == http.StatusPartialContent {
		return Entry{}, ErrPartialContent
	}
	key, err := c.keyer.AddVaryKeys(c.keyer.GetKeyPrefix(req), req, res)
	if err != nil {
		return Entry{}, err
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return Entry{}, err
	}
	value, err := serializer.Encode(serializer.StoredResponse{
		Key:      key,
		StoredAt: c.now(),
		Response: bts,
	})
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: value}, nil
}
