package host

import (
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/offline-cache/lifecycle"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/rfc9211"
)

// Hop-by-hop headers, RFC 9110 section 7.6.1.
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

// ServeHTTP implements the http.Handler interface.
// Requests are dispatched to the active version as fetch events.
// Requests the worker declines, and all requests while no version is active, go to the origin.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	v := r.Active()
	if v == nil {
		cs := rfc9211.CacheStatus{}
		cs.Forward(rfc9211.FwdReasonBypass)
		r.proxy(w, req, cs)
		return
	}
	select {
	case <-v.activated:
	case <-req.Context().Done():
		r.log.Debug().Err(req.Context().Err()).Str("url", req.URL.String()).Msg("Request canceled while worker was activating")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	ev := lifecycle.NewFetchEvent(req.Context(), r.outgoingRequest(req))
	v.Worker.OnFetch(ev)
	if !ev.Responded() {
		r.settle(ev)
		r.proxy(w, req, ev.CacheStatus)
		return
	}

	res, err := ev.Response(req.Context())
	r.settle(ev)
	if err != nil || res == nil {
		r.log.Error().Err(err).Str("url", req.URL.String()).Msg("Worker did not produce a response")
		if ev.CacheStatus.IsZero() {
			ev.CacheStatus.Forward(rfc9211.FwdReasonMiss)
		}
		if err != nil {
			ev.CacheStatus.Detail = "offline"
		}
		w.Header().Add("Cache-Status", ev.CacheStatus.String())
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		r.logRequest(req, ev.CacheStatus)
		return
	}
	r.send(w, req, res, ev.CacheStatus)
}

// settle tracks the background work of ev so that Drain can wait for it.
func (r *Registration) settle(ev *lifecycle.FetchEvent) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if err := ev.Settle(); err != nil {
			r.log.Warn().Err(err).Msg("Fetch event failed")
		}
	}()
}

// outgoingRequest returns a copy of the incoming request that is ready to be sent upstream.
// Origin-form requests are pointed at the origin.
func (r *Registration) outgoingRequest(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	r.reverseproxy.Director(out)
	removeHopHeaders(out.Header)
	return out
}

func (r *Registration) proxy(w http.ResponseWriter, req *http.Request, cs rfc9211.CacheStatus) {
	r.log.Trace().Msgf("proxying %s", req.URL.String())
	w.Header().Add("Cache-Status", cs.String())
	rec := tee.NewResponseRecorder(w)
	r.reverseproxy.ServeHTTP(rec, req)
	// only for logging, the header is already sent
	cs.FwdStatus = rec.StatusCode()
	r.log.Trace().Int64("bytes", rec.BytesWritten()).Dur("elapsed", rec.Elapsed()).Msg("Proxied response")
	go r.logRequest(req, cs)
}

func (r *Registration) send(w http.ResponseWriter, req *http.Request, res *http.Response, cs rfc9211.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	if !cs.IsZero() {
		w.Header().Add("Cache-Status", cs.String())
	}
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(w, res.Body)
		if err != nil {
			r.log.Error().Err(err).Msg("Could not write response body to client")
		}
		r.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	r.logRequest(req, cs)
}

func (r *Registration) logRequest(req *http.Request, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	r.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("sourceIp", getRequestSourceIp(req)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("fwdStatus", cs.FwdStatus).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func removeHopHeaders(h http.Header) {
	// headers listed in Connection are hop-by-hop as well
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	end2end := src.Clone()
	removeHopHeaders(end2end)
	for k, vv := range end2end {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
