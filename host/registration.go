// Package host runs offline cache workers the way a browser runs service workers.
//
// A Registration installs and activates worker versions, keeps track of the
// clients they control and dispatches every proxied request to the active
// version as a fetch event.
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/always-cache/offline-cache/lifecycle"

	"github.com/rs/zerolog"
)

var ErrNoOrigin = errors.New("origin URL is required")

type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Version is one registered worker.
type Version struct {
	ID     int
	Worker lifecycle.Worker

	mu    sync.RWMutex
	state State
	// closed once the activate event has settled
	activated chan struct{}
}

func (v *Version) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *Version) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

type Config struct {
	// URL of the origin server. Paths are not supported.
	Origin url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Registration struct {
	origin       url.URL
	originHost   string
	log          zerolog.Logger
	reverseproxy httputil.ReverseProxy

	// serializes install and activate
	lifecycleMu sync.Mutex

	mu       sync.RWMutex
	nextID   int
	active   *Version
	waiting  *Version
	clients  map[string]*Client
	versions []*Version

	// background work of fetch events
	pending sync.WaitGroup
}

// CreateRegistration sets up a registration without any worker.
// Until a worker is activated all requests go to the origin.
func CreateRegistration(config Config) (*Registration, error) {
	if config.Origin.Host == "" {
		return nil, ErrNoOrigin
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Logger()

	r := &Registration{
		origin:     config.Origin,
		originHost: config.OriginHost,
		log:        logger,
		clients:    make(map[string]*Client),
	}

	host := config.Origin.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = originTransport{
			host: host,
			origin: &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			},
		}
	}
	r.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.Origin.Scheme, host, hostHeader),
		Transport: transport,
	}
	return r, nil
}

// createDirector points origin-form requests at the origin.
// Absolute-form requests for other hosts keep their scheme and host.
func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.Host != "" && req.URL.Host != host {
			if req.URL.Scheme == "" {
				req.URL.Scheme = "http"
			}
			req.Host = req.URL.Host
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// originTransport negotiates TLS with the configured origin hostname
// only for requests to the origin.
type originTransport struct {
	host   string
	origin http.RoundTripper
}

func (t originTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Host == t.host {
		return t.origin.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

// Register installs worker as a new version.
// If the install fails the version becomes redundant and the error is returned.
// An installed version is activated right away if it asked to skip waiting,
// if there is no active version or if the active version controls no clients.
// Otherwise it waits until the clients of the active version have disconnected.
func (r *Registration) Register(ctx context.Context, worker lifecycle.Worker) (*Version, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	r.nextID++
	v := &Version{ID: r.nextID, Worker: worker, state: StateInstalling, activated: make(chan struct{})}
	r.versions = append(r.versions, v)
	r.mu.Unlock()

	log := r.log.With().Int("version", v.ID).Logger()
	log.Info().Msg("Installing worker")

	install := lifecycle.NewInstallEvent(ctx)
	worker.OnInstall(install)
	if err := install.Wait(); err != nil {
		v.setState(StateRedundant)
		log.Error().Err(err).Msg("Install failed")
		return v, fmt.Errorf("install version %d: %w", v.ID, err)
	}
	v.setState(StateInstalled)

	r.mu.Lock()
	activateNow := install.SkipWaitingRequested() ||
		r.active == nil ||
		r.controlledLocked(r.active) == 0
	if !activateNow {
		if r.waiting != nil {
			r.waiting.setState(StateRedundant)
		}
		r.waiting = v
	}
	r.mu.Unlock()

	if activateNow {
		r.activate(ctx, v)
	} else {
		log.Info().Msg("Worker waiting for clients of the active version")
	}
	return v, nil
}

// activate replaces the active version with v and dispatches the activate event.
// An activate event failure is logged; the version is activated regardless.
// Fetches dispatched to v wait until its activate event has settled.
func (r *Registration) activate(ctx context.Context, v *Version) {
	log := r.log.With().Int("version", v.ID).Logger()

	v.setState(StateActivating)
	r.mu.Lock()
	previous := r.active
	if r.waiting == v {
		r.waiting = nil
	}
	r.active = v
	r.mu.Unlock()
	if previous != nil {
		previous.setState(StateRedundant)
	}
	log.Info().Msg("Activating worker")

	ev := lifecycle.NewActivateEvent(ctx, func(context.Context) error {
		r.claim(v)
		return nil
	})
	v.Worker.OnActivate(ev)
	if err := ev.Wait(); err != nil {
		log.Error().Err(err).Msg("Activate event failed")
	}
	v.setState(StateActivated)
	close(v.activated)
	log.Info().Msg("Worker activated")
}

// promoteWaiting activates the waiting version once the active one controls no clients.
func (r *Registration) promoteWaiting(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.RLock()
	waiting := r.waiting
	ready := waiting != nil && (r.active == nil || r.controlledLocked(r.active) == 0)
	r.mu.RUnlock()
	if ready {
		r.activate(ctx, waiting)
	}
}

// Active returns the active version, or nil if there is none.
func (r *Registration) Active() *Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed version waiting for activation, or nil.
func (r *Registration) Waiting() *Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Versions returns all versions ever registered, oldest first.
func (r *Registration) Versions() []*Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]*Version, len(r.versions))
	copy(versions, r.versions)
	return versions
}

// Drain waits until the background work of all dispatched fetch events is done,
// or until ctx is done.
func (r *Registration) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
