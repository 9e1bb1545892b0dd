package host

import (
	"context"
	"sort"
	"time"
)

// Client is a page (or any other consumer) served through the registration.
type Client struct {
	ID string
	// Controller is the ID of the version controlling the client, 0 if uncontrolled.
	Controller  int
	ConnectedAt time.Time
}

// Connect registers a client. New clients are controlled by the active version.
func (r *Registration) Connect(id string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		c = &Client{ID: id, ConnectedAt: time.Now()}
		if r.active != nil {
			c.Controller = r.active.ID
		}
		r.clients[id] = c
	}
	return *c
}

// Disconnect removes a client. It reports whether the client was connected.
// When the last client of the active version goes away a waiting version is activated.
func (r *Registration) Disconnect(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok {
		r.promoteWaiting(ctx)
	}
	return ok
}

// Clients returns all connected clients sorted by ID.
func (r *Registration) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, *c)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ID < clients[j].ID
	})
	return clients
}

func (r *Registration) claim(v *Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Controller = v.ID
	}
	r.log.Debug().Int("version", v.ID).Int("clients", len(r.clients)).Msg("Claimed clients")
}

func (r *Registration) controlledLocked(v *Version) int {
	n := 0
	for _, c := range r.clients {
		if c.Controller == v.ID {
			n++
		}
	}
	return n
}
