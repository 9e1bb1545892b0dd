// Package lifecycle defines the events a host delivers to an offline cache worker.
//
// Every event carries a context and two ways of attaching work to it:
// WaitUntil extends the event until a task settles and lets the task fail
// the event; Go starts a task the event does not wait for.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/rfc9211"
)

var ErrAlreadyResponded = errors.New("fetch event already responded to")

// Worker handles the lifecycle events of one agent version.
type Worker interface {
	OnInstall(*InstallEvent)
	OnActivate(*ActivateEvent)
	OnFetch(*FetchEvent)
}

type ExtendableEvent struct {
	ctx        context.Context
	mu         sync.Mutex
	errs       []error
	pending    sync.WaitGroup
	background sync.WaitGroup
}

func (e *ExtendableEvent) init(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx = ctx
}

// Context returns the context the event was dispatched with.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil runs task and keeps the event pending until it returns.
// A task error fails the event.
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := task(e.ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Go runs task in the background. The event never waits for it
// and the task context is not canceled when the event's context is.
func (e *ExtendableEvent) Go(task func(ctx context.Context)) {
	e.background.Add(1)
	ctx := context.WithoutCancel(e.ctx)
	go func() {
		defer e.background.Done()
		task(ctx)
	}()
}

// Wait blocks until all WaitUntil tasks have returned and returns their joined errors.
func (e *ExtendableEvent) Wait() error {
	e.pending.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// Settle is like Wait, but also waits for the tasks started with Go.
func (e *ExtendableEvent) Settle() error {
	err := e.Wait()
	e.background.Wait()
	return err
}

type InstallEvent struct {
	ExtendableEvent
	skipWaiting bool
}

func NewInstallEvent(ctx context.Context) *InstallEvent {
	ev := &InstallEvent{}
	ev.init(ctx)
	return ev
}

// SkipWaiting asks the host to activate the installed version
// without waiting for clients of the previous version to go away.
func (e *InstallEvent) SkipWaiting() {
	e.mu.Lock()
	e.skipWaiting = true
	e.mu.Unlock()
}

func (e *InstallEvent) SkipWaitingRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipWaiting
}

type ActivateEvent struct {
	ExtendableEvent
	claim func(context.Context) error
}

// NewActivateEvent creates an activate event. claim is called by Claim.
func NewActivateEvent(ctx context.Context, claim func(context.Context) error) *ActivateEvent {
	ev := &ActivateEvent{claim: claim}
	ev.init(ctx)
	return ev
}

// Claim makes the activating version the controller of every open client.
func (e *ActivateEvent) Claim(ctx context.Context) error {
	if e.claim == nil {
		return nil
	}
	return e.claim(ctx)
}

// Responder produces the response of a fetch event.
type Responder func(ctx context.Context) (*http.Response, error)

type FetchEvent struct {
	ExtendableEvent
	// Request is ready to be sent to the network as-is.
	Request *http.Request
	// CacheStatus describes how the worker handled the request.
	CacheStatus rfc9211.CacheStatus

	responder Responder
}

func NewFetchEvent(ctx context.Context, req *http.Request) *FetchEvent {
	ev := &FetchEvent{Request: req}
	ev.init(ctx)
	return ev
}

// RespondWith takes over the response to the request.
// A worker that does not call it leaves the request to the network.
func (e *FetchEvent) RespondWith(responder Responder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.responder != nil {
		return ErrAlreadyResponded
	}
	e.responder = responder
	return nil
}

// Responded reports whether the worker called RespondWith.
func (e *FetchEvent) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responder != nil
}

// Response runs the responder. It returns nil, nil if the worker declined the request.
func (e *FetchEvent) Response(ctx context.Context) (*http.Response, error) {
	e.mu.Lock()
	responder := e.responder
	e.mu.Unlock()
	if responder == nil {
		return nil, nil
	}
	return responder(ctx)
}
