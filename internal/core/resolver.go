package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/internal/metrics"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

func resolverLog() *logrus.Entry {
	return logger.Component("resolver")
}

// flight is one directory request. Everyone resolving the same key while
// it is pending waits on done. After the resolve timeout the flight stays
// registered for the late-answer window, then it is forgotten.
type flight struct {
	id    string
	key   string
	done  chan struct{}
	timer *time.Timer // resolve timeout, then late-answer window

	// guarded by Resolver.mu
	finished bool
	target   *ResolvedTarget
}

// Resolver turns free-text identifiers into ResolvedTargets.
//
// The directory answers asynchronously; Resolve blocks until the answer for
// its own request arrives or the resolve timeout passes. Successful answers
// are cached for good, failures for RetryAfter.
type Resolver struct {
	dir        im.Directory
	cache      *ResolutionCache
	timeout    time.Duration
	retryAfter time.Duration
	lateWindow time.Duration
	metrics    *metrics.Metrics
	newID      func() string

	mu      sync.Mutex
	flights map[string]*flight
	closed  bool
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithResolveTimeout bounds the wait for a directory answer
func WithResolveTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetryAfter sets how long a failed lookup is not retried
func WithRetryAfter(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d >= 0 {
			r.retryAfter = d
		}
	}
}

// WithLateAnswerWindow sets how long a timed out request still accepts its
// answer. Zero forgets the request at the timeout.
func WithLateAnswerWindow(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d >= 0 {
			r.lateWindow = d
		}
	}
}

// WithResolverMetrics counts resolve outcomes
func WithResolverMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a resolver over dir and registers it for dir's
// events. A nil cache gets a private one.
func NewResolver(dir im.Directory, cache *ResolutionCache, opts ...ResolverOption) *Resolver {
	if cache == nil {
		cache = NewResolutionCache()
	}
	r := &Resolver{
		dir:        dir,
		cache:      cache,
		timeout:    constants.DefaultResolveTimeout,
		retryAfter: constants.DefaultResolveRetryAfter,
		lateWindow: constants.DirectoryLookupTimeout,
		newID:      uuid.NewString,
		flights:    make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(r)
	}
	dir.AddResolveListener(r)
	return r
}

// Cache returns the cache the resolver fills
func (r *Resolver) Cache() *ResolutionCache {
	return r.cache
}

// Resolve returns the target text names, or nil when it cannot be
// resolved. Blank text never reaches the directory.
func (r *Resolver) Resolve(ctx context.Context, text string) *ResolvedTarget {
	key := strings.TrimSpace(text)
	if key == "" {
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		resolverLog().WithField("target", key).Debug("resolve-on-closed-resolver")
		return nil
	}
	f := &flight{id: r.newID(), key: key, done: make(chan struct{})}
	res := r.cache.claim(key, f, r.retryAfter)
	if res.started {
		r.flights[f.id] = f
		f.timer = time.AfterFunc(r.timeout, func() { r.expire(f) })
	}
	r.mu.Unlock()

	switch {
	case res.target != nil:
		r.metrics.IncResolve(metrics.ResolveCacheHit)
		return res.target
	case res.backoff:
		r.metrics.IncResolve(metrics.ResolveBackoff)
		resolverLog().WithField("target", key).Debug("resolve-skipped-recent-failure")
		return nil
	case res.started:
		resolverLog().WithFields(logrus.Fields{
			"target":     key,
			"request_id": f.id,
		}).Debug("resolve-requested")
		if err := r.dir.Resolve(f.id, key); err != nil {
			resolverLog().WithFields(logrus.Fields{
				"target": key,
				"error":  err,
			}).Warn("resolve-request-failed")
			r.abort(f)
			return nil
		}
	}

	return r.wait(ctx, res.flight)
}

func (r *Resolver) wait(ctx context.Context, f *flight) *ResolvedTarget {
	select {
	case <-f.done:
	case <-ctx.Done():
		resolverLog().WithField("target", f.key).Debug("resolve-canceled")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return f.target
}

// expire ends the wait for f once the timeout passed. An answer arriving
// within the late-answer window still fills the cache.
func (r *Resolver) expire(f *flight) {
	if !r.finish(f, nil) {
		return
	}
	r.cache.settle(f.key, f, nil)
	r.metrics.IncResolve(metrics.ResolveTimeout)

	r.mu.Lock()
	if r.lateWindow == 0 {
		delete(r.flights, f.id)
	} else if !r.closed {
		f.timer = time.AfterFunc(r.lateWindow, func() { r.take(f.id) })
	}
	r.mu.Unlock()

	resolverLog().WithFields(logrus.Fields{
		"target":     f.key,
		"request_id": f.id,
		"timeout":    r.timeout,
	}).Warn("resolve-timeout")
}

// abort ends f without an answer and forgets its cache entry
func (r *Resolver) abort(f *flight) {
	r.mu.Lock()
	delete(r.flights, f.id)
	r.mu.Unlock()

	r.finish(f, nil)
	r.cache.drop(f.key, f)
}

// finish wakes the waiters of f once. It reports whether this call did.
func (r *Resolver) finish(f *flight, target *ResolvedTarget) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.finished {
		return false
	}
	f.finished = true
	f.target = target
	if f.timer != nil {
		f.timer.Stop()
	}
	close(f.done)
	return true
}

// take removes the flight an event belongs to
func (r *Resolver) take(requestID string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flights[requestID]
	if !ok {
		return nil
	}
	delete(r.flights, requestID)
	if f.finished && f.timer != nil {
		f.timer.Stop()
	}
	return f
}

// Resolved implements im.ResolveListener
func (r *Resolver) Resolved(ev im.ResolveEvent) {
	f := r.take(ev.RequestID)
	if f == nil {
		return
	}
	if len(ev.Users) == 0 {
		r.failed(f, ev, metrics.ResolveFailed)
		return
	}

	target := &ResolvedTarget{lookup: f.key, user: ev.Users[0]}
	late := !r.finish(f, target)
	if !r.cache.settle(f.key, f, target) {
		return
	}
	r.metrics.IncResolve(metrics.ResolveResolved)

	fields := logrus.Fields{
		"target": f.key,
		"user":   target.user.ID,
	}
	if late {
		resolverLog().WithFields(fields).Info("late-resolve-cached")
		return
	}
	resolverLog().WithFields(fields).Debug("target-resolved")
}

// ResolveFailed implements im.ResolveListener
func (r *Resolver) ResolveFailed(ev im.ResolveEvent) {
	f := r.take(ev.RequestID)
	if f == nil {
		return
	}
	if ev.Reason == im.ReasonNotLoggedIn {
		// Not an answer about the user; the next resolve asks again.
		r.finish(f, nil)
		r.cache.drop(f.key, f)
		resolverLog().WithField("target", f.key).Warn("resolve-before-login")
		return
	}
	r.failed(f, ev, metrics.ResolveFailed)
}

// ResolveConflict implements im.ResolveListener. Ambiguous names are
// treated as failures.
func (r *Resolver) ResolveConflict(ev im.ResolveEvent) {
	f := r.take(ev.RequestID)
	if f == nil {
		return
	}
	r.failed(f, ev, metrics.ResolveConflict)
}

func (r *Resolver) failed(f *flight, ev im.ResolveEvent, outcome string) {
	r.finish(f, nil)
	r.cache.settle(f.key, f, nil)
	r.metrics.IncResolve(outcome)
	resolverLog().WithFields(logrus.Fields{
		"target":     f.key,
		"outcome":    outcome,
		"reason":     im.ReasonText(ev.Reason),
		"candidates": len(ev.Users),
	}).Warn("target-not-resolved")
}

// Format returns the lookup string of a target. Resolving the result
// yields an equal target.
func (r *Resolver) Format(target *ResolvedTarget) (string, error) {
	if target == nil {
		return "", ErrInvalidArgument
	}
	return target.Lookup(), nil
}

// Close wakes every waiter with a nil result and forgets the pending
// entries of this resolver. Later calls to Resolve return nil.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := make([]*flight, 0, len(r.flights))
	for id, f := range r.flights {
		delete(r.flights, id)
		if f.finished {
			// timed out: its failed entry keeps cooling down
			if f.timer != nil {
				f.timer.Stop()
			}
			continue
		}
		pending = append(pending, f)
	}
	r.mu.Unlock()

	for _, f := range pending {
		if r.finish(f, nil) {
			r.cache.drop(f.key, f)
		}
	}
}
