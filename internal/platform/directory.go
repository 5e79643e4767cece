package platform

import (
	"context"
	"sync"
	"time"

	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/sirupsen/logrus"
)

// directory implements im.Directory with one goroutine per lookup
type directory struct {
	s       *session
	timeout time.Duration // per lookup

	mu        sync.RWMutex
	listeners []im.ResolveListener
}

func (d *directory) AddResolveListener(l im.ResolveListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *directory) Resolve(requestID, name string) error {
	if d.s.isUnloaded() {
		return im.ErrSessionUnloaded
	}
	go d.lookup(requestID, name)
	return nil
}

func (d *directory) lookup(requestID, name string) {
	ev := im.ResolveEvent{RequestID: requestID, Name: name}

	client, ok := d.s.activeClient()
	if !ok {
		// Unload clears the login and sets unloaded under one lock
		if d.s.isUnloaded() {
			return
		}
		ev.Reason = im.ReasonNotLoggedIn
		d.fire(ev, im.ResolveListener.ResolveFailed)
		return
	}

	timeout := d.timeout
	if timeout <= 0 {
		timeout = constants.DirectoryLookupTimeout
	}
	ctx, cancel := context.WithTimeout(d.s.ctx, timeout)
	defer cancel()

	users, err := client.Lookup(ctx, name)
	if d.s.ctx.Err() != nil {
		// Session unloaded while the lookup was in flight; nobody listens.
		return
	}

	switch {
	case err != nil:
		logger.Component("directory").WithFields(logrus.Fields{
			"network":    d.s.network.kind,
			"request_id": requestID,
			"name":       name,
			"error":      err,
		}).Debug("platform-lookup-failed")
		ev.Reason = im.ReasonUserNotFound
		d.fire(ev, im.ResolveListener.ResolveFailed)
	case len(users) == 0:
		ev.Reason = im.ReasonUserNotFound
		d.fire(ev, im.ResolveListener.ResolveFailed)
	case len(users) > 1:
		ev.Users = users
		d.fire(ev, im.ResolveListener.ResolveConflict)
	default:
		ev.Users = users
		d.fire(ev, im.ResolveListener.Resolved)
	}
}

func (d *directory) fire(ev im.ResolveEvent, method func(im.ResolveListener, im.ResolveEvent)) {
	d.mu.RLock()
	listeners := append([]im.ResolveListener(nil), d.listeners...)
	d.mu.RUnlock()

	for _, l := range listeners {
		method(l, ev)
	}
}
