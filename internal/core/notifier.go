package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/imnotify/internal/bot"
	"github.com/keepmind9/imnotify/internal/im"
	"github.com/keepmind9/imnotify/internal/journal"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/keepmind9/imnotify/internal/metrics"
	"github.com/sirupsen/logrus"
)

// journalWriteTimeout bounds one journal insert
const journalWriteTimeout = 5 * time.Second

// Delivery is what happened to one build event
type Delivery struct {
	ID       string
	Sessions []*bot.Session
	Skipped  []string
}

// Wait blocks until every started session finished or ctx ends
func (d *Delivery) Wait(ctx context.Context) error {
	for _, s := range d.Sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Notifier fans a build event out to its targets over the provider's
// current connection
type Notifier struct {
	provider *Provider
	journal  journal.Recorder
	metrics  *metrics.Metrics
}

// NewNotifier creates a notifier. A nil recorder discards journal entries.
func NewNotifier(provider *Provider, recorder journal.Recorder, m *metrics.Metrics) *Notifier {
	if recorder == nil {
		recorder = journal.Nop{}
	}
	return &Notifier{provider: provider, journal: recorder, metrics: m}
}

// SplitTargets splits a whitespace separated target list
func SplitTargets(s string) []string {
	return strings.Fields(s)
}

// Notify resolves every target and starts a notification session for each
// one that resolved. Unresolved targets are logged and skipped; the call as
// a whole never fails.
func (n *Notifier) Notify(ctx context.Context, id string, targets []string, message string) *Delivery {
	d := &Delivery{ID: id}
	targets = uniqueTargets(targets)
	n.metrics.IncNotification()

	log := logger.WithFields(logrus.Fields{
		"notification_id": id,
		"targets":         len(targets),
	})

	conn, err := n.provider.CurrentConnection()
	if err != nil || conn == nil {
		fields := logrus.Fields{}
		if err != nil {
			fields["error"] = err
		}
		log.WithFields(fields).Warn("notification-dropped-no-connection")
		for _, t := range targets {
			n.skip(ctx, d, t, "no-connection")
		}
		return d
	}

	resolved := n.resolveAll(ctx, conn.Resolver(), targets)

	for i, t := range targets {
		rt := resolved[i]
		if rt == nil {
			n.skip(ctx, d, t, "unresolved")
			continue
		}
		s, err := conn.Send(rt, message, bot.WithObserver(n.observe(id)))
		if err != nil {
			log.WithFields(logrus.Fields{
				"target": t,
				"error":  err,
			}).Warn("failed-to-send-notification")
			n.skip(ctx, d, t, im.ReasonText(im.ReasonNotLoggedIn))
			continue
		}
		d.Sessions = append(d.Sessions, s)
	}

	log.WithFields(logrus.Fields{
		"started": len(d.Sessions),
		"skipped": len(d.Skipped),
	}).Info("notification-dispatched")
	return d
}

// resolveAll resolves targets concurrently; result i belongs to targets[i]
func (n *Notifier) resolveAll(ctx context.Context, r *Resolver, targets []string) []*ResolvedTarget {
	resolved := make([]*ResolvedTarget, len(targets))
	if r == nil {
		return resolved
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t string) {
			defer wg.Done()
			resolved[i] = r.Resolve(ctx, t)
		}(i, t)
	}
	wg.Wait()
	return resolved
}

func (n *Notifier) skip(ctx context.Context, d *Delivery, target, reason string) {
	d.Skipped = append(d.Skipped, target)
	n.metrics.IncTarget(metrics.OutcomeSkipped)
	logger.WithFields(logrus.Fields{
		"notification_id": d.ID,
		"target":          target,
		"reason":          reason,
	}).Warn("notification-target-skipped")
	n.record(ctx, journal.Entry{
		NotificationID: d.ID,
		Target:         target,
		Outcome:        journal.OutcomeSkipped,
		Reason:         reason,
	})
}

// observe returns the session observer that journals state transitions
func (n *Notifier) observe(id string) bot.Observer {
	return func(s *bot.Session, state bot.State, reason int) {
		var outcome string
		switch state {
		case bot.Opened:
			outcome = journal.OutcomeOpened
		case bot.Closed:
			outcome = journal.OutcomeClosed
		case bot.OpenFailed:
			outcome = journal.OutcomeOpenFailed
		default:
			return
		}
		n.metrics.IncTarget(outcome)

		entry := journal.Entry{
			NotificationID: id,
			Target:         s.Target(),
			Partner:        s.Partner().ID,
			Outcome:        outcome,
		}
		if state != bot.Opened {
			entry.Reason = im.ReasonText(reason)
		}
		n.record(context.Background(), entry)
	}
}

func (n *Notifier) record(ctx context.Context, entry journal.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalWriteTimeout)
	defer cancel()

	if err := n.journal.Record(ctx, entry); err != nil {
		logger.WithFields(logrus.Fields{
			"notification_id": entry.NotificationID,
			"target":          entry.Target,
			"error":           err,
		}).Warn("failed-to-record-journal-entry")
	}
}

func uniqueTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
