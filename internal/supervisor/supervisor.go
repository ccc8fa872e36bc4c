// Package supervisor wires a loaded configuration into Watchers and
// Notifiers, runs scan passes for every watch concurrently on a fixed
// interval, and exposes an optional health endpoint reporting per-notifier
// delivery counters. It is the composition root the daemon's main function
// delegates to once config and store construction are done.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noidd/noidd/internal/config"
	"github.com/noidd/noidd/internal/eventlog"
	"github.com/noidd/noidd/internal/notify"
	"github.com/noidd/noidd/internal/retryqueue"
	"github.com/noidd/noidd/internal/store"
	"github.com/noidd/noidd/internal/watch"
)

// Supervisor owns every Watcher and Notifier for one configuration and
// drives their scan passes.
type Supervisor struct {
	cfg      *config.Config
	store    *store.Store
	logger   *slog.Logger
	queue    *retryqueue.Queue
	eventlog *eventlog.Logger

	interval  time.Duration
	startedAt time.Time

	watchers  []*watch.Watcher
	notifiers map[string]*notify.Notifier
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithRetryQueue attaches a retry queue used to redeliver failed
// notifications.
func WithRetryQueue(q *retryqueue.Queue) Option {
	return func(s *Supervisor) { s.queue = q }
}

// WithEventLog attaches an append-only event log recording every
// notification emitted.
func WithEventLog(l *eventlog.Logger) Option {
	return func(s *Supervisor) { s.eventlog = l }
}

// New builds Notifiers and Watchers for every entry in cfg, but runs no scan
// pass; call Run for that.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		notifiers: make(map[string]*notify.Notifier),
	}
	for _, opt := range opts {
		opt(s)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	for i, nc := range cfg.Notifiers {
		name := fmt.Sprintf("%s-%d", nc.Type, i)
		sender, err := buildSender(nc, httpClient)
		if err != nil {
			return nil, fmt.Errorf("supervisor: notifier %s: %w", name, err)
		}

		var finalSender notify.MessageSender = sender
		if s.queue != nil {
			finalSender = retryqueue.Wrap(s.queue, name, sender, logger)
		}

		s.notifiers[name] = notify.NewNotifier(name, finalSender, nc.Batch, nc.MessageLimit, host)
	}

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("supervisor: display_timezone: %w", err)
	}
	s.interval, err = time.ParseDuration(cfg.ScanInterval)
	if err != nil {
		return nil, fmt.Errorf("supervisor: scan_interval: %w", err)
	}

	shared := make([]*notify.Notifier, 0, len(s.notifiers))
	for _, n := range s.notifiers {
		shared = append(shared, n)
	}

	for _, wc := range cfg.Watchers {
		var opts []watch.Option
		if s.eventlog != nil {
			opts = append(opts, watch.WithEventHook(s.recordEvent))
		}
		w, err := watch.New(wc, st, shared, logger, loc, opts...)
		if err != nil {
			return nil, fmt.Errorf("supervisor: watch %s: %w", wc.Name, err)
		}
		s.watchers = append(s.watchers, w)
	}

	return s, nil
}

// buildSender constructs the MessageSender for one configured notifier.
func buildSender(nc config.NotifierConfig, client *http.Client) (notify.MessageSender, error) {
	switch nc.Type {
	case "stdout":
		return notify.NewConsoleSink(os.Stdout), nil
	case "twilio":
		live := nc.Live == nil || *nc.Live
		return notify.NewSMSSink(client, nc.TwilioAccountSID, nc.TwilioAuthToken, nc.TwilioFromNumber, nc.Recipients, live, os.Stdout), nil
	case "pushover":
		live := nc.Live == nil || *nc.Live
		return notify.NewPushSink(client, nc.PushoverUserKey, nc.PushoverAPIToken, live, os.Stdout), nil
	default:
		return nil, fmt.Errorf("unknown notifier type %q", nc.Type)
	}
}

// recordEvent appends one emitted event to the event log.
func (s *Supervisor) recordEvent(evt notify.Event) {
	err := s.eventlog.Append(eventlog.Record{
		Timestamp: time.Now().UTC(),
		WatchName: evt.WatchName,
		Kind:      string(evt.Kind),
		Path:      evt.Path,
	})
	if err != nil {
		s.logger.Warn("event log append failed", slog.Any("error", err))
	}
}

// Run executes scan passes for every watch on the configured interval until
// ctx is cancelled. Within one pass all watches run concurrently; a failing
// watch is logged and retried next pass without disturbing the others.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First pass immediately, so a fresh deployment baselines without
	// waiting out a full interval.
	s.RunPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// RunPass runs one scan pass of every watch concurrently and waits for all
// of them to finish.
func (s *Supervisor) RunPass(ctx context.Context) {
	var g errgroup.Group
	for _, w := range s.watchers {
		w := w
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				s.logger.Error("scan pass failed", slog.String("watch", w.Name()), slog.Any("error", err))
			}
			return nil
		})
	}
	g.Wait()
}

// HealthStatus is the JSON body served at /healthz.
type HealthStatus struct {
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Watchers      int                      `json:"watchers"`
	Notifiers     map[string]NotifierStats `json:"notifiers"`
}

// NotifierStats reports per-notifier delivery counters.
type NotifierStats struct {
	Received int64 `json:"received"`
	Sent     int64 `json:"sent"`
}

// Health computes the current HealthStatus.
func (s *Supervisor) Health() HealthStatus {
	notifiers := make(map[string]NotifierStats, len(s.notifiers))
	for name, n := range s.notifiers {
		received, sent := n.Stats()
		notifiers[name] = NotifierStats{Received: received, Sent: sent}
	}
	return HealthStatus{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Watchers:      len(s.watchers),
		Notifiers:     notifiers,
	}
}

// HealthzHandler serves Health as JSON.
func (s *Supervisor) HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Health())
	})
}
