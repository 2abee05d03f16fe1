package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"journeygate/internal/config"
	"journeygate/internal/repo"
	"journeygate/internal/telemetry"
)

const defaultBatch = 100

// Dispatcher polls the audit log and fans notifications out to sinks. Each
// sink keeps its own cursor; a failed delivery is retried on the next tick.
type Dispatcher struct {
	Repo          repo.Repo
	Sinks         []Sink
	Channels      map[string][]string
	DefaultLocale string
	Interval      time.Duration
	Batch         int
	// FromStart replays the whole log instead of starting at the newest row.
	FromStart bool
	Logger    *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func NewDispatcher(r repo.Repo, cfg *config.Config, sinks []Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Repo:          r,
		Sinks:         sinks,
		Channels:      cfg.Notifications.Channels,
		DefaultLocale: cfg.Service.DefaultLocale,
		Interval:      cfg.Notifications.PollEvery(),
		Batch:         defaultBatch,
		Logger:        logger,
		cursors:       map[string]int64{},
	}
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per sink and returns how many
// notifications went out.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	sent := 0
	for _, sink := range d.Sinks {
		sent += d.dispatchSink(ctx, sink)
	}
	return sent
}

func (d *Dispatcher) dispatchSink(ctx context.Context, sink Sink) int {
	cursor := d.cursorFor(ctx, sink.Name())
	evts, err := d.Repo.EventsAfter(ctx, d.batch(), cursor, repo.EventFilters{Types: EventTypes()})
	if err != nil {
		d.Logger.ErrorContext(ctx, "notify: fetch events failed", "sink", sink.Name(), "err", err)
		return 0
	}
	sent := 0
	for _, evt := range evts {
		if !sink.Accepts(evt.Type) {
			d.setCursor(sink.Name(), evt.ID)
			continue
		}
		n, ok := Render(evt, d.Channels, d.DefaultLocale)
		if !ok {
			d.setCursor(sink.Name(), evt.ID)
			continue
		}
		if err := sink.Deliver(ctx, n); err != nil {
			telemetry.RecordNotification(ctx, sink.Name(), false)
			d.Logger.WarnContext(ctx, "notify: delivery failed", "sink", sink.Name(), "event_id", evt.ID, "err", err)
			return sent
		}
		telemetry.RecordNotification(ctx, sink.Name(), true)
		d.setCursor(sink.Name(), evt.ID)
		sent++
	}
	return sent
}

func (d *Dispatcher) batch() int {
	if d.Batch > 0 {
		return d.Batch
	}
	return defaultBatch
}

func (d *Dispatcher) cursorFor(ctx context.Context, name string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[string]int64{}
	}
	if cur, ok := d.cursors[name]; ok {
		return cur
	}
	var cur int64
	if !d.FromStart {
		var err error
		if cur, err = d.Repo.LatestEventID(ctx); err != nil {
			d.Logger.ErrorContext(ctx, "notify: init cursor failed", "sink", name, "err", err)
			cur = 0
		}
	}
	d.cursors[name] = cur
	return cur
}

func (d *Dispatcher) setCursor(name string, id int64) {
	d.mu.Lock()
	d.cursors[name] = id
	d.mu.Unlock()
}
