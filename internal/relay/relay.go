// Package relay forwards the case event log to external sinks. Each sink
// keeps its own persisted cursor, so a slow or failing sink never holds back
// the others and never affects the write path.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/metrics"
	"caseflow/internal/repo"
)

const (
	defaultInterval   = 2 * time.Second
	defaultMaxElapsed = 30 * time.Second
	defaultBatch      = 100
	defaultGapWait    = 10 * time.Second
)

// Envelope is the JSON document delivered for each event.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CaseID     string          `json:"case_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func envelopeFor(evt domain.Event) Envelope {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		CaseID:     evt.CaseID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// ErrRejected marks a delivery the sink refused outright. Sinks return it
// wrapped in backoff.Permanent; the event is dropped instead of retried.
var ErrRejected = errors.New("delivery rejected")

// Sink receives events.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, env Envelope) error
}

type Dispatcher struct {
	Repo            repo.Repo
	Sinks           []Sink
	Interval        time.Duration
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	Batch           int
	// GapWait is how long a missing event id holds a sink's cursor. Ids are
	// allocated before commit, so a gap is usually a transaction still in
	// flight; one that outlives GapWait is taken to be a rollback.
	GapWait time.Duration
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	mu   sync.Mutex
	gaps map[string]gap
}

type gap struct {
	id    int64
	since time.Time
}

// New builds a dispatcher for the sinks configured in cfg. It returns a
// dispatcher with no sinks when nothing is configured.
func New(r repo.Repo, cfg config.RelayConfig, m *metrics.Metrics, logger *slog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		Repo:       r,
		Interval:   seconds(cfg.IntervalSeconds, defaultInterval),
		MaxElapsed: seconds(cfg.MaxElapsedSeconds, defaultMaxElapsed),
		GapWait:    seconds(cfg.GapWaitSeconds, defaultGapWait),
		Metrics:    m,
		Logger:     logger,
	}
	for i, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.Sinks = append(d.Sinks, NewWebhookSink(i, hook))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		d.Sinks = append(d.Sinks, ks)
	}
	return d, nil
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) stamp() string {
	return d.now().UTC().Format(time.RFC3339)
}

// gapSettled reports whether the sink may skip past the missing id. The first
// sighting of a gap starts its clock.
func (d *Dispatcher) gapSettled(sink string, missing int64) bool {
	wait := d.GapWait
	if wait <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gaps == nil {
		d.gaps = map[string]gap{}
	}
	g, ok := d.gaps[sink]
	if !ok || g.id != missing {
		d.gaps[sink] = gap{id: missing, since: d.now()}
		return false
	}
	if d.now().Sub(g.since) < wait {
		return false
	}
	delete(d.gaps, sink)
	return true
}

// Run dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
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

// DispatchOnce delivers one batch of pending events to every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, s := range d.Sinks {
		if ctx.Err() != nil {
			return
		}
		if err := d.dispatchSink(ctx, s); err != nil {
			d.logger().Warn("relay: sink stalled", "sink", s.Name(), "err", err)
		}
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, s Sink) (int64, error) {
	cur, ok, err := d.Repo.RelayCursor(ctx, s.Name())
	if err != nil || ok {
		return cur, err
	}
	// A new sink starts at the head of the log.
	cur, err = d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	return cur, d.Repo.SetRelayCursor(ctx, s.Name(), cur, d.stamp())
}

func (d *Dispatcher) dispatchSink(ctx context.Context, s Sink) error {
	cursor, err := d.cursorFor(ctx, s)
	if err != nil {
		return err
	}
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := d.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		return err
	}
	next := cursor + 1
	for _, evt := range evts {
		if evt.ID > next && !d.gapSettled(s.Name(), next) {
			d.logger().Debug("relay: waiting on event gap", "sink", s.Name(), "missing", next)
			return nil
		}
		next = evt.ID + 1
		if s.Accepts(evt.Type) {
			err := d.deliver(ctx, s, envelopeFor(evt))
			switch {
			case err == nil:
				d.Metrics.IncRelayDelivery(s.Name(), "ok")
			case errors.Is(err, ErrRejected):
				d.Metrics.IncRelayDelivery(s.Name(), "dropped")
				d.logger().Error("relay: event dropped", "sink", s.Name(), "event_id", evt.ID, "type", evt.Type, "err", err)
			default:
				d.Metrics.IncRelayDelivery(s.Name(), "failed")
				return err
			}
		}
		if err := d.Repo.SetRelayCursor(ctx, s.Name(), evt.ID, d.stamp()); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, env Envelope) error {
	b := backoff.NewExponentialBackOff()
	if d.InitialInterval > 0 {
		b.InitialInterval = d.InitialInterval
	}
	b.MaxElapsedTime = d.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = defaultMaxElapsed
	}
	return backoff.RetryNotify(func() error {
		return s.Deliver(ctx, env)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		d.logger().Debug("relay: retrying delivery", "sink", s.Name(), "event_id", env.ID, "wait", wait, "err", err)
	})
}

// Close releases sinks that hold connections.
func (d *Dispatcher) Close() {
	for _, s := range d.Sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
