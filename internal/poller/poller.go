// Package poller periodically snapshots upstream realtime data into the store.
//
// Each tick fetches the configured endpoint once and inserts the
// response as a single snapshot document. Ticks are best-effort: a
// failing fetch or write is logged, counted, and dropped, and the next
// tick retries with fresh data. The loop only ever stops through
// context cancellation, and an in-flight tick is allowed to finish
// before the loop exits.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LisaMayr/WeatherAndDelay/internal/common/constants"
	"github.com/LisaMayr/WeatherAndDelay/internal/upstream"
)

// Poller runs the fetch-and-persist loop.
type Poller struct {
	client upstreamClient
	coll   snapshotStore
	stops  stopSource

	endpoint string
	interval time.Duration
	now      func() time.Time

	snapshots prometheus.Counter
	skips     *prometheus.CounterVec
}

type upstreamClient interface {
	Get(ctx context.Context, endpoint string, params upstream.Params) (*upstream.Response, error)
}

type snapshotStore interface {
	Name() string
	InsertOne(ctx context.Context, doc any) error
}

type stopSource interface {
	StopIDs() []int
}

// Config holds the poll loop configuration.
type Config struct {
	// Endpoint is the upstream endpoint fetched every tick.
	Endpoint string

	// Interval is the pause between the end of one tick and the start of
	// the next.
	Interval time.Duration
}

// Snapshot is the document written to the store for one tick.
type Snapshot struct {
	FetchedAt  string           `bson:"fetched_at"`
	Endpoint   string           `bson:"endpoint"`
	Params     []upstream.Param `bson:"params"`
	StatusCode int              `bson:"status_code"`
	Data       any              `bson:"data"`
}

type options struct {
	now func() time.Time
}

// Options represents an optional function to override Poller default values.
type Options func(*options)

// New creates a poller fetching endpoint data via client and writing
// snapshots to coll. Stop identifiers for the monitor endpoint are read
// from stops at every tick.
func New(client upstreamClient, coll snapshotStore, stops stopSource, cfg Config, reg prometheus.Registerer, args ...Options) (*Poller, error) {
	opts := options{
		now: time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = constants.DefaultFetchEndpoint
	}
	if cfg.Interval <= 0 {
		cfg.Interval = constants.DefaultFetchInterval
	}

	snapshots := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poller_snapshots_total",
		Help: "Number of poll snapshots written to the store.",
	})
	skips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poller_skipped_ticks_total",
		Help: "Number of poll ticks that wrote no snapshot, by reason.",
	}, []string{"reason"})
	if err := reg.Register(snapshots); err != nil {
		return nil, fmt.Errorf("failed to register snapshots counter: %v", err)
	}
	if err := reg.Register(skips); err != nil {
		return nil, fmt.Errorf("failed to register skipped ticks counter: %v", err)
	}

	return &Poller{
		client:    client,
		coll:      coll,
		stops:     stops,
		endpoint:  cfg.Endpoint,
		interval:  cfg.Interval,
		now:       opts.now,
		snapshots: snapshots,
		skips:     skips,
	}, nil
}

// Run executes the poll loop until ctx is cancelled.
//
// This is blocking. Cancellation interrupts the pause between ticks
// immediately, while an in-flight tick finishes before Run returns. No
// snapshot is written after Run has returned.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("Poller started", "endpoint", p.endpoint, "interval", p.interval)
	defer slog.Info("Poller stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// The tick keeps going if ctx is cancelled mid-fetch; the
			// loop exits right after.
			p.tick(context.WithoutCancel(ctx))

			select {
			case <-time.After(p.interval):
			case <-ctx.Done():
				return
			}
		}
	}
}

// tick fetches the configured endpoint once and persists the response.
// Failures are counted and swallowed; the next tick retries.
func (p *Poller) tick(ctx context.Context) {
	params, ok := p.buildParams()
	if !ok {
		p.skips.WithLabelValues("no_stops").Inc()
		slog.Debug("Poll tick skipped, no stops configured")
		return
	}

	resp, err := p.client.Get(ctx, p.endpoint, params)
	if err != nil {
		p.skips.WithLabelValues("fetch_error").Inc()
		slog.Warn("Poll fetch failed", "endpoint", p.endpoint, "err", err)
		return
	}

	if err := p.coll.InsertOne(ctx, p.snapshot(resp, params)); err != nil {
		p.skips.WithLabelValues("store_error").Inc()
		slog.Warn("Poll snapshot write failed", "collection", p.coll.Name(), "err", err)
		return
	}

	p.snapshots.Inc()
	slog.Debug("Poll snapshot written", "endpoint", p.endpoint, "status_code", resp.StatusCode)
}

// buildParams computes the query parameters for the next tick. The
// second return is false when the tick should be skipped, which happens
// for the monitor endpoint while no stops are configured.
func (p *Poller) buildParams() (upstream.Params, bool) {
	if p.endpoint != upstream.EndpointMonitor {
		return upstream.Params{}, true
	}

	stops := p.stops.StopIDs()
	if len(stops) == 0 {
		return nil, false
	}

	var params upstream.Params
	params.AddInts("rbl", stops...)
	return params, true
}

// snapshot assembles the document for one fetched response. JSON bodies
// are stored decoded; anything else, including JSON that fails to
// decode, is stored as raw text.
func (p *Poller) snapshot(resp *upstream.Response, params upstream.Params) Snapshot {
	var data any = string(resp.Body)
	if resp.IsJSON() {
		if v, err := resp.JSON(); err == nil {
			data = v
		}
	}

	return Snapshot{
		FetchedAt:  p.now().UTC().Format(time.RFC3339Nano),
		Endpoint:   p.endpoint,
		Params:     params,
		StatusCode: resp.StatusCode,
		Data:       data,
	}
}
