package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/obsidianstack/weatheragg/pkg/lamport"
	"github.com/obsidianstack/weatheragg/pkg/protocol"
	"github.com/obsidianstack/weatheragg/pkg/types"
	"github.com/obsidianstack/weatheragg/server/internal/metrics"
	"github.com/obsidianstack/weatheragg/server/internal/snapshot"
	"github.com/obsidianstack/weatheragg/server/internal/store"
)

// MetricsPath is the GET target that returns Prometheus text instead of records.
const MetricsPath = "/metrics"

const (
	contentTypeJSON    = "application/json"
	contentTypeMetrics = "text/plain; version=0.0.4; charset=utf-8"
)

// Kind is the classification of a request.
type Kind int

const (
	KindRejected Kind = iota
	KindIngest
	KindQuery
	KindMetrics
)

func (k Kind) String() string {
	switch k {
	case KindIngest:
		return "ingest"
	case KindQuery:
		return "query"
	case KindMetrics:
		return "metrics"
	default:
		return "rejected"
	}
}

// Classify maps a request to its Kind by method and path.
func Classify(req *protocol.Request) Kind {
	switch req.Method {
	case protocol.MethodPut:
		return KindIngest
	case protocol.MethodGet:
		if req.Path() == MetricsPath {
			return KindMetrics
		}
		return KindQuery
	default:
		return KindRejected
	}
}

// Coordinator turns one parsed request into one response. It owns the
// mutation lock that makes "upsert, snapshot, commit" a single critical
// section; the expiry sweeper must share it through Locker.
type Coordinator struct {
	clock   *lamport.Clock
	store   *store.Store
	commit  store.Committer
	metrics *metrics.Registry
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records request and store activity in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = r }
}

// WithNow overrides the wall clock used to stamp ingest times.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator over the given clock, store and committer.
func New(clock *lamport.Clock, st *store.Store, c store.Committer, opts ...Option) *Coordinator {
	co := &Coordinator{
		clock:  clock,
		store:  st,
		commit: c,
		now:    time.Now,
	}
	for _, o := range opts {
		o(co)
	}
	if co.metrics == nil {
		co.metrics = metrics.New()
	}
	return co
}

// Locker returns the mutation lock shared with the expiry sweeper.
func (c *Coordinator) Locker() sync.Locker {
	return &c.mu
}

// Metrics returns the registry this coordinator records into.
func (c *Coordinator) Metrics() *metrics.Registry {
	return c.metrics
}

// Handle processes req. origin identifies the peer (normally its remote
// address) and is overridden by a Source-Id header when present.
//
// The request's Lamport-Clock is merged before anything else, whether or
// not the request turns out to be valid. An absent or unparsable header
// counts as 0.
func (c *Coordinator) Handle(ctx context.Context, req *protocol.Request, origin string) *protocol.Response {
	remote, err := req.Clock()
	if err != nil {
		remote = 0
	}
	// The merge is the aggregator's single receive event and the record stamp.
	stamp := c.clock.Merge(remote)

	if id := req.Header.Get(protocol.HeaderSourceID); id != "" {
		origin = id
	}

	kind := Classify(req)
	c.metrics.IncRequest(kind.String())

	var resp *protocol.Response
	switch kind {
	case KindIngest:
		resp = c.ingest(ctx, req, origin, stamp)
	case KindQuery:
		resp = c.query(req, stamp)
	case KindMetrics:
		resp = c.exposition(stamp)
	default:
		slog.Debug("coordinator: unsupported method", "method", req.Method, "origin", origin)
		resp = protocol.NewResponse(protocol.StatusBadRequest, stamp)
	}

	c.metrics.IncResponse(resp.Status)
	return resp
}

// Refuse answers a request whose framing could not be parsed. No header was
// read, so the clock is reported without merging.
func (c *Coordinator) Refuse(err error) *protocol.Response {
	c.metrics.IncRequest(KindRejected.String())
	c.metrics.IncResponse(protocol.StatusBadRequest)
	slog.Debug("coordinator: refused unparsable request", "err", err)
	return protocol.NewResponse(protocol.StatusBadRequest, c.clock.Value())
}

func (c *Coordinator) ingest(ctx context.Context, req *protocol.Request, origin string, stamp uint64) *protocol.Response {
	if len(req.Body) == 0 {
		return protocol.NewResponse(protocol.StatusNoContent, stamp)
	}

	attrs, id, err := types.ParseObservation(req.Body)
	if err != nil {
		slog.Info("coordinator: rejected observation", "origin", origin, "err", err)
		return protocol.NewResponse(statusFor(err), stamp)
	}

	rec := types.Record{
		StationID:  id,
		Attributes: types.WithoutDerived(attrs),
		Lamport:    stamp,
		IngestedAt: c.now(),
		Origin:     origin,
	}

	evicted, err := c.apply(rec)
	if evicted != "" {
		slog.Info("coordinator: capacity reached, evicted oldest station",
			"evicted", evicted, "capacity", c.store.Capacity())
	}
	if err != nil {
		// The in-memory upsert stays applied; only durability failed.
		c.metrics.IncCommitFailures()
		slog.ErrorContext(ctx, "coordinator: snapshot commit failed", "station", id, "err", err)
		return protocol.NewResponse(statusFor(err), stamp)
	}

	slog.Debug("coordinator: observation stored",
		"station", id, "origin", origin, "lamport_clock", stamp)
	return protocol.NewResponse(protocol.StatusOK, stamp)
}

// apply runs upsert and commit as one critical section.
func (c *Coordinator) apply(rec types.Record) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted, ok := c.store.Upsert(rec)
	if ok {
		c.metrics.IncEvictions()
	}
	return evicted, c.commit.Commit(c.store.SnapshotAll())
}

func (c *Coordinator) query(req *protocol.Request, stamp uint64) *protocol.Response {
	recs := c.store.SnapshotAll()

	if raw := req.Query("id"); raw != "" {
		id, err := url.QueryUnescape(raw)
		if err != nil {
			id = raw
		}
		filtered := recs[:0]
		for _, r := range recs {
			if r.StationID == id {
				filtered = append(filtered, r)
			}
		}
		recs = filtered
	}

	body, err := types.EncodeRecords(recs)
	if err != nil {
		slog.Error("coordinator: encode records", "err", err)
		return protocol.NewResponse(protocol.StatusInternalServerError, stamp)
	}

	resp := protocol.NewResponse(protocol.StatusOK, stamp)
	resp.Header.Set(protocol.HeaderContentType, contentTypeJSON)
	resp.Body = body
	return resp
}

func (c *Coordinator) exposition(stamp uint64) *protocol.Response {
	var buf bytes.Buffer
	err := c.metrics.WriteText(&buf, metrics.Gauges{Records: c.store.Len(), Clock: c.clock.Value()})
	if err != nil {
		slog.Error("coordinator: encode metrics", "err", err)
		return protocol.NewResponse(protocol.StatusInternalServerError, stamp)
	}
	resp := protocol.NewResponse(protocol.StatusOK, stamp)
	resp.Header.Set(protocol.HeaderContentType, contentTypeMetrics)
	resp.Body = buf.Bytes()
	return resp
}

// statusFor maps an error to the response status it produces.
func statusFor(err error) int {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, types.ErrMalformedBody), errors.Is(err, types.ErrMissingID):
		return protocol.StatusBadRequest
	case errors.Is(err, snapshot.ErrCommit):
		return protocol.StatusInternalServerError
	default:
		return protocol.StatusInternalServerError
	}
}
