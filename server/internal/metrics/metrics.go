package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metric names exposed by the aggregator.
const (
	NameRequests       = "weatheragg_requests_total"
	NameResponses      = "weatheragg_responses_total"
	NameEvictions      = "weatheragg_evictions_total"
	NameExpired        = "weatheragg_expired_total"
	NameCommitFailures = "weatheragg_commit_failures_total"
	NameRecords        = "weatheragg_records"
	NameLamportClock   = "weatheragg_lamport_clock"
)

// Gauges are sampled at gather time rather than tracked incrementally.
type Gauges struct {
	Records int
	Clock   uint64
}

// Registry accumulates aggregator counters. It is safe for concurrent use.
type Registry struct {
	mu             sync.Mutex
	requests       map[string]float64
	responses      map[int]float64
	evictions      float64
	expired        float64
	commitFailures float64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		requests:  make(map[string]float64),
		responses: make(map[int]float64),
	}
}

// IncRequest counts one request of the given kind (ingest, query, metrics, rejected).
func (r *Registry) IncRequest(kind string) {
	r.mu.Lock()
	r.requests[kind]++
	r.mu.Unlock()
}

// IncResponse counts one response with the given status code.
func (r *Registry) IncResponse(status int) {
	r.mu.Lock()
	r.responses[status]++
	r.mu.Unlock()
}

// IncEvictions counts one capacity eviction.
func (r *Registry) IncEvictions() {
	r.mu.Lock()
	r.evictions++
	r.mu.Unlock()
}

// AddExpired counts n records removed by TTL expiry.
func (r *Registry) AddExpired(n int) {
	r.mu.Lock()
	r.expired += float64(n)
	r.mu.Unlock()
}

// IncCommitFailures counts one failed snapshot commit.
func (r *Registry) IncCommitFailures() {
	r.mu.Lock()
	r.commitFailures++
	r.mu.Unlock()
}

// Gather returns every metric family, families and labels sorted by name.
func (r *Registry) Gather(g Gauges) []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]string, 0, len(r.requests))
	for k := range r.requests {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	reqs := make([]*dto.Metric, 0, len(kinds))
	for _, k := range kinds {
		reqs = append(reqs, counter(r.requests[k], label("kind", k)))
	}

	codes := make([]int, 0, len(r.responses))
	for c := range r.responses {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	resps := make([]*dto.Metric, 0, len(codes))
	for _, c := range codes {
		resps = append(resps, counter(r.responses[c], label("status", strconv.Itoa(c))))
	}

	return []*dto.MetricFamily{
		family(NameCommitFailures, "Snapshot commits that failed.", dto.MetricType_COUNTER, counter(r.commitFailures)),
		family(NameEvictions, "Records evicted by the capacity bound.", dto.MetricType_COUNTER, counter(r.evictions)),
		family(NameExpired, "Records removed by TTL expiry.", dto.MetricType_COUNTER, counter(r.expired)),
		family(NameLamportClock, "Current value of the aggregator's Lamport clock.", dto.MetricType_GAUGE, gauge(float64(g.Clock))),
		family(NameRecords, "Records currently held.", dto.MetricType_GAUGE, gauge(float64(g.Records))),
		family(NameRequests, "Requests received by kind.", dto.MetricType_COUNTER, reqs...),
		family(NameResponses, "Responses sent by status code.", dto.MetricType_COUNTER, resps...),
	}
}

// WriteText encodes all families in the Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer, g Gauges) error {
	for _, mf := range r.Gather(g) {
		if len(mf.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func family(name, help string, typ dto.MetricType, ms ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   typ.Enum(),
		Metric: ms,
	}
}

func counter(v float64, labels ...*dto.LabelPair) *dto.Metric {
	return &dto.Metric{Label: labels, Counter: &dto.Counter{Value: &v}}
}

func gauge(v float64) *dto.Metric {
	return &dto.Metric{Gauge: &dto.Gauge{Value: &v}}
}

func label(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: &name, Value: &value}
}
