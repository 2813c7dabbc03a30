package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/weatheragg/pkg/lamport"
	"github.com/obsidianstack/weatheragg/pkg/protocol"
	"github.com/obsidianstack/weatheragg/pkg/types"
	"github.com/obsidianstack/weatheragg/server/internal/snapshot"
	"github.com/obsidianstack/weatheragg/server/internal/store"
)

// fakeCommitter counts commits and optionally fails them.
type fakeCommitter struct {
	mu    sync.Mutex
	n     int
	fail  bool
	last  []types.Record
	inUse bool
}

func (f *fakeCommitter) Commit(recs []types.Record) error {
	f.mu.Lock()
	if f.inUse {
		f.mu.Unlock()
		return errors.New("overlapping commit")
	}
	f.inUse = true
	f.mu.Unlock()

	time.Sleep(100 * time.Microsecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inUse = false
	f.n++
	f.last = recs
	if f.fail {
		return fmt.Errorf("%w: injected", snapshot.ErrCommit)
	}
	return nil
}

func newCoordinator(t *testing.T, capacity int) (*Coordinator, *fakeCommitter) {
	t.Helper()
	fc := &fakeCommitter{}
	return New(&lamport.Clock{}, store.New(capacity), fc), fc
}

func put(body string, clock uint64) *protocol.Request {
	req := protocol.NewRequest(protocol.MethodPut, "/weather.json", []byte(body))
	req.Header.Set(protocol.HeaderLamport, lamport.Format(clock))
	return req
}

func get(target string, clock uint64) *protocol.Request {
	req := protocol.NewRequest(protocol.MethodGet, target, nil)
	req.Header.Set(protocol.HeaderLamport, lamport.Format(clock))
	return req
}

func clockOf(t *testing.T, resp *protocol.Response) uint64 {
	t.Helper()
	v, err := resp.Clock()
	if err != nil {
		t.Fatalf("response clock: %v", err)
	}
	return v
}

func decode(t *testing.T, resp *protocol.Response) []types.Record {
	t.Helper()
	recs, err := types.DecodeRecords(resp.Body)
	if err != nil {
		t.Fatalf("decode body %q: %v", resp.Body, err)
	}
	return recs
}

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"PUT /weather.json":         KindIngest,
		"GET /weather.json":         KindQuery,
		"GET /weather.json?id=S1":   KindQuery,
		"GET /metrics":              KindMetrics,
		"POST /weather.json":        KindRejected,
		"DELETE /weather.json?id=1": KindRejected,
	}
	for line, want := range cases {
		method, target, _ := strings.Cut(line, " ")
		if got := Classify(protocol.NewRequest(method, target, nil)); got != want {
			t.Errorf("Classify(%s): got %v, want %v", line, got, want)
		}
	}
}

func TestIngestThenQuery_ClockScenario(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	ctx := context.Background()

	resp := co.Handle(ctx, put(`{"id":"S1","temp":"10"}`, 0), "10.0.0.1:5000")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("first ingest: status %d", resp.Status)
	}
	if c := clockOf(t, resp); c != 1 {
		t.Errorf("first ingest clock: got %d, want 1", c)
	}

	resp = co.Handle(ctx, put(`{"id":"S1","temp":"12"}`, 5), "10.0.0.1:5000")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("second ingest: status %d", resp.Status)
	}
	if c := clockOf(t, resp); c != 6 {
		t.Errorf("second ingest clock: got %d, want 6", c)
	}

	resp = co.Handle(ctx, get("/weather.json", 0), "10.0.0.2:6000")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("query: status %d", resp.Status)
	}
	if ct := resp.Header.Get(protocol.HeaderContentType); ct != contentTypeJSON {
		t.Errorf("Content-Type: got %q", ct)
	}
	recs := decode(t, resp)
	if len(recs) != 1 {
		t.Fatalf("query: got %d records, want 1", len(recs))
	}
	if v, _ := recs[0].Attr("temp"); v != "12" {
		t.Errorf("temp: got %q, want 12", v)
	}
	if recs[0].Lamport != 6 {
		t.Errorf("record lamport: got %d, want 6", recs[0].Lamport)
	}
	if recs[0].Origin != "10.0.0.1:5000" {
		t.Errorf("origin: got %q", recs[0].Origin)
	}
}

func TestQuery_Empty(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	resp := co.Handle(context.Background(), get("/weather.json", 1), "peer")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.Status)
	}
	if string(resp.Body) != "[]" {
		t.Errorf("body: got %q, want []", resp.Body)
	}
}

func TestIngest_MissingID(t *testing.T) {
	co, fc := newCoordinator(t, store.DefaultCapacity)
	ctx := context.Background()
	co.Handle(ctx, put(`{"id":"S1","temp":"10"}`, 0), "peer")
	before := string(co.Handle(ctx, get("/weather.json", 0), "peer").Body)
	commits := fc.n

	resp := co.Handle(ctx, put(`{"name":"no id here"}`, 0), "peer")
	if resp.Status != protocol.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.Status)
	}
	if fc.n != commits {
		t.Errorf("commit called for invalid ingest")
	}

	// Query stamps differ, but the record set must not.
	after := string(co.Handle(ctx, get("/weather.json", 0), "peer").Body)
	if before != after {
		t.Errorf("store changed after rejected ingest:\nbefore %s\nafter  %s", before, after)
	}
}

func TestIngest_MalformedBodyStillMergesClock(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	resp := co.Handle(context.Background(), put(`{ "id": }`, 41), "peer")
	if resp.Status != protocol.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.Status)
	}
	if c := clockOf(t, resp); c != 42 {
		t.Errorf("clock: got %d, want 42", c)
	}
	if co.store.Len() != 0 {
		t.Errorf("store mutated by malformed ingest")
	}
}

func TestIngest_EmptyBody(t *testing.T) {
	co, fc := newCoordinator(t, store.DefaultCapacity)
	resp := co.Handle(context.Background(), put("", 0), "peer")
	if resp.Status != protocol.StatusNoContent {
		t.Errorf("status: got %d, want 204", resp.Status)
	}
	if fc.n != 0 || co.store.Len() != 0 {
		t.Error("empty ingest touched the store")
	}
}

func TestIngest_WhitespaceBodyIsMalformed(t *testing.T) {
	co, fc := newCoordinator(t, store.DefaultCapacity)
	for _, body := range []string{"   \n", "\r\n", "\t"} {
		resp := co.Handle(context.Background(), put(body, 0), "peer")
		if resp.Status != protocol.StatusBadRequest {
			t.Errorf("body %q: status %d, want 400", body, resp.Status)
		}
	}
	if fc.n != 0 || co.store.Len() != 0 {
		t.Error("whitespace ingest touched the store")
	}
}

func TestHandle_OversizedClockNeverGoesBackwards(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	ctx := context.Background()

	before := clockOf(t, co.Handle(ctx, get("/weather.json", 41), "peer"))
	if before != 42 {
		t.Fatalf("clock: got %d, want 42", before)
	}

	req := get("/weather.json", 0)
	req.Header.Set(protocol.HeaderLamport, "18446744073709551615")
	after := clockOf(t, co.Handle(ctx, req, "peer"))
	if after <= before {
		t.Fatalf("clock went backwards: %d -> %d", before, after)
	}
	// Out of range counts as an absent header.
	if after != before+1 {
		t.Errorf("clock: got %d, want %d", after, before+1)
	}

	resp := co.Handle(ctx, put(`{"id":"S1"}`, 0), "peer")
	recs := decode(t, co.Handle(ctx, get("/weather.json", 0), "peer"))
	if len(recs) != 1 || recs[0].Lamport != clockOf(t, resp) || recs[0].Lamport <= after {
		t.Errorf("record stamp: got %+v, response clock %d", recs, clockOf(t, resp))
	}
}

func TestIngest_EvictsFirstSeen(t *testing.T) {
	co, _ := newCoordinator(t, 20)
	ctx := context.Background()
	for i := 1; i <= 21; i++ {
		resp := co.Handle(ctx, put(fmt.Sprintf(`{"id":"S%d"}`, i), 0), "peer")
		if resp.Status != protocol.StatusOK {
			t.Fatalf("ingest S%d: status %d", i, resp.Status)
		}
	}
	recs := decode(t, co.Handle(ctx, get("/weather.json", 0), "peer"))
	if len(recs) != 20 {
		t.Fatalf("query: got %d records, want 20", len(recs))
	}
	for _, r := range recs {
		if r.StationID == "S1" {
			t.Fatal("S1 should have been evicted")
		}
	}
}

func TestIngest_CommitFailureKeepsMemoryState(t *testing.T) {
	co, fc := newCoordinator(t, store.DefaultCapacity)
	fc.fail = true

	resp := co.Handle(context.Background(), put(`{"id":"S1","temp":"10"}`, 0), "peer")
	if resp.Status != protocol.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", resp.Status)
	}
	if _, ok := co.store.Get("S1"); !ok {
		t.Error("in-memory upsert should not be rolled back on commit failure")
	}
}

func TestIngest_SourceIDOverridesOrigin(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	req := put(`{"id":"S1"}`, 0)
	req.Header.Set(protocol.HeaderSourceID, "producer-7")
	co.Handle(context.Background(), req, "10.0.0.1:5000")

	r, _ := co.store.Get("S1")
	if r.Origin != "producer-7" {
		t.Errorf("origin: got %q, want producer-7", r.Origin)
	}
}

func TestIngest_DerivedFieldsAssignedByServer(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	co.Handle(context.Background(), put(`{"id":"S1","origin":"fake","lamport_clock":999}`, 2), "peer")

	r, _ := co.store.Get("S1")
	if r.Origin != "peer" || r.Lamport != 3 {
		t.Errorf("derived fields: origin=%q lamport=%d, want peer/3", r.Origin, r.Lamport)
	}
	if _, ok := r.Attr("origin"); ok {
		t.Error("producer-supplied origin kept as attribute")
	}
}

func TestQuery_FilterByID(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	ctx := context.Background()
	co.Handle(ctx, put(`{"id":"S1"}`, 0), "peer")
	co.Handle(ctx, put(`{"id":"S 2"}`, 0), "peer")

	recs := decode(t, co.Handle(ctx, get("/weather.json?id=S%202", 0), "peer"))
	if len(recs) != 1 || recs[0].StationID != "S 2" {
		t.Errorf("filter: got %v", recs)
	}
	recs = decode(t, co.Handle(ctx, get("/weather.json?id=nope", 0), "peer"))
	if len(recs) != 0 {
		t.Errorf("filter on unknown id: got %d records", len(recs))
	}
}

func TestRejected(t *testing.T) {
	co, fc := newCoordinator(t, store.DefaultCapacity)
	req := protocol.NewRequest("POST", "/weather.json", []byte(`{"id":"S1"}`))
	req.Header.Set(protocol.HeaderLamport, "9")

	resp := co.Handle(context.Background(), req, "peer")
	if resp.Status != protocol.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.Status)
	}
	if c := clockOf(t, resp); c != 10 {
		t.Errorf("clock: got %d, want 10", c)
	}
	if fc.n != 0 || co.store.Len() != 0 {
		t.Error("rejected request touched the store")
	}
}

func TestMissingClockHeaderCountsAsZero(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	req := protocol.NewRequest(protocol.MethodGet, "/weather.json", nil)
	req.Header.Set(protocol.HeaderLamport, "garbage")
	if c := clockOf(t, co.Handle(context.Background(), req, "peer")); c != 1 {
		t.Errorf("clock: got %d, want 1", c)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	co, _ := newCoordinator(t, store.DefaultCapacity)
	ctx := context.Background()
	co.Handle(ctx, put(`{"id":"S1"}`, 0), "peer")

	resp := co.Handle(ctx, get(MetricsPath, 0), "peer")
	if resp.Status != protocol.StatusOK {
		t.Fatalf("status: got %d", resp.Status)
	}
	body := string(resp.Body)
	for _, want := range []string{`weatheragg_requests_total{kind="ingest"} 1`, "weatheragg_records 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestConcurrentIngestsSerializeCommits(t *testing.T) {
	co, fc := newCoordinator(t, 10)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp := co.Handle(context.Background(), put(fmt.Sprintf(`{"id":"S%d"}`, n%15), uint64(n)), "peer")
			if resp.Status != protocol.StatusOK {
				t.Errorf("ingest %d: status %d", n, resp.Status)
			}
		}(i)
	}
	wg.Wait()

	if fc.n != 40 {
		t.Errorf("commits: got %d, want 40", fc.n)
	}
	if co.store.Len() != 10 {
		t.Errorf("Len: got %d, want 10", co.store.Len())
	}
	// The last commit reflects the final store state.
	if len(fc.last) != co.store.Len() {
		t.Errorf("last commit had %d records, store has %d", len(fc.last), co.store.Len())
	}
}

func TestIngest_DurableWithRealSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weatherData.json")
	fixed := time.UnixMilli(1700000000000)
	co := New(&lamport.Clock{}, store.New(store.DefaultCapacity), snapshot.New(path), WithNow(func() time.Time { return fixed }))

	if resp := co.Handle(context.Background(), put(`{"id":"S1","temp":"10"}`, 3), "peer"); resp.Status != protocol.StatusOK {
		t.Fatalf("ingest: status %d", resp.Status)
	}

	recs, err := snapshot.New(path).LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(recs) != 1 || recs[0].StationID != "S1" || recs[0].Lamport != 4 {
		t.Fatalf("persisted: got %+v", recs)
	}
	if !recs[0].IngestedAt.Equal(fixed) {
		t.Errorf("IngestedAt: got %v, want %v", recs[0].IngestedAt, fixed)
	}
}
