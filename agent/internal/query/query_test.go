package query

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/weatheragg/pkg/protocol"
	"github.com/obsidianstack/weatheragg/pkg/types"
)

var testTarget = protocol.Target{Addr: "127.0.0.1:4567", Host: "127.0.0.1", Path: protocol.DefaultPath}

func recordsBody(t *testing.T, recs ...types.Record) []byte {
	t.Helper()
	b, err := types.EncodeRecords(recs)
	if err != nil {
		t.Fatalf("EncodeRecords: %v", err)
	}
	return b
}

func station(id, temp string) types.Record {
	return types.Record{
		StationID: id,
		Attributes: []types.Attribute{
			{Name: "id", Value: []byte(`"` + id + `"`)},
			{Name: "air_temp", Value: []byte(`"` + temp + `"`)},
		},
		Lamport:    4,
		IngestedAt: time.UnixMilli(1700000000000),
		Origin:     "producer-1",
	}
}

func TestFetch_All(t *testing.T) {
	c := New(testTarget, 0)
	var got *protocol.Request
	c.doFn = func(_ context.Context, _ string, req *protocol.Request) (*protocol.Response, error) {
		got = req
		resp := protocol.NewResponse(protocol.StatusOK, 9)
		resp.Body = recordsBody(t, station("S1", "10"), station("S2", "11"))
		return resp, nil
	}

	recs, err := c.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 || recs[1].StationID != "S2" {
		t.Errorf("records: got %+v", recs)
	}
	if got.Method != protocol.MethodGet || got.Target != protocol.DefaultPath {
		t.Errorf("request line: %s %s", got.Method, got.Target)
	}
	if v, _ := got.Clock(); v != 1 {
		t.Errorf("request clock: got %d, want 1", v)
	}
	if c.Clock() != 10 {
		t.Errorf("clock: got %d, want 10", c.Clock())
	}
}

func TestFetch_FilterEscapesID(t *testing.T) {
	c := New(testTarget, 1)
	var target string
	c.doFn = func(_ context.Context, _ string, req *protocol.Request) (*protocol.Response, error) {
		target = req.Target
		resp := protocol.NewResponse(protocol.StatusOK, 1)
		resp.Body = []byte("[]")
		return resp, nil
	}
	if _, err := c.Fetch(context.Background(), "IDS 60901"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if target != "/weather.json?id=IDS+60901" {
		t.Errorf("target: got %q", target)
	}
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	c := New(testTarget, 3)
	calls := 0
	c.doFn = func(context.Context, string, *protocol.Request) (*protocol.Response, error) {
		calls++
		if calls < 3 {
			return nil, protocol.ErrTruncated
		}
		resp := protocol.NewResponse(protocol.StatusOK, 0)
		resp.Body = []byte("[]")
		return resp, nil
	}
	recs, err := c.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 0 || calls != 3 {
		t.Errorf("got %d records after %d calls", len(recs), calls)
	}
}

func TestFetch_MalformedBodyExhausts(t *testing.T) {
	c := New(testTarget, 2)
	calls := 0
	c.doFn = func(context.Context, string, *protocol.Request) (*protocol.Response, error) {
		calls++
		resp := protocol.NewResponse(protocol.StatusOK, 0)
		resp.Body = []byte("{not an array")
		return resp, nil
	}
	_, err := c.Fetch(context.Background(), "")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err: got %v, want ErrExhausted", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestFetch_NonOKStatusRetried(t *testing.T) {
	c := New(testTarget, 2)
	calls := 0
	c.doFn = func(context.Context, string, *protocol.Request) (*protocol.Response, error) {
		calls++
		return protocol.NewResponse(protocol.StatusInternalServerError, 3), nil
	}
	if _, err := c.Fetch(context.Background(), ""); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err: got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(&buf, []types.Record{station("S1", "10"), station("S2", "12")}); err != nil {
		t.Fatalf("Print: %v", err)
	}
	want := strings.Join([]string{
		"id: S1",
		"air_temp: 10",
		"origin: producer-1",
		"lamport_clock: 4",
		"timestamp: 1700000000000",
		"-----",
		"id: S2",
		"air_temp: 12",
		"origin: producer-1",
		"lamport_clock: 4",
		"timestamp: 1700000000000",
		"-----",
		"",
	}, "\n")
	if buf.String() != want {
		t.Errorf("Print:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestPrint_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(&buf, nil); err != nil || buf.Len() != 0 {
		t.Errorf("Print(nil): %q, %v", buf.String(), err)
	}
}

func TestRetries_NonPositiveFallsBackToDefault(t *testing.T) {
	c := New(testTarget, -2)
	calls := 0
	c.doFn = func(context.Context, string, *protocol.Request) (*protocol.Response, error) {
		calls++
		return nil, protocol.ErrTruncated
	}
	if c.Retries() != DefaultRetries {
		t.Errorf("Retries: got %d, want %d", c.Retries(), DefaultRetries)
	}
	if _, err := c.Fetch(context.Background(), ""); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err: got %v", err)
	}
	if calls != c.Retries() {
		t.Errorf("attempts: got %d, Retries reports %d", calls, c.Retries())
	}
}
