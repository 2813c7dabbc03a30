package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/obsidianstack/weatheragg/pkg/lamport"
	"github.com/obsidianstack/weatheragg/pkg/protocol"
	"github.com/obsidianstack/weatheragg/pkg/types"
)

const (
	// DefaultRetries is the number of attempts before Fetch gives up.
	DefaultRetries = 3

	defaultTimeout = 10 * time.Second

	// Separator is printed after every record.
	Separator = "-----"
)

// ErrExhausted means every attempt failed.
var ErrExhausted = errors.New("query: retries exhausted")

type doFunc func(ctx context.Context, addr string, req *protocol.Request) (*protocol.Response, error)

// Client reads the aggregated view from one aggregator.
type Client struct {
	target  protocol.Target
	clock   lamport.Clock
	retries int
	timeout time.Duration
	doFn    doFunc
}

// New creates a Client. retries <= 0 selects DefaultRetries.
func New(target protocol.Target, retries int) *Client {
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &Client{
		target:  target,
		retries: retries,
		timeout: defaultTimeout,
		doFn:    protocol.Do,
	}
}

// Retries returns the number of attempts Fetch makes.
func (c *Client) Retries() int { return c.retries }

// Clock returns the client's current Lamport clock value.
func (c *Client) Clock() uint64 { return c.clock.Value() }

// Fetch returns every record, or only stationID's when it is non-empty. Any
// failure, including a non-200 status or an undecodable body, is retried
// with no delay until the attempts run out.
func (c *Client) Fetch(ctx context.Context, stationID string) ([]types.Record, error) {
	target := c.target.Path
	if stationID != "" {
		target += "?id=" + url.QueryEscape(stationID)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := c.attempt(ctx, target)
		if err == nil {
			return recs, nil
		}
		lastErr = err
		slog.Warn("query: fetch failed", "attempt", attempt, "of", c.retries, "err", err)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, c.retries, lastErr)
}

func (c *Client) attempt(ctx context.Context, target string) ([]types.Record, error) {
	req := protocol.NewRequest(protocol.MethodGet, target, nil)
	req.Header.Set(protocol.HeaderHost, c.target.Host)
	req.Header.Set(protocol.HeaderLamport, lamport.Format(c.clock.Tick()))

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doFn(actx, c.target.Addr, req)
	if err != nil {
		return nil, err
	}
	if remote, err := resp.Clock(); err == nil {
		c.clock.Merge(remote)
	}
	if resp.Status != protocol.StatusOK {
		return nil, fmt.Errorf("query: status %d %s", resp.Status, protocol.StatusText(resp.Status))
	}
	recs, err := types.DecodeRecords(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return recs, nil
}

// Print writes each record as "key: value" lines in encoded order, each
// record followed by Separator.
func Print(w io.Writer, recs []types.Record) error {
	for _, r := range recs {
		for _, f := range r.Fields() {
			if _, err := fmt.Fprintf(w, "%s: %s\n", f.Name, f.Text()); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, Separator); err != nil {
			return err
		}
	}
	return nil
}
