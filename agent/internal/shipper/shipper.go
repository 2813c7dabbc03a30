package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/weatheragg/pkg/lamport"
	"github.com/obsidianstack/weatheragg/pkg/protocol"
)

const (
	// DefaultRetries is the number of attempts before Send gives up.
	DefaultRetries = 3

	defaultTimeout = 10 * time.Second
)

var (
	// ErrRejected means the aggregator refused the observation itself. The
	// same body would be refused again, so it is not retried.
	ErrRejected = errors.New("shipper: observation rejected")

	// ErrExhausted means every attempt failed.
	ErrExhausted = errors.New("shipper: retries exhausted")
)

// doFunc performs one request/response exchange. Swapped in tests.
type doFunc func(ctx context.Context, addr string, req *protocol.Request) (*protocol.Response, error)

// Shipper sends observations to one aggregator, keeping its own Lamport
// clock across sends.
type Shipper struct {
	target   protocol.Target
	clock    *lamport.Clock
	sourceID string
	retries  int
	timeout  time.Duration
	doFn     doFunc
}

// Option configures a Shipper.
type Option func(*Shipper)

// WithSourceID sets the Source-Id header. Defaults to a random UUID.
func WithSourceID(id string) Option {
	return func(s *Shipper) {
		if id != "" {
			s.sourceID = id
		}
	}
}

// WithRetries sets the attempt count.
func WithRetries(n int) Option {
	return func(s *Shipper) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *Shipper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a Shipper addressing target.
func New(target protocol.Target, opts ...Option) *Shipper {
	s := &Shipper{
		target:   target,
		clock:    &lamport.Clock{},
		sourceID: uuid.NewString(),
		retries:  DefaultRetries,
		timeout:  defaultTimeout,
		doFn:     protocol.Do,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SourceID returns the identifier sent with every observation.
func (s *Shipper) SourceID() string { return s.sourceID }

// Retries returns the number of attempts Send makes.
func (s *Shipper) Retries() int { return s.retries }

// Clock returns the shipper's current Lamport clock value.
func (s *Shipper) Clock() uint64 { return s.clock.Value() }

// Send uploads body, retrying transport failures and 500 responses up to
// the configured attempt count with no delay in between. A 400 returns
// ErrRejected at once. Every response clock is merged, including failures.
func (s *Shipper) Send(ctx context.Context, body []byte) (*protocol.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := s.attempt(ctx, body)
		if err != nil {
			lastErr = err
			slog.Warn("shipper: send failed", "attempt", attempt, "of", s.retries, "err", err)
			continue
		}

		switch resp.Status {
		case protocol.StatusOK, protocol.StatusNoContent:
			slog.Debug("shipper: observation delivered",
				"status", resp.Status, "lamport_clock", s.clock.Value())
			return resp, nil
		case protocol.StatusBadRequest:
			return resp, fmt.Errorf("%w: status %d", ErrRejected, resp.Status)
		default:
			lastErr = fmt.Errorf("status %d %s", resp.Status, protocol.StatusText(resp.Status))
			slog.Warn("shipper: aggregator error", "attempt", attempt, "of", s.retries, "status", resp.Status)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, s.retries, lastErr)
}

func (s *Shipper) attempt(ctx context.Context, body []byte) (*protocol.Response, error) {
	stamp := s.clock.Tick()

	req := protocol.NewRequest(protocol.MethodPut, s.target.Path, body)
	req.Header.Set(protocol.HeaderHost, s.target.Host)
	req.Header.Set(protocol.HeaderContentType, "application/json")
	req.Header.Set(protocol.HeaderLamport, lamport.Format(stamp))
	req.Header.Set(protocol.HeaderSourceID, s.sourceID)

	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.doFn(actx, s.target.Addr, req)
	if err != nil {
		return nil, err
	}
	if remote, err := resp.Clock(); err == nil {
		s.clock.Merge(remote)
	}
	return resp, nil
}

// Run sends the observation returned by load once, then again on every
// tick of interval (if positive) and every signal on changes (if non-nil),
// until ctx is cancelled. Failures are logged and do not stop the loop.
func (s *Shipper) Run(ctx context.Context, load func() ([]byte, error), interval time.Duration, changes <-chan struct{}) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	ship := func(reason string) {
		body, err := load()
		if err != nil {
			slog.Error("shipper: load observation", "err", err)
			return
		}
		if _, err := s.Send(ctx, body); err != nil {
			if ctx.Err() == nil {
				slog.Error("shipper: ship failed", "reason", reason, "err", err)
			}
			return
		}
		slog.Info("shipper: observation shipped", "reason", reason, "lamport_clock", s.clock.Value())
	}

	ship("start")
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			ship("interval")
		case <-changes:
			ship("file changed")
		}
	}
}
