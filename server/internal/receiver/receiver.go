package receiver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/weatheragg/pkg/protocol"
)

// Defaults for the connection worker pool.
const (
	DefaultMaxWorkers  = 10
	DefaultIdleTimeout = 30 * time.Second
)

// Handler produces the response for one request. Refuse answers a request
// whose framing could not be parsed.
type Handler interface {
	Handle(ctx context.Context, req *protocol.Request, origin string) *protocol.Response
	Refuse(err error) *protocol.Response
}

// Receiver accepts TCP connections and serves one request per connection on
// a bounded pool of worker goroutines.
type Receiver struct {
	handler     Handler
	maxWorkers  int
	idleTimeout time.Duration
	maxBody     int64

	wg sync.WaitGroup
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithMaxWorkers bounds the number of connections served concurrently.
func WithMaxWorkers(n int) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.maxWorkers = n
		}
	}
}

// WithIdleTimeout sets the per-connection read and write deadline. Zero
// disables deadlines.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Receiver) { r.idleTimeout = d }
}

// WithMaxBody bounds the accepted Content-Length.
func WithMaxBody(n int64) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.maxBody = n
		}
	}
}

// New creates a Receiver dispatching requests to h.
func New(h Handler, opts ...Option) *Receiver {
	r := &Receiver{
		handler:     h,
		maxWorkers:  DefaultMaxWorkers,
		idleTimeout: DefaultIdleTimeout,
		maxBody:     protocol.DefaultMaxBody,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Serve accepts connections on lis until ctx is cancelled, then closes lis,
// waits for in-flight connections and returns nil. A worker slot is taken
// before each Accept, so excess clients wait in the listen backlog.
func (r *Receiver) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	defer r.wg.Wait()

	slots := make(chan struct{}, r.maxWorkers)
	var delay time.Duration

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := lis.Accept()
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("receiver: listener closed: %w", err)
			}
			delay = nextDelay(delay)
			slog.Warn("receiver: accept failed, retrying", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() { <-slots }()
			r.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads one request, dispatches it and writes the response. A
// peer that disconnects mid-request is dropped without a reply.
func (r *Receiver) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := slog.With("conn_id", uuid.NewString(), "remote", remote)

	if r.idleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(r.idleTimeout)) //nolint:errcheck
	}

	var resp *protocol.Response
	req, err := protocol.ReadRequest(bufio.NewReader(conn), r.maxBody)
	switch {
	case err == nil:
		log.Debug("receiver: request", "method", req.Method, "target", req.Target)
		resp = r.handler.Handle(ctx, req, remote)
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrBodyTooLarge):
		log.Info("receiver: refusing malformed request", "err", err)
		resp = r.handler.Refuse(err)
	case errors.Is(err, io.EOF):
		return
	default:
		log.Debug("receiver: abandoning connection", "err", err)
		return
	}

	if r.idleTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(r.idleTimeout)) //nolint:errcheck
	}
	if err := resp.Write(conn); err != nil {
		log.Debug("receiver: write response failed", "err", err)
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
