package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/obsidianstack/weatheragg/pkg/lamport"
)

// Header names used by every role.
const (
	HeaderLamport       = "Lamport-Clock"
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"
	HeaderSourceID      = "Source-Id"
	HeaderHost          = "Host"
)

// Methods understood by the server.
const (
	MethodPut = "PUT"
	MethodGet = "GET"
)

// Status codes written on response lines.
const (
	StatusOK                  = 200
	StatusNoContent           = 204
	StatusBadRequest          = 400
	StatusInternalServerError = 500
)

const (
	defaultProto = "HTTP/1.1"

	// DefaultMaxBody bounds request and response bodies.
	DefaultMaxBody int64 = 1 << 20

	// MaxHeaderBytes bounds the request line plus header block.
	MaxHeaderBytes int64 = 64 << 10
)

var (
	// ErrMalformed means a request or status line, or a header, could not be parsed.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrTruncated means the peer closed the connection before a full message arrived.
	ErrTruncated = errors.New("protocol: truncated message")

	// ErrBodyTooLarge means Content-Length exceeds the configured limit.
	ErrBodyTooLarge = errors.New("protocol: body too large")
)

// StatusText returns the reason phrase for a status code.
func StatusText(code int) string {
	switch code {
	case StatusOK:
		return "OK"
	case StatusNoContent:
		return "No Content"
	case StatusBadRequest:
		return "Bad Request"
	case StatusInternalServerError:
		return "Internal Server Error"
	default:
		return "Status " + strconv.Itoa(code)
	}
}

// Header holds message headers keyed by canonical name.
type Header = textproto.MIMEHeader

// Request is a single request read from, or written to, a connection.
type Request struct {
	Method string
	Target string
	Proto  string
	Header Header
	Body   []byte
}

// NewRequest returns a request with an empty header set.
func NewRequest(method, target string, body []byte) *Request {
	return &Request{
		Method: method,
		Target: target,
		Proto:  defaultProto,
		Header: make(Header),
		Body:   body,
	}
}

// Path returns the target without its query string.
func (r *Request) Path() string {
	p, _, _ := strings.Cut(r.Target, "?")
	return p
}

// Query returns the value of key in the target's query string.
func (r *Request) Query(key string) string {
	_, q, ok := strings.Cut(r.Target, "?")
	if !ok {
		return ""
	}
	for _, kv := range strings.Split(q, "&") {
		k, v, _ := strings.Cut(kv, "=")
		if k == key {
			return v
		}
	}
	return ""
}

// Clock parses the Lamport-Clock header.
func (r *Request) Clock() (uint64, error) {
	return lamport.Parse(r.Header.Get(HeaderLamport))
}

// Write serializes the request. Content-Length is always set from Body.
func (r *Request) Write(w io.Writer) error {
	proto := r.Proto
	if proto == "" {
		proto = defaultProto
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s %s\r\n", r.Method, r.Target, proto)
	writeHeader(bw, r.Header, len(r.Body))
	bw.Write(r.Body) //nolint:errcheck // surfaced by Flush
	return bw.Flush()
}

// ReadRequest reads one request. Bodies longer than maxBody are refused
// without being read.
func ReadRequest(br *bufio.Reader, maxBody int64) (*Request, error) {
	// The header phase reads through a limit; the body continues from br
	// once the limited reader runs dry.
	lr := &io.LimitedReader{R: br, N: MaxHeaderBytes}
	hb := bufio.NewReader(lr)
	tp := textproto.NewReader(hb)

	line, err := tp.ReadLine()
	if err != nil {
		if lr.N <= 0 {
			return nil, fmt.Errorf("%w: request line exceeds %d bytes", ErrMalformed, MaxHeaderBytes)
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: request line: %v", ErrTruncated, err)
	}
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty request line", ErrMalformed)
	}
	req := &Request{Method: strings.ToUpper(parts[0]), Target: "/", Proto: defaultProto}
	if len(parts) > 1 {
		req.Target = parts[1]
	}
	if len(parts) > 2 {
		req.Proto = parts[2]
	}

	if req.Header, err = readHeader(tp); err != nil {
		if lr.N <= 0 {
			return nil, fmt.Errorf("%w: headers exceed %d bytes", ErrMalformed, MaxHeaderBytes)
		}
		return nil, err
	}
	if req.Body, err = readBody(io.MultiReader(hb, br), req.Header, maxBody, false); err != nil {
		return nil, err
	}
	return req, nil
}

// Response is a status line, headers and optional body.
type Response struct {
	Status int
	Header Header
	Body   []byte
}

// NewResponse returns a response carrying the given clock value.
func NewResponse(status int, clock uint64) *Response {
	h := make(Header)
	h.Set(HeaderLamport, lamport.Format(clock))
	return &Response{Status: status, Header: h}
}

// Clock parses the Lamport-Clock header.
func (r *Response) Clock() (uint64, error) {
	return lamport.Parse(r.Header.Get(HeaderLamport))
}

// Write serializes the response.
func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %d %s\r\n", defaultProto, r.Status, StatusText(r.Status))
	writeHeader(bw, r.Header, len(r.Body))
	bw.Write(r.Body) //nolint:errcheck // surfaced by Flush
	return bw.Flush()
}

// ReadResponse reads one response. Without a Content-Length the body runs
// to EOF, since every connection carries exactly one exchange.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: status line: %v", ErrTruncated, err)
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformed, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformed, parts[1])
	}
	resp := &Response{Status: code}
	if resp.Header, err = readHeader(tp); err != nil {
		return nil, err
	}
	if resp.Body, err = readBody(br, resp.Header, DefaultMaxBody, true); err != nil {
		return nil, err
	}
	return resp, nil
}

func readHeader(tp *textproto.Reader) (Header, error) {
	h, err := tp.ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: headers: %v", ErrTruncated, err)
		}
		return nil, fmt.Errorf("%w: headers: %v", ErrMalformed, err)
	}
	if h == nil {
		h = make(Header)
	}
	return h, nil
}

func readBody(br io.Reader, h Header, max int64, toEOF bool) ([]byte, error) {
	cl := h.Get(HeaderContentLength)
	if cl == "" {
		if !toEOF {
			return nil, nil
		}
		body, err := io.ReadAll(io.LimitReader(br, max+1))
		if err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrTruncated, err)
		}
		if int64(len(body)) > max {
			return nil, ErrBodyTooLarge
		}
		return body, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: content-length %q", ErrMalformed, cl)
	}
	if n > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, max)
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrTruncated, err)
	}
	return body, nil
}

// writeHeader writes Lamport-Clock first, the remaining headers sorted, and
// a Content-Length when there is a body.
func writeHeader(bw *bufio.Writer, h Header, bodyLen int) {
	if v := h.Get(HeaderLamport); v != "" {
		fmt.Fprintf(bw, "%s: %s\r\n", HeaderLamport, v)
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		if k == HeaderLamport || k == HeaderContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	if bodyLen > 0 {
		fmt.Fprintf(bw, "%s: %d\r\n", HeaderContentLength, bodyLen)
	}
	bw.WriteString("\r\n") //nolint:errcheck // surfaced by Flush
}
