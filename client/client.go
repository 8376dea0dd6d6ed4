// Package client performs evaluation round-trips against a running nREPL
// server over TCP. One connection carries one request at a time; the
// server answers with a stream of messages that is folded into a single
// Result when a "done" status arrives or the server disconnects.
package client

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hive-agi/bb-db-backup/protocol"
)

// Defaults for the babashka nREPL server the backup scripts start.
const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 1667
	DefaultTimeout = 2 * time.Minute

	// Response-stream ceilings; see WithLimits.
	DefaultMaxResponseBytes = 32 << 20
	DefaultMaxMessages      = 4096
)

var (
	// ErrConnectionFailed means the server could not be reached; nothing
	// was written to the wire.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrTimeout means a read waited the full configured timeout without
	// the server completing a message.
	ErrTimeout = errors.New("read timed out")

	// ErrResponseTooLarge means the response stream breached the
	// configured payload or message-count ceiling.
	ErrResponseTooLarge = errors.New("response too large")
)

// Result is the accumulated outcome of one evaluation: the most recent
// non-empty value the server sent, plus the captured stdout and stderr
// fragments concatenated in arrival order. A non-empty Err means the
// evaluation itself reported an error; that is a domain outcome, not a
// transport failure, so Eval returns it with a nil error.
type Result struct {
	Value string
	Out   string
	Err   string
}

// Option configures a Client at dial time.
type Option func(*Client)

// WithTimeout sets the duration applied to the connection attempt and,
// separately, to every read on the connection.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger attaches a logger for per-message debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithLimits caps the accumulated payload bytes and the number of
// messages accepted in one response stream. Zero disables a limit.
func WithLimits(maxBytes, maxMessages int) Option {
	return func(c *Client) {
		c.maxBytes = maxBytes
		c.maxMessages = maxMessages
	}
}

// Client owns one TCP connection to an nREPL server. It is not safe for
// concurrent use; callers needing parallel evaluations must open
// independent connections.
type Client struct {
	mu          sync.Mutex
	conn        net.Conn
	dec         *protocol.Decoder
	timeout     time.Duration
	logger      *zap.Logger
	maxBytes    int
	maxMessages int
}

// Dial connects to an nREPL server at addr ("host:port").
func Dial(addr string, opts ...Option) (*Client, error) {
	c := &Client{
		timeout:     DefaultTimeout,
		logger:      zap.NewNop(),
		maxBytes:    DefaultMaxResponseBytes,
		maxMessages: DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionFailed, "dial %s: %v", addr, err)
	}
	c.conn = conn
	c.dec = protocol.NewDecoder(conn)
	c.logger.Debug("connected", zap.String("addr", addr))
	return c, nil
}

// EvalOnce dials addr, evaluates code, and closes the connection on every
// exit path. This is the shape the backup scripts call: one connection,
// one request, one result.
func EvalOnce(addr, code string, opts ...Option) (*Result, error) {
	c, err := Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Eval(code)
}

// Eval writes one eval request and folds the response stream until the
// server reports a "done" status or closes the connection. A disconnect
// without "done" still returns whatever accumulated so far; servers are
// allowed to drop the connection right after their final value.
func (c *Client) Eval(code string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(protocol.NewEvalRequest(code)); err != nil {
		return nil, err
	}
	res := &Result{}
	_, err := c.readLoop(func(resp *protocol.Response) {
		if resp.Value != "" {
			res.Value = resp.Value
		}
		res.Out += resp.Out
		res.Err += resp.Err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Describe asks the server for its capabilities and returns the final
// message's dictionary (operations, versions).
func (c *Client) Describe() (*protocol.Dict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(protocol.NewDescribeRequest()); err != nil {
		return nil, err
	}
	last, err := c.readLoop(nil)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, errors.New("server closed the connection without describing itself")
	}
	return last.Raw, nil
}

// Close releases the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) send(req *protocol.Dict) error {
	if c.conn == nil {
		return errors.New("client is closed")
	}
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, req); err != nil {
		return errors.Wrap(err, "encode request")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write request")
	}
	return nil
}

// readLoop decodes messages until a terminating status or a clean end of
// stream, handing each to fold. It returns the last message seen, which
// is nil when the server closed before sending any. The read deadline is
// re-armed before every message; there is no other way to interrupt a
// read in flight.
func (c *Client) readLoop(fold func(*protocol.Response)) (*protocol.Response, error) {
	var last *protocol.Response
	payload, msgs := 0, 0
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}
		v, err := c.dec.Decode()
		if err != nil {
			if err == io.EOF {
				// Disconnect between messages: the partial result stands.
				return last, nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, errors.Wrapf(ErrTimeout, "no response within %s", c.timeout)
			}
			if errors.Is(err, protocol.ErrMalformedFrame) {
				return nil, err
			}
			return nil, errors.Wrap(err, "read response")
		}
		resp, err := protocol.ParseResponse(v)
		if err != nil {
			return nil, err
		}

		msgs++
		payload += len(resp.Value) + len(resp.Out) + len(resp.Err)
		if c.maxMessages > 0 && msgs > c.maxMessages {
			return nil, errors.Wrapf(ErrResponseTooLarge, "more than %d messages", c.maxMessages)
		}
		if c.maxBytes > 0 && payload > c.maxBytes {
			return nil, errors.Wrapf(ErrResponseTooLarge, "accumulated payload exceeds %d bytes", c.maxBytes)
		}

		c.logger.Debug("message",
			zap.Strings("status", resp.Status),
			zap.Int("value_bytes", len(resp.Value)),
			zap.Int("out_bytes", len(resp.Out)),
			zap.Int("err_bytes", len(resp.Err)))

		if fold != nil {
			fold(resp)
		}
		last = resp
		if resp.Done() {
			return last, nil
		}
	}
}
