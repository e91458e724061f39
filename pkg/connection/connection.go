package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/version"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return "Disconnected"
	}
}

const (
	defaultDialTimeout = 10 * time.Second
	defaultMaxBackoff  = 2 * time.Minute
)

var ErrNoTransport = errors.New("no transport configuration succeeded")

// Connection owns one feed connection for a single track: dialing with
// transport fallback, the handshake, the grid/delta read loop and
// reconnects with exponential backoff. Message order is preserved: grid
// payloads and deltas are handed to the callbacks synchronously from the
// read loop.
type Connection struct {
	endpoint    string
	trackKey    string
	l           *log.Logger
	state       atomic.Int32
	dialTimeout time.Duration
	maxBackoff  time.Duration
	onGrid      func(lines []string)
	onLine      func(line string)
}

type Option func(*Connection)

func WithLogger(l *log.Logger) Option {
	return func(c *Connection) {
		c.l = l
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(c *Connection) {
		c.maxBackoff = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.dialTimeout = d
	}
}

// WithGridHandler receives the full grid payload (grid header up to end).
func WithGridHandler(h func(lines []string)) Option {
	return func(c *Connection) {
		c.onGrid = h
	}
}

// WithLineHandler receives every non-grid message (cell deltas, flag and
// session text updates).
func WithLineHandler(h func(line string)) Option {
	return func(c *Connection) {
		c.onLine = h
	}
}

func New(endpoint, trackKey string, opts ...Option) *Connection {
	ret := &Connection{
		endpoint:    endpoint,
		trackKey:    trackKey,
		l:           log.Default().Named("connection"),
		dialTimeout: defaultDialTimeout,
		maxBackoff:  defaultMaxBackoff,
		onGrid:      func([]string) {},
		onLine:      func(string) {},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Run connects and processes feed messages until the context is canceled.
// Connection loss transitions to Reconnecting with exponential backoff;
// only context cancellation ends the loop.
func (c *Connection) Run(ctx context.Context) error {
	defer c.state.Store(int32(Disconnected))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0 // retry forever, the orchestrator owns give-up

	first := true
	for {
		if ctx.Err() != nil {
			c.state.Store(int32(ShuttingDown))
			return ctx.Err()
		}
		if first {
			c.state.Store(int32(Connecting))
			first = false
		} else {
			c.state.Store(int32(Reconnecting))
		}

		err := c.session(ctx, bo)
		if ctx.Err() != nil {
			c.state.Store(int32(ShuttingDown))
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		c.l.Warn("feed connection lost",
			log.String("endpoint", c.endpoint),
			log.Duration("retryIn", wait),
			log.ErrorField(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.state.Store(int32(ShuttingDown))
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session performs one connect / handshake / read cycle.
func (c *Connection) session(ctx context.Context, bo backoff.BackOff) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	// cancellation must interrupt a blocking read promptly
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return err
	}
	c.state.Store(int32(Connected))
	// a drop after a healthy connection starts a fresh backoff cycle;
	// only consecutive failures ratchet the interval up
	bo.Reset()
	c.l.Info("feed connected", log.String("endpoint", c.endpoint))

	return c.readLoop(conn)
}

// dial tries the transport configurations derived from the endpoint scheme
// in order; some deployments need different TLS negotiation parameters.
func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	addr, configs, err := c.transportConfigs()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, cfg := range configs {
		dialer := &net.Dialer{Timeout: c.dialTimeout}
		var conn net.Conn
		if cfg == nil {
			conn, err = dialer.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = tls.DialWithDialer(dialer, "tcp", addr, cfg)
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.l.Debug("transport attempt failed",
			log.String("addr", addr),
			log.Bool("tls", cfg != nil),
			log.ErrorField(err))
	}
	if lastErr == nil {
		lastErr = ErrNoTransport
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNoTransport, addr, lastErr)
}

// transportConfigs resolves the endpoint to a host:port plus an ordered
// list of TLS configs to try (nil means plaintext).
func (c *Connection) transportConfigs() (string, []*tls.Config, error) {
	endpoint := c.endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "tcp://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("invalid feed endpoint %q: %w", c.endpoint, err)
	}
	addr := u.Host
	switch u.Scheme {
	case "tls":
		//nolint:gosec // legacy feeds run self-signed certs; the fallback
		// config is only tried after strict verification failed
		return addr, []*tls.Config{
			{ServerName: u.Hostname()},
			{ServerName: u.Hostname(), InsecureSkipVerify: true},
		}, nil
	case "tcp":
		return addr, []*tls.Config{nil}, nil
	default:
		return "", nil, fmt.Errorf("unsupported feed scheme %q", u.Scheme)
	}
}

func (c *Connection) handshake(conn net.Conn) error {
	//nolint:errcheck // write errors surface on the following read
	conn.SetDeadline(time.Now().Add(c.dialTimeout))
	_, err := fmt.Fprintf(conn, "hello|%s|%s\n", c.trackKey, version.Version)
	if err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}
	//nolint:errcheck // deadline reset, same as above
	conn.SetDeadline(time.Time{})
	return nil
}

// readLoop hands every message to the parser callbacks in arrival order.
// Grid payloads (grid| ... end) are collected and delivered as one unit.
func (c *Connection) readLoop(conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var gridLines []string
	inGrid := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "grid|"):
			gridLines = []string{line}
			inGrid = true
		case inGrid && line == "end":
			inGrid = false
			c.onGrid(gridLines)
			gridLines = nil
		case inGrid:
			gridLines = append(gridLines, line)
		default:
			c.onLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("feed closed connection")
}
