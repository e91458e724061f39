//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package connection

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeed is a minimal timing feed: accepts one connection at a time,
// validates the handshake and plays back the given script.
type fakeFeed struct {
	listener net.Listener
	script   []string
	mu       sync.Mutex
	hellos   []string
}

func newFakeFeed(t *testing.T, script []string) *fakeFeed {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	feed := &fakeFeed{listener: listener, script: script}
	go feed.serve()
	t.Cleanup(func() { listener.Close() })
	return feed
}

func (f *fakeFeed) addr() string { return f.listener.Addr().String() }

func (f *fakeFeed) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeFeed) handle(conn net.Conn) {
	defer conn.Close()
	hello, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	f.mu.Lock()
	f.hellos = append(f.hellos, strings.TrimSpace(hello))
	f.mu.Unlock()
	for _, line := range f.script {
		if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
			return
		}
	}
	// keep the connection open until the client goes away
	buf := make([]byte, 1)
	conn.Read(buf) //nolint:errcheck // just waiting for close
}

func (f *fakeFeed) helloCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hellos)
}

type collector struct {
	mu    sync.Mutex
	grids [][]string
	lines []string
}

func (c *collector) onGrid(lines []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grids = append(c.grids, lines)
}

func (c *collector) onLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.grids), len(c.lines)
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnection_GridAndDeltaDelivery(t *testing.T) {
	feed := newFakeFeed(t, []string{
		"grid|sess-1|green|Course",
		"col|0|rk|Pos",
		"row|0|team-a|Alpha",
		"r0c0|rk|1",
		"end",
		"r0c0|rk|2",
		"flag|yellow",
	})
	coll := &collector{}
	conn := New(feed.addr(), "track-1",
		WithGridHandler(coll.onGrid),
		WithLineHandler(coll.onLine))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	waitFor(t, func() bool {
		grids, lines := coll.counts()
		return grids == 1 && lines == 2
	})
	coll.mu.Lock()
	assert.Equal(t, []string{
		"grid|sess-1|green|Course",
		"col|0|rk|Pos",
		"row|0|team-a|Alpha",
		"r0c0|rk|1",
	}, coll.grids[0])
	assert.Equal(t, []string{"r0c0|rk|2", "flag|yellow"}, coll.lines)
	coll.mu.Unlock()
	assert.Equal(t, Connected, conn.State())

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, conn.State())
}

func TestConnection_Handshake(t *testing.T) {
	feed := newFakeFeed(t, nil)
	conn := New(feed.addr(), "my-track")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx) //nolint:errcheck // canceled below

	waitFor(t, func() bool { return feed.helloCount() == 1 })
	feed.mu.Lock()
	assert.True(t, strings.HasPrefix(feed.hellos[0], "hello|my-track|"))
	feed.mu.Unlock()
}

func TestConnection_ReconnectAfterFeedClose(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	// a feed that drops every client right after the handshake
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 256)
			c.Read(buf) //nolint:errcheck // consume the hello
			c.Close()
		}
	}()

	var mu sync.Mutex
	attempts := 0
	conn := New(listener.Addr().String(), "track-1",
		WithLineHandler(func(string) {
			mu.Lock()
			attempts++
			mu.Unlock()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx) //nolint:errcheck // canceled below

	// the connection keeps coming back on its own
	waitFor(t, func() bool {
		s := conn.State()
		return s == Reconnecting || s == Connecting || s == Connected
	})
	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, ShuttingDown, conn.State())
}

func TestConnection_BackoffResetAfterConnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	// a feed that drops the client right after the handshake
	go func() {
		c, err := listener.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 256)
		c.Read(buf) //nolint:errcheck // consume the hello
		c.Close()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0
	// consecutive failures before the connect ratchet the interval up
	for i := 0; i < 10; i++ {
		bo.NextBackOff()
	}
	require.Greater(t, bo.NextBackOff(), 10*time.Second)

	conn := New(listener.Addr().String(), "track-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = conn.session(ctx, bo)
	require.Error(t, err)

	// the successful connect restarted the backoff discipline, so the
	// next outage retries quickly instead of waiting near MaxInterval
	assert.LessOrEqual(t, bo.NextBackOff(), 2*time.Second)
}

func TestConnection_InvalidEndpoint(t *testing.T) {
	conn := New("ftp://example.com:21", "track-1")
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := conn.Run(ctx)
	assert.Error(t, err)
}

func TestTransportConfigs(t *testing.T) {
	tests := []struct {
		endpoint string
		wantAddr string
		wantTLS  int // number of tls configs (nil entries count as plaintext)
		wantErr  bool
	}{
		{endpoint: "tcp://host:4100", wantAddr: "host:4100", wantTLS: 1},
		{endpoint: "host:4100", wantAddr: "host:4100", wantTLS: 1},
		{endpoint: "tls://secure:4100", wantAddr: "secure:4100", wantTLS: 2},
		{endpoint: "ftp://nope:21", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.endpoint, func(t *testing.T) {
			c := New(tc.endpoint, "track-1")
			addr, configs, err := c.transportConfigs()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAddr, addr)
			assert.Len(t, configs, tc.wantTLS)
		})
	}
}
