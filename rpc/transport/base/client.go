package base

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

var (
	// ErrNoConnection is returned by Send if no connection to any endpoint is available
	ErrNoConnection = errors.New("no active connections available")

	// ErrConnClosed is returned for requests on a connection that was closed
	ErrConnClosed = errors.New("connection is closed")

	// ErrTimeout is returned if no response arrived within the client timeout
	ErrTimeout = errors.New("request timed out")
)

// IClientConnector defines the transport specific part of a client (dialing
// and socket options)
type IClientConnector interface {
	// Connect dials endpoint, giving up after timeout (0 = no timeout)
	Connect(endpoint string, timeout time.Duration) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// NewBaseClientTransport creates a client that multiplexes requests over
// ConnectionsPerEndpoint connections to every endpoint
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
	}
}

// clientTransport picks a connection round-robin per attempt and retries
// failed attempts with exponential backoff.
//
// Thread-safety: Send may be called concurrently, Connect and Close not.
type clientTransport struct {
	connector IClientConnector
	config    common.ClientConfig

	mu        sync.RWMutex
	conns     []*clientConnection
	next      atomic.Uint64
	requestID atomic.Uint64
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	endpoints := config.Transport.Endpoints
	if len(endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.closeConnections()
	t.config = config

	perEndpoint := max(1, config.Transport.ConnectionsPerEndpoint)
	conns := make([]*clientConnection, 0, len(endpoints)*perEndpoint)
	for _, endpoint := range endpoints {
		for i := 0; i < perEndpoint; i++ {
			c := newClientConnection(t, endpoint)
			if err := c.reconnect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, perEndpoint, err)
				continue
			}
			conns = append(conns, c)
			go c.readResponses()
		}
	}
	if len(conns) == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.mu.Lock()
	t.conns = conns
	t.mu.Unlock()

	Logger.Debugf("Opened %d of %d %s connections to %d endpoints",
		len(conns), len(endpoints)*perEndpoint, t.connector.GetName(), len(endpoints))
	return nil
}

func (t *clientTransport) Send(shardId uint64, req []byte) ([]byte, error) {
	timeout := time.Duration(t.config.TimeoutSecond) * time.Second
	attempts := max(1, t.config.Transport.RetryCount)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}

		c := t.pick()
		if c == nil {
			return nil, ErrNoConnection
		}

		// every attempt gets its own id, late responses of a failed attempt are dropped
		var resp []byte
		if resp, err = c.roundTrip(t.requestID.Add(1), shardId, req, timeout); err == nil {
			return resp, nil
		}
		Logger.Debugf("Request attempt %d/%d to %s failed: %v", attempt+1, attempts, c.endpoint, err)
	}
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, err)
}

func (t *clientTransport) Close() error {
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// backoff returns the pause before retry attempt n (n >= 1): 50ms doubled per
// attempt with +-10% jitter
func backoff(n int) time.Duration {
	base := float64(50*time.Millisecond) * float64(uint64(1)<<min(n-1, 10))
	return time.Duration(base * (0.9 + 0.2*rand.Float64()))
}

// pick selects the next connection round-robin
func (t *clientTransport) pick() *clientConnection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch len(t.conns) {
	case 0:
		return nil
	case 1:
		return t.conns[0]
	}
	return t.conns[t.next.Add(1)%uint64(len(t.conns))]
}

func (t *clientTransport) closeConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.conns {
		c.close()
	}
	t.conns = nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// result is the outcome of one request
type result struct {
	data []byte
	err  error
}

// clientConnection is one socket. Writers serialize on mu, a single reader
// goroutine hands the responses to the waiting requests by request id.
type clientConnection struct {
	parent   *clientTransport
	endpoint string

	mu      sync.Mutex // guards conn and frame writes
	conn    net.Conn
	stop    chan struct{}
	pending *xsync.MapOf[uint64, chan result]
}

func newClientConnection(parent *clientTransport, endpoint string) *clientConnection {
	return &clientConnection{
		parent:   parent,
		endpoint: endpoint,
		stop:     make(chan struct{}),
		pending:  xsync.NewMapOf[uint64, chan result](),
	}
}

// roundTrip writes one request frame and waits for the matching response
func (c *clientConnection) roundTrip(id, shardId uint64, req []byte, timeout time.Duration) ([]byte, error) {
	respCh := make(chan result, 1)
	c.pending.Store(id, respCh)
	defer c.pending.Delete(id)

	if err := c.write(id, shardId, req, timeout); err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-respCh:
		return r.data, r.err
	case <-c.stop:
		return nil, ErrConnClosed
	case <-expired:
		return nil, ErrTimeout
	}
}

func (c *clientConnection) write(id, shardId uint64, req []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrConnClosed
	}
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return writeFrame(c.conn, shardId, id, req)
}

func (c *clientConnection) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *clientConnection) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// failPending hands err to every request waiting on this connection
func (c *clientConnection) failPending(err error) {
	c.pending.Range(func(_ uint64, respCh chan result) bool {
		select {
		case respCh <- result{err: err}:
		default:
		}
		return true
	})
}

// readResponses runs until the connection is closed or cannot be restored.
// Idle connections have no read deadline.
func (c *clientConnection) readResponses() {
	for !c.stopped() {
		conn := c.current()
		if conn == nil {
			return
		}

		shardId, id, data, err := readFrame(conn, nil)
		if err != nil {
			if c.stopped() {
				return
			}
			Logger.Warningf("Error reading from %s: %v", c.endpoint, err)
			c.failPending(fmt.Errorf("error reading response: %w", err))

			if err := c.reconnect(); err != nil {
				Logger.Errorf("Failed to reconnect to %s: %v", c.endpoint, err)
				return
			}
			continue
		}

		if respCh, ok := c.pending.Load(id); ok {
			select {
			case respCh <- result{data: data}:
			default:
			}
		} else {
			Logger.Warningf("Dropped response for unknown request %d (shard %d), it probably timed out", id, shardId)
		}
	}
}

// reconnect replaces the socket with a freshly dialed one
func (c *clientConnection) reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.stopped() {
		return ErrConnClosed
	}

	connector, config := c.parent.connector, c.parent.config
	conn, err := connector.Connect(c.endpoint, time.Duration(config.TimeoutSecond)*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	if err := connector.UpgradeConnection(conn, config); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}
	c.conn = conn
	return nil
}

// close stops the reader and closes the socket
func (c *clientConnection) close() {
	close(c.stop)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
