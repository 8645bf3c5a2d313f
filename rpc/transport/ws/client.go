package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/transport"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrConnectionClosed is returned for requests and streams of a closed connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// NewWsClientTransport creates a websocket client transport that supports streams
func NewWsClientTransport() transport.IRPCStreamClientTransport {
	return &wsClientTransport{}
}

type wsClientTransport struct {
	config        common.ClientConfig
	conns         []*wsClientConn
	connsMu       sync.RWMutex
	nextConnIndex atomic.Uint64
	nextRequestID atomic.Uint64
}

// wsClientConn is a single websocket connection. Responses and stream messages
// are dispatched to the waiting callers by request id.
type wsClientConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	pending  *xsync.MapOf[uint64, chan frame]
	done     chan struct{}
	closeErr atomic.Pointer[error]
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCStreamClientTransport)
// --------------------------------------------------------------------------

func (t *wsClientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	_ = t.Close()
	t.config = config

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   config.Transport.ReadBufferSize,
		WriteBufferSize:  config.Transport.WriteBufferSize,
	}

	perEndpoint := max(1, config.Transport.ConnectionsPerEndpoint)
	conns := make([]*wsClientConn, 0, len(config.Transport.Endpoints)*perEndpoint)
	for _, endpoint := range config.Transport.Endpoints {
		u, err := endpointURL(endpoint)
		if err != nil {
			return err
		}
		for i := 0; i < perEndpoint; i++ {
			conn, _, err := dialer.Dial(u, nil)
			if err != nil {
				Logger.Warningf("Failed to connect to %s: %v", u, err)
				continue
			}
			c := &wsClientConn{
				conn:    conn,
				pending: xsync.NewMapOf[uint64, chan frame](),
				done:    make(chan struct{}),
			}
			go c.readLoop()
			conns = append(conns, c)
		}
	}
	if len(conns) == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	t.connsMu.Lock()
	t.conns = conns
	t.connsMu.Unlock()
	return nil
}

func (t *wsClientTransport) Send(shardId uint64, req []byte) ([]byte, error) {
	timeout := time.Duration(t.config.TimeoutSecond) * time.Second
	attempts := max(1, t.config.Transport.RetryCount)

	var lastErr error
	for i := 0; i < attempts; i++ {
		c := t.nextConn()
		if c == nil {
			return nil, ErrConnectionClosed
		}
		resp, err := c.request(t.nextRequestID.Add(1), shardId, req, timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, attempts, err)
	}
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, lastErr)
}

func (t *wsClientTransport) Stream(ctx context.Context, shardId uint64, req []byte, recv func(resp []byte) error) error {
	c := t.nextConn()
	if c == nil {
		return ErrConnectionClosed
	}
	requestID := t.nextRequestID.Add(1)

	// stream messages are buffered, a slow recv blocks the read loop of this connection
	ch := make(chan frame, 64)
	c.pending.Store(requestID, ch)
	defer c.pending.Delete(requestID)

	if err := c.write(frame{shardID: shardId, requestID: requestID, kind: kindStream, payload: req}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.write(frame{shardID: shardId, requestID: requestID, kind: kindCancel})
			return ctx.Err()
		case <-c.done:
			return c.err()
		case f := <-ch:
			if f.kind == kindStreamEnd {
				if len(f.payload) > 0 {
					return fmt.Errorf("stream ended: %s", f.payload)
				}
				return nil
			}
			if err := recv(f.payload); err != nil {
				_ = c.write(frame{shardID: shardId, requestID: requestID, kind: kindCancel})
				return err
			}
		}
	}
}

func (t *wsClientTransport) Close() error {
	t.connsMu.Lock()
	conns := t.conns
	t.conns = nil
	t.connsMu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
		<-c.done
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// endpointURL completes host:port endpoints to a websocket url with the default path
func endpointURL(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "ws://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	return u.String(), nil
}

func (t *wsClientTransport) nextConn() *wsClientConn {
	t.connsMu.RLock()
	defer t.connsMu.RUnlock()
	for range t.conns {
		c := t.conns[t.nextConnIndex.Add(1)%uint64(len(t.conns))]
		select {
		case <-c.done:
			continue
		default:
			return c
		}
	}
	return nil
}

func (c *wsClientConn) request(requestID, shardID uint64, req []byte, timeout time.Duration) ([]byte, error) {
	ch := make(chan frame, 1)
	c.pending.Store(requestID, ch)
	defer c.pending.Delete(requestID)

	if err := c.write(frame{shardID: shardID, requestID: requestID, kind: kindRequest, payload: req}); err != nil {
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case f := <-ch:
		return f.payload, nil
	case <-c.done:
		return nil, c.err()
	case <-timeoutCh:
		return nil, fmt.Errorf("request timed out")
	}
}

func (c *wsClientConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, f.encode())
}

func (c *wsClientConn) err() error {
	if err := c.closeErr.Load(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, *err)
	}
	return ErrConnectionClosed
}

// readLoop dispatches incoming frames until the connection fails
func (c *wsClientConn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeErr.Store(&err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			Logger.Warningf("Invalid frame: %v", err)
			continue
		}
		ch, ok := c.pending.Load(f.requestID)
		if !ok {
			Logger.Debugf("Received frame for unknown request ID %d", f.requestID)
			continue
		}
		select {
		case ch <- f:
		case <-time.After(time.Second):
			// the receiver is gone or stuck
			Logger.Warningf("Dropping frame for request ID %d", f.requestID)
		}
	}
}
