package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/ws")

// Path is the http path of the websocket endpoint
const Path = "/ws"

const defaultWorkersPerConn = 16

var (
	wsConnections = metrics.NewCounter(`hkv_transport_connections_total{transport="ws"}`)
	wsStreams     = metrics.NewCounter(`hkv_transport_streams_total{transport="ws"}`)
)

// NewWsServerTransport creates a websocket server transport. Besides requests it
// serves streams (subscriptions) and GET /metrics.
func NewWsServerTransport() transport.IRPCStreamServerTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsServerTransport{
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type wsServerTransport struct {
	handler       transport.ServerHandleFunc
	streamHandler transport.ServerStreamFunc
	config        common.ServerConfig
	upgrader      websocket.Upgrader
	server        *http.Server

	// ctx is canceled on shutdown, it ends all streams
	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCStreamServerTransport)
// --------------------------------------------------------------------------

func (t *wsServerTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *wsServerTransport) RegisterStreamHandler(handler transport.ServerStreamFunc) {
	t.streamHandler = handler
}

func (t *wsServerTransport) Listen(config common.ServerConfig) error {
	t.config = config

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+Path, t.handleUpgrade)
	mux.HandleFunc("GET /metrics", transport.MetricsHandler)

	server := &http.Server{Addr: config.Transport.Endpoint, Handler: mux}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.server = server
	t.mu.Unlock()

	Logger.Infof("Starting websocket server on %s%s", config.Transport.Endpoint, Path)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *wsServerTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	server := t.server
	t.mu.Unlock()

	// hijacked websocket connections are not tracked by the http server
	t.cancel()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		t.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

// wsConn is one websocket connection of a client
type wsConn struct {
	t       *wsServerTransport
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla connections support one concurrent writer
	streams *xsync.MapOf[uint64, context.CancelFunc]
	workers chan struct{}
	wg      sync.WaitGroup
}

func (t *wsServerTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger.Warningf("Upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	wsConnections.Inc()

	t.active.Add(1)
	defer t.active.Done()
	if t.ctx.Err() != nil {
		_ = conn.Close()
		return
	}

	workers := t.config.Transport.WorkersPerConn
	if workers <= 0 {
		workers = defaultWorkersPerConn
	}
	c := &wsConn{
		t:       t,
		conn:    conn,
		streams: xsync.NewMapOf[uint64, context.CancelFunc](),
		workers: make(chan struct{}, workers),
	}
	c.serve()
}

func (c *wsConn) serve() {
	ctx, cancel := context.WithCancel(c.t.ctx)
	defer func() {
		cancel()
		c.wg.Wait()
		_ = c.conn.Close()
	}()

	// close the connection on shutdown, this ends the read loop
	go func() {
		<-ctx.Done()
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				Logger.Debugf("Read error: %v", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			Logger.Warningf("Ignoring non binary message")
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			Logger.Warningf("Invalid frame: %v", err)
			continue
		}

		switch f.kind {
		case kindRequest:
			c.workers <- struct{}{}
			c.wg.Add(1)
			go func() {
				defer func() {
					<-c.workers
					c.wg.Done()
				}()
				resp := c.t.handler(f.shardID, f.payload)
				c.write(frame{shardID: f.shardID, requestID: f.requestID, kind: kindRequest, payload: resp})
			}()
		case kindStream:
			streamCtx, streamCancel := context.WithCancel(ctx)
			c.streams.Store(f.requestID, streamCancel)
			wsStreams.Inc()
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.streams.Delete(f.requestID)
				defer streamCancel()
				c.stream(streamCtx, f)
			}()
		case kindCancel:
			if cancelStream, ok := c.streams.LoadAndDelete(f.requestID); ok {
				cancelStream()
			}
		default:
			Logger.Warningf("Unknown frame kind %d", f.kind)
		}
	}
}

// stream runs the stream handler for f and sends the end of the stream to the client
func (c *wsConn) stream(ctx context.Context, f frame) {
	var err error
	if c.t.streamHandler == nil {
		err = errors.New("streams are not supported by this server")
	} else {
		err = c.t.streamHandler(ctx, f.shardID, f.payload, func(resp []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.write(frame{shardID: f.shardID, requestID: f.requestID, kind: kindStream, payload: resp})
		})
	}
	end := frame{shardID: f.shardID, requestID: f.requestID, kind: kindStreamEnd}
	if err != nil && !errors.Is(err, context.Canceled) {
		end.payload = []byte(err.Error())
	}
	_ = c.write(end)
}

func (c *wsConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout := time.Duration(c.t.config.TimeoutSecond) * time.Second; timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := c.conn.WriteMessage(websocket.BinaryMessage, f.encode())
	if err != nil {
		Logger.Debugf("Write error: %v", err)
	}
	return err
}
