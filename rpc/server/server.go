package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch"
	"github.com/ValentinKolb/hKV/lib/db/engines/maple"
	"github.com/ValentinKolb/hKV/lib/pubsub"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/lib/store/lstore"
	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/serializer"
	"github.com/ValentinKolb/hKV/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("rpc")

// ShutdownTimeout bounds the graceful shutdown after SIGINT / SIGTERM
const ShutdownTimeout = 10 * time.Second

var registerMetrics sync.Once

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, IRPCServerAdapter](),
	}
}

// RPCServer routes the requests of a transport to the adapters of its shards.
//
// Thread-safety: Serve must be called once. Shutdown can be called from any goroutine.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, IRPCServerAdapter]

	metricsServer *http.Server
	shutdownOnce  sync.Once
	shutdownErr   error
}

// --------------------------------------------------------------------------
// Setup
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}

	registerMetrics.Do(func() {
		transport.RegisterMetricsWriter(larch.WritePrometheus)
		transport.RegisterMetricsWriter(pubsub.WritePrometheus)
	})

	// CREATE SHARDS

	/*
		Note: A single RPC Server can have any number of shards. Every store and lock
		shard owns a database, key subscriptions of a store shard are fed by the
		mutation hook of its database.
	*/

	for _, shardConfig := range s.config.Shards {
		adapter, err := s.newShard(shardConfig)
		if err != nil {
			return multierr.Append(fmt.Errorf("shard %d: %w", shardConfig.ShardID, err), s.closeShards())
		}
		if _, loaded := s.shards.LoadOrStore(shardConfig.ShardID, adapter); loaded {
			return multierr.Combine(
				fmt.Errorf("shard %d is configured twice", shardConfig.ShardID),
				adapter.Close(),
				s.closeShards(),
			)
		}
		Logger.Infof("created %s shard %d", shardConfig.Type, shardConfig.ShardID)
	}

	Logger.Infof("hKV setup completed successfully")

	// Configure the transport layer
	s.transport.RegisterHandler(s.handle)
	if streamTransport, ok := s.transport.(transport.IRPCStreamServerTransport); ok {
		streamTransport.RegisterStreamHandler(s.stream)
	} else if s.config.PubSub {
		Logger.Warningf("the transport does not support streams, subscriptions are unavailable")
	}

	return nil
}

func (s *RPCServer) newShard(shardConfig common.ServerShard) (IRPCServerAdapter, error) {
	id := shardConfig.ShardID
	name := fmt.Sprintf("shard-%d", id)

	switch shardConfig.Type {
	case common.ShardTypeLocalIStore:
		var (
			keys *pubsub.KeyBroker
			hook db.MutationHook
		)
		if s.config.PubSub {
			keys = pubsub.NewKeyBroker(name, s.config.PubSubBuffer)
			hook = keys
		}
		st, err := lstore.NewLocalStore(s.dbFactory(id, hook))
		if err != nil {
			if keys != nil {
				_ = keys.Close()
			}
			return nil, err
		}
		return NewIStoreServerAdapter(st, keys), nil

	case common.ShardTypeLocalILockManager:
		st, err := lstore.NewLocalStore(s.dbFactory(id, nil))
		if err != nil {
			return nil, err
		}
		return NewLockManagerServerAdapter(st), nil

	case common.ShardTypePubSub:
		return NewPubSubServerAdapter(pubsub.NewTopicBroker(name, s.config.PubSubBuffer)), nil

	default:
		return nil, fmt.Errorf("invalid shard type: %s", shardConfig.Type)
	}
}

func (s *RPCServer) dbFactory(shardID uint64, hook db.MutationHook) store.DBFactory {
	return func() (db.KVDB, error) {
		if s.config.Engine.Impl == db.ImplMaple {
			return maple.NewMapleDB(s.config.ToMapleOptions(hook)), nil
		}
		return larch.NewLarchDB(s.config.ToLarchOptions(shardID, hook))
	}
}

// --------------------------------------------------------------------------
// Request handling
// --------------------------------------------------------------------------

// handle is the ServerHandleFunc of the transport
func (s *RPCServer) handle(shardId uint64, req []byte) []byte {
	var (
		msg  common.Message
		resp *common.Message
	)

	if adapter, ok := s.shards.Load(shardId); !ok {
		resp = common.NewErrorResponse(store.RetCInvalidOperation, fmt.Sprintf("shard %d not found", shardId))
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		resp = common.NewErrorResponse(store.RetCInvalidOperation, fmt.Sprintf("failed to deserialize request: %s", err))
	} else if msg.MsgType.IsStream() {
		resp = common.NewErrorResponse(store.RetCUnsupportedOperation, fmt.Sprintf("%s requires a streaming transport", msg.MsgType))
	} else {
		start := time.Now()
		resp = adapter.Handle(&msg)
		observe(msg.MsgType, resp, start)
	}

	data, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		data, _ = s.serializer.Serialize(*common.NewErrorResponse(store.RetCInternalError,
			fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return data
}

// stream is the ServerStreamFunc of streaming transports
func (s *RPCServer) stream(ctx context.Context, shardId uint64, req []byte, send func(resp []byte) error) error {
	adapter, ok := s.shards.Load(shardId)
	if !ok {
		return fmt.Errorf("shard %d not found", shardId)
	}
	streamAdapter, ok := adapter.(IRPCStreamAdapter)
	if !ok {
		return fmt.Errorf("shard %d does not support subscriptions", shardId)
	}

	var msg common.Message
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		return fmt.Errorf("failed to deserialize request: %w", err)
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`hkv_rpc_requests_total{type=%q}`, msg.MsgType)).Inc()

	return streamAdapter.Stream(ctx, &msg, func(event *common.Message) error {
		data, err := s.serializer.Serialize(*event)
		if err != nil {
			return err
		}
		return send(data)
	})
}

// observe records the request metrics of one handled request
func observe(t common.MessageType, resp *common.Message, start time.Time) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`hkv_rpc_requests_total{type=%q}`, t)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`hkv_rpc_request_duration_seconds{type=%q}`, t)).UpdateDuration(start)
	if resp.Err != "" {
		metrics.GetOrCreateCounter(fmt.Sprintf(`hkv_rpc_errors_total{type=%q,code=%q}`, t, store.RetCode(resp.Code))).Inc()
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Serve starts the RPC server
// This function will also initialize the shards, start the metrics endpoint and listen
// on the transport. It blocks until Shutdown is called or SIGINT / SIGTERM is received.
func (s *RPCServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}

	if s.config.MetricsEndpoint != "" {
		s.metricsServer = transport.NewMetricsServer(s.config.MetricsEndpoint)
		go func() {
			Logger.Infof("Serving metrics on %s/metrics", s.config.MetricsEndpoint)
			if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				Logger.Errorf("metrics server failed: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigCh:
			Logger.Infof("Received %s, shutting down", sig)
			ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			_ = s.Shutdown(ctx)
		case <-done:
		}
	}()

	err := s.transport.Listen(s.config)
	if err != nil {
		return multierr.Append(err, s.Shutdown(context.Background()))
	}
	return s.Shutdown(context.Background())
}

// Shutdown stops the transport and the metrics endpoint and closes all shards.
// Calling Shutdown more than once returns the result of the first call.
func (s *RPCServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		err := s.transport.Shutdown(ctx)
		if s.metricsServer != nil {
			err = multierr.Append(err, s.metricsServer.Shutdown(ctx))
		}
		s.shutdownErr = multierr.Append(err, s.closeShards())
		Logger.Infof("RPC Server stopped")
	})
	return s.shutdownErr
}

func (s *RPCServer) closeShards() error {
	var err error
	s.shards.Range(func(id uint64, adapter IRPCServerAdapter) bool {
		if closeErr := adapter.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("closing shard %d: %w", id, closeErr))
		}
		return true
	})
	s.shards.Clear()
	return err
}
