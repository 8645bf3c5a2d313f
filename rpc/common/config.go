package common

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch"
	"github.com/ValentinKolb/hKV/lib/db/engines/maple"
)

// --------------------------------------------------------------------------
// helper functions to configure the storage engine (for the server util)
// --------------------------------------------------------------------------

// ToLarchOptions converts the engine configuration to the options of the database of a shard.
// Every shard gets its own subdirectory of DataDir.
func (c *ServerConfig) ToLarchOptions(shardID uint64, hook db.MutationHook) *larch.DBOptions {
	opts := larch.DefaultOptions()
	e := c.Engine

	opts.Name = fmt.Sprintf("shard-%d", shardID)
	if e.DataDir != "" {
		opts.DataDir = filepath.Join(e.DataDir, opts.Name)
	}
	if e.IndexBuckets > 0 {
		opts.IndexBuckets = e.IndexBuckets
	}
	opts.AutoGrowIndex = !e.NoAutoGrow
	if e.PageBits > 0 {
		opts.PageBits = e.PageBits
	}
	if e.MemoryPages > 0 {
		opts.MemoryPages = e.MemoryPages
	}
	if e.PageCacheSize > 0 {
		opts.PageCacheSize = e.PageCacheSize
	}
	if e.MaxRetries > 0 {
		opts.MaxRetries = e.MaxRetries
	}
	opts.CheckpointInterval = time.Duration(e.CheckpointIntervalSec) * time.Second
	opts.CheckpointLogBytes = e.CheckpointLogBytes
	if e.CheckpointRetention > 0 {
		opts.CheckpointRetention = e.CheckpointRetention
	}
	opts.Recover = e.Recover
	opts.RecoverToken = e.RecoverTokens[shardID]
	opts.Hook = hook
	opts.OnCheckpoint = func(info larch.CheckpointInfo) {
		Logger.Infof("shard %d: checkpoint %s (version %d, %d index entries) took %s",
			shardID, info.Token, info.Version, info.IndexEntries, info.Duration)
	}
	return opts
}

// ToMapleOptions converts the engine configuration to the options of an in-memory shard
func (c *ServerConfig) ToMapleOptions(hook db.MutationHook) *maple.DBOptions {
	opts := maple.DefaultOptions()
	opts.Hook = hook
	return opts
}

// ParseEngine returns the storage engine for its name
func ParseEngine(s string) (db.Implementation, error) {
	switch impl := db.Implementation(strings.ToLower(strings.TrimSpace(s))); impl {
	case db.ImplLarch, db.ImplMaple:
		return impl, nil
	case "":
		return db.ImplLarch, nil
	default:
		return "", fmt.Errorf("invalid engine %q (must be larch or maple)", s)
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type ServerShardType string

const (
	ShardTypeLocalIStore       ServerShardType = "lstore"
	ShardTypeLocalILockManager ServerShardType = "lockmgr"
	ShardTypePubSub            ServerShardType = "pubsub"
)

// ParseShardType returns the shard type for its name
func ParseShardType(s string) (ServerShardType, error) {
	switch t := ServerShardType(strings.ToLower(strings.TrimSpace(s))); t {
	case ShardTypeLocalIStore, ShardTypeLocalILockManager, ShardTypePubSub:
		return t, nil
	default:
		return "", fmt.Errorf("invalid shard type %q (must be lstore, lockmgr or pubsub)", s)
	}
}

type ServerShard struct {
	// ShardID is the ID of the shard
	ShardID uint64
	// Type decides which adapter serves the shard
	Type ServerShardType
}

// SocketConf holds the socket options shared by tcp and unix connections
type SocketConf struct {
	WriteBufferSize int // socket write buffer in bytes (0 = os default)
	ReadBufferSize  int // socket read buffer in bytes (0 = os default)
}

// TCPConf holds the options of tcp connections
type TCPConf struct {
	TCPNoDelay      bool // disable Nagle's algorithm
	TCPKeepAliveSec int  // keep-alive period, 0 disables keep-alive
	TCPLingerSec    int  // SO_LINGER in seconds, 0 keeps the os default
}

// ServerTransportConfig configures the server side of a transport
type ServerTransportConfig struct {
	SocketConf
	TCPConf

	// Endpoint is the address (tcp, http, ws) or socket path (unix) to listen on
	Endpoint string
	// BufferSize is the size of the pooled read buffers of the socket transports
	BufferSize int
	// WorkersPerConn limits the requests handled concurrently per connection
	WorkersPerConn int
}

// EngineConfig holds the storage engine parameters applied to every store shard
type EngineConfig struct {
	Impl                  db.Implementation // engine of the store shards ("" = larch)
	DataDir               string            // base directory ("" = in memory)
	Recover               bool              // recover from DataDir instead of resetting it
	RecoverTokens         map[uint64]string // checkpoint to recover per shard (default: newest)
	IndexBuckets          uint64
	NoAutoGrow            bool
	PageBits              uint
	MemoryPages           uint64
	PageCacheSize         int
	MaxRetries            int
	CheckpointIntervalSec int64
	CheckpointLogBytes    uint64
	CheckpointRetention   int
}

// ServerConfig holds all configuration parameters of a server.
type ServerConfig struct {
	// Shards served by this server
	Shards []ServerShard

	// Storage engine parameters
	Engine EngineConfig

	// Transport settings
	Transport     ServerTransportConfig
	TimeoutSecond int64

	// Pub/Sub: PubSub enables key subscriptions on store shards, PubSubBuffer is the
	// number of events buffered per subscription
	PubSub       bool
	PubSubBuffer int

	// MetricsEndpoint is an extra http address that serves /metrics ("" = off)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orDefault := func(v string) string {
		if v == "" || v == "0" {
			return "default"
		}
		return v
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Connection", strconv.Itoa(max(1, c.Transport.WorkersPerConn)))
	addField("Metrics Endpoint", orDefault(c.MetricsEndpoint))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Shards
	addSection("Shards")
	for _, shard := range c.Shards {
		addField(strconv.FormatUint(shard.ShardID, 10), string(shard.Type))
	}

	// Pub/Sub
	addSection("Pub/Sub")
	addField("Key Subscriptions", strconv.FormatBool(c.PubSub))
	addField("Buffer Per Subscriber", orDefault(strconv.Itoa(c.PubSubBuffer)))

	// Storage
	addSection("Storage Engine")
	if c.Engine.Impl == db.ImplMaple {
		addField("Engine", "maple (in memory)")
		return sb.String()
	}
	addField("Engine", string(db.ImplLarch))
	if c.Engine.DataDir == "" {
		addField("Data Directory", "in memory")
	} else {
		addField("Data Directory", c.Engine.DataDir)
		addField("Recover", strconv.FormatBool(c.Engine.Recover))
		ids := make([]uint64, 0, len(c.Engine.RecoverTokens))
		for id := range c.Engine.RecoverTokens {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			addField(fmt.Sprintf("Recover Shard %d", id), c.Engine.RecoverTokens[id])
		}
	}
	addField("Index Buckets", orDefault(strconv.FormatUint(c.Engine.IndexBuckets, 10)))
	addField("Auto Grow Index", strconv.FormatBool(!c.Engine.NoAutoGrow))
	addField("Page Bits", orDefault(strconv.FormatUint(uint64(c.Engine.PageBits), 10)))
	addField("Memory Pages", orDefault(strconv.FormatUint(c.Engine.MemoryPages, 10)))
	addField("Page Cache Size", orDefault(strconv.Itoa(c.Engine.PageCacheSize)))
	addField("Max Retries", orDefault(strconv.Itoa(c.Engine.MaxRetries)))
	addField("Checkpoint Interval", fmt.Sprintf("%d sec", c.Engine.CheckpointIntervalSec))
	addField("Checkpoint Log Bytes", strconv.FormatUint(c.Engine.CheckpointLogBytes, 10))
	addField("Checkpoint Retention", orDefault(strconv.Itoa(c.Engine.CheckpointRetention)))

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientTransportConfig configures the client side of a transport
type ClientTransportConfig struct {
	SocketConf
	TCPConf

	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
}

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
