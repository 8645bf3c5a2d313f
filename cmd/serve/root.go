package serve

import (
	"fmt"
	"strconv"
	"strings"

	cmdUtil "github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the hKV server",
		Long: `Start the hKV server with the specified configuration. The configuration can be set via command line flags or environment variables.
The format of the environment variables is HKV_<flag> (e.g. HKV_DATA_DIR=/var/lib/hkv)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	flags := ServeCmd.PersistentFlags()

	// shards and transport
	flags.String("shards", "100=lstore,200=lockmgr,300=pubsub", cmdUtil.WrapString("Comma-separated list of shards to serve. Format: ID=TYPE where TYPE is one of: lstore, lockmgr, pubsub"))
	flags.String("endpoint", "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080, /tmp/hkv.sock, ...)"))
	flags.Int64("timeout", 5, cmdUtil.WrapString("Timeout in seconds for reading and writing requests"))
	flags.Int("buffer-size", 0, cmdUtil.WrapString("Size of the read buffers of the tcp and unix transports in KB (0 = transport default)"))
	flags.Int("workers-per-conn", 0, cmdUtil.WrapString("Requests handled concurrently per connection (0 = transport default)"))
	flags.Bool("tcp-nodelay", true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))
	flags.Int("tcp-keepalive", 0, cmdUtil.WrapString("The keepalive interval in seconds (only for tcp)"))
	flags.Int("tcp-linger", 0, cmdUtil.WrapString("The linger time in seconds (only for tcp, 0 keeps the os default)"))

	// storage engine
	flags.String("engine", "larch", cmdUtil.WrapString("Storage engine of the store shards: larch (hybrid log, checkpoints) or maple (in memory only)"))
	flags.String("data-dir", "", cmdUtil.WrapString("Directory of the logs and checkpoints, every shard uses a subdirectory. Empty keeps all data in memory"))
	flags.Bool("recover", false, cmdUtil.WrapString("Recover the shards from the newest checkpoint in data-dir. Without this flag existing data is removed"))
	flags.String("recover-tokens", "", cmdUtil.WrapString("Recover specific checkpoints. Format: ID=TOKEN,... (shards without a token use the newest checkpoint)"))
	flags.Uint64("index-buckets", 0, cmdUtil.WrapString("Initial number of hash index buckets per shard (0 = engine default)"))
	flags.Bool("no-auto-grow", false, cmdUtil.WrapString("Disable automatic growth of the hash index"))
	flags.Uint("page-bits", 0, cmdUtil.WrapString("log2 of the log page size (0 = engine default, 1 MiB pages)"))
	flags.Uint64("memory-pages", 0, cmdUtil.WrapString("Number of log pages kept in memory (0 = engine default)"))
	flags.Int("page-cache", 0, cmdUtil.WrapString("Number of evicted pages kept in the read cache (0 = engine default)"))
	flags.Int("max-retries", 0, cmdUtil.WrapString("Optimistic conflicts tolerated per operation (0 = engine default)"))
	flags.Int64("checkpoint-interval", 0, cmdUtil.WrapString("Take a checkpoint every n seconds (0 = off)"))
	flags.Uint64("checkpoint-log-bytes", 0, cmdUtil.WrapString("Take a checkpoint after n bytes were appended to the log (0 = off)"))
	flags.Int("checkpoint-retention", 0, cmdUtil.WrapString("Number of complete checkpoints kept per shard (0 = engine default)"))

	// pub/sub, metrics, logging
	flags.Bool("pubsub", true, cmdUtil.WrapString("Enable key subscriptions on store shards (needs the ws transport)"))
	flags.Int("pubsub-buffer", 0, cmdUtil.WrapString("Events buffered per subscription before events are dropped (0 = default)"))
	flags.String("metrics-endpoint", "", cmdUtil.WrapString("Extra http address that serves /metrics (the http and ws transports always serve /metrics)"))
	flags.String("log-level", "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	shards, err := parseShards(viper.GetString("shards"))
	if err != nil {
		return err
	}
	tokens, err := parseRecoverTokens(viper.GetString("recover-tokens"))
	if err != nil {
		return err
	}

	serveCmdConfig.Shards = shards
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.PubSub = viper.GetBool("pubsub")
	serveCmdConfig.PubSubBuffer = viper.GetInt("pubsub-buffer")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")

	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		BufferSize:     viper.GetInt("buffer-size") * 1024,
		WorkersPerConn: viper.GetInt("workers-per-conn"),
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("tcp-linger"),
		},
	}

	impl, err := common.ParseEngine(viper.GetString("engine"))
	if err != nil {
		return err
	}

	serveCmdConfig.Engine = common.EngineConfig{
		Impl:                  impl,
		DataDir:               viper.GetString("data-dir"),
		Recover:               viper.GetBool("recover"),
		RecoverTokens:         tokens,
		IndexBuckets:          viper.GetUint64("index-buckets"),
		NoAutoGrow:            viper.GetBool("no-auto-grow"),
		PageBits:              viper.GetUint("page-bits"),
		MemoryPages:           viper.GetUint64("memory-pages"),
		PageCacheSize:         viper.GetInt("page-cache"),
		MaxRetries:            viper.GetInt("max-retries"),
		CheckpointIntervalSec: viper.GetInt64("checkpoint-interval"),
		CheckpointLogBytes:    viper.GetUint64("checkpoint-log-bytes"),
		CheckpointRetention:   viper.GetInt("checkpoint-retention"),
	}

	if serveCmdConfig.Engine.Recover && serveCmdConfig.Engine.DataDir == "" {
		return fmt.Errorf("--recover needs a --data-dir")
	}
	if impl == db.ImplMaple && serveCmdConfig.Engine.DataDir != "" {
		return fmt.Errorf("the maple engine keeps all data in memory, --data-dir is not supported")
	}
	return nil
}

// parseShards parses a shard list in the format ID=TYPE,...
func parseShards(s string) ([]common.ServerShard, error) {
	var shards []common.ServerShard
	seen := make(map[uint64]bool)
	for _, shardConfig := range cmdUtil.SplitList(s) {
		id, typ, ok := strings.Cut(shardConfig, "=")
		if !ok {
			return nil, fmt.Errorf("invalid shard format: %s (expected ID=TYPE)", shardConfig)
		}

		shardID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard ID %s: %v", id, err)
		}
		if seen[shardID] {
			return nil, fmt.Errorf("shard ID %d is used twice", shardID)
		}
		seen[shardID] = true

		shardType, err := common.ParseShardType(typ)
		if err != nil {
			return nil, err
		}

		shards = append(shards, common.ServerShard{ShardID: shardID, Type: shardType})
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards configured")
	}
	return shards, nil
}

// parseRecoverTokens parses a list of checkpoint tokens in the format ID=TOKEN,...
func parseRecoverTokens(s string) (map[uint64]string, error) {
	tokens := make(map[uint64]string)
	for _, entry := range cmdUtil.SplitList(s) {
		id, token, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("invalid recover token: %s (expected ID=TOKEN)", entry)
		}
		shardID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shard ID %s: %v", id, err)
		}
		tokens[shardID] = strings.TrimSpace(token)
	}
	return tokens, nil
}

// run starts the hKV server
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
	)

	return serv.Serve()
}
