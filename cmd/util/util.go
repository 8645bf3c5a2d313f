package util

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/hKV/rpc/common"
	"github.com/ValentinKolb/hKV/rpc/serializer"
	"github.com/ValentinKolb/hKV/rpc/transport"
	"github.com/ValentinKolb/hKV/rpc/transport/http"
	"github.com/ValentinKolb/hKV/rpc/transport/tcp"
	"github.com/ValentinKolb/hKV/rpc/transport/unix"
	"github.com/ValentinKolb/hKV/rpc/transport/ws"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (HKV_<FLAG>)
	EnvPrefix = "hkv"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.Int("timeout", 10, WrapString("The timeout in seconds of the client"))
	f.String("transport-endpoints", "localhost:8080", WrapString("The address of the hKV server. For transports that support load balancing, multiple endpoints can be specified as a comma-separated list"))
	f.Int("transport-conn-per-endpoint", 1, WrapString("Simultaneous connections per endpoint (tcp and unix)"))
	f.Int("transport-retries", 3, WrapString("How many times a failed request is retried"))
	f.Int("transport-write-buffer", 0, WrapString("Write buffer size in KB (0 uses the default of the transport, ignored for http)"))
	f.Int("transport-read-buffer", 0, WrapString("Read buffer size in KB (0 uses the default of the transport, ignored for http)"))
	f.Bool("transport-tcp-nodelay", true, WrapString("Set TCP_NODELAY on tcp connections"))
	f.Int("transport-tcp-keepalive", 0, WrapString("Keepalive interval of tcp connections in seconds"))
	f.Int("transport-tcp-linger", 0, WrapString("Linger time of tcp connections in seconds (0 keeps the os default)"))
}

// InitConfig loads .env files and binds environment variables (HKV_<FLAG>, '-' becomes '_')
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		TimeoutSecond: viper.GetInt("timeout"),
		Transport: common.ClientTransportConfig{
			RetryCount:             viper.GetInt("transport-retries"),
			Endpoints:              SplitList(viper.GetString("transport-endpoints")),
			ConnectionsPerEndpoint: viper.GetInt("transport-conn-per-endpoint"),
			SocketConf: common.SocketConf{
				WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
			},
			TCPConf: common.TCPConf{
				TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
				TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			},
		},
	}
}

// SplitList splits a comma-separated list and drops empty entries
func SplitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.New(viper.GetString("serializer"))
}

// transports maps the --transport names to their constructors
var transports = map[string]struct {
	client func() transport.IRPCClientTransport
	server func() transport.IRPCServerTransport
}{
	"http": {http.NewHttpClientTransport, http.NewHttpServerTransport},
	"tcp":  {tcp.NewTCPClientTransport, tcp.NewTCPServerTransport},
	"unix": {unix.NewUnixClientTransport, unix.NewUnixServerTransport},
	"ws":   {newWsClient, newWsServer},
}

func newWsClient() transport.IRPCClientTransport { return ws.NewWsClientTransport() }
func newWsServer() transport.IRPCServerTransport { return ws.NewWsServerTransport() }

// TransportNames returns the valid values of --transport, sorted
func TransportNames() []string {
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetTransport creates the client transport based on configuration
func GetTransport() (transport.IRPCClientTransport, error) {
	name := viper.GetString("transport")
	if t, ok := transports[name]; ok {
		return t.client(), nil
	}
	return nil, fmt.Errorf("invalid transport %q, must be one of %s", name, strings.Join(TransportNames(), ", "))
}

// GetServerTransport creates the server transport based on configuration
func GetServerTransport() (transport.IRPCServerTransport, error) {
	name := viper.GetString("transport")
	if t, ok := transports[name]; ok {
		return t.server(), nil
	}
	return nil, fmt.Errorf("invalid transport %q, must be one of %s", name, strings.Join(TransportNames(), ", "))
}

// GetShardID retrieves the configured shard ID
func GetShardID() uint64 {
	return viper.GetUint64("shard")
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
