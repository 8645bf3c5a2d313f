package cmd

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/ValentinKolb/hKV/cmd/kv"
	"github.com/ValentinKolb/hKV/cmd/lock"
	"github.com/ValentinKolb/hKV/cmd/serve"
	"github.com/ValentinKolb/hKV/cmd/sub"
	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/rpc/serializer"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "hkv",
		Short: "hybrid-log key-value store",
		Long: fmt.Sprintf(`hKV (v%s)

A key-value store built on a hybrid log: recent records are updated in place
in memory, older records are appended and read from disk. Supports atomic
read-modify-write, checkpoints with recovery, locks and key subscriptions.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hKV v%s (%s, %s/%s)\n", Version, goVersion(), runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(sub.SubCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use ("+strings.Join(serializer.Names(), ", ")+")"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use ("+strings.Join(util.TransportNames(), ", ")+")"))
}

func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return runtime.Version()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
