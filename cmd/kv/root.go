package kv

import (
	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcStore store.IStore

	// KeyValueCommands groups the commands of a store shard
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Read and write keys of a store shard",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupRPCClientFlags(KeyValueCommands)
	KeyValueCommands.PersistentFlags().Int("shard", 100, util.WrapString("ID of the store shard"))

	KeyValueCommands.AddCommand(
		upsertCmd, readCmd, rmwCmd, delCmd,
		checkpointCmd, infoCmd, perfTestCmd,
	)
}

// setupKVClient connects the store client used by all kv commands
func setupKVClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}
	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	rpcStore, err = client.NewRPCStore(util.GetShardID(), *util.GetClientConfig(), t, s)
	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if rpcStore == nil {
		return nil
	}
	return rpcStore.Close()
}
