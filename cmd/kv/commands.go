package kv

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/spf13/cobra"
)

var (
	upsertCmd = &cobra.Command{
		Use:   "upsert [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcStore.Upsert(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("upsert successfully")
			return nil
		},
	}
	readCmd = &cobra.Command{
		Use:   "read [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			resp, ok, err := rpcStore.Read(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			return nil
		},
	}
	rmwCmd = &cobra.Command{
		Use:   "rmw [key] [operator] [argument]",
		Short: "Atomically updates a key with a merge operator",
		Long: fmt.Sprintf(`Atomically replaces the value of a key with the result of a merge operator.
Builtin operators: %s`, strings.Join(store.MergeOps(), ", ")),
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg []byte
			if len(args) == 3 {
				arg = []byte(args[2])
			}
			resp, err := rpcStore.RMW(args[0], args[1], arg)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, resp=%s\n", args[0], resp)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "delete [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcStore.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Takes a checkpoint of the shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := rpcStore.Checkpoint()
			if err != nil {
				return err
			}
			fmt.Printf("token=%s\n", token)
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints information about the database of the shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rpcStore.GetDBInfo()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
)
