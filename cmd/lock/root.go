package lock

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/lockmgr"
	"github.com/ValentinKolb/hKV/rpc/client"
	"github.com/spf13/cobra"
)

var (
	locks lockmgr.ILockManager

	lockTimeout time.Duration
	waitFor     time.Duration
	retryEvery  time.Duration

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Acquire and release locks of a lock shard",
		PersistentPreRunE: setupLockClient,
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Long: util.WrapString("Acquire the lock of key. On success the owner ID is printed, it is needed to release the lock. " +
			"With --wait the command retries until the lock is free or the wait time is over."),
		Args: cobra.ExactArgs(1),
		RunE: runAcquire,
	}

	releaseCmd = &cobra.Command{
		Use:   "release [key] [ownerID]",
		Short: "Release a previously acquired lock",
		Long:  util.WrapString("Release a lock using the key and owner ID. The owner ID is the hex string printed by the acquire command."),
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	LockCommands.AddCommand(acquireCmd, releaseCmd)
	util.SetupRPCClientFlags(LockCommands)
	LockCommands.PersistentFlags().Int("shard", 200, util.WrapString("ID of the lock shard"))

	// "timeout" is the request timeout of the client
	acquireCmd.Flags().DurationVar(&lockTimeout, "lock-timeout", 30*time.Second, util.WrapString("The lock expires after this time (0 for no expiry)"))
	acquireCmd.Flags().DurationVar(&waitFor, "wait", 0, util.WrapString("Keep trying to acquire a held lock for this long"))
	acquireCmd.Flags().DurationVar(&retryEvery, "retry-interval", 100*time.Millisecond, util.WrapString("Pause between two attempts with --wait"))
}

func setupLockClient(cmd *cobra.Command, _ []string) error {
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

	locks, err = client.NewRPCLockMgr(util.GetShardID(), *util.GetClientConfig(), t, s)
	return err
}

// acquire tries to get the lock until it succeeds or the deadline passed
func acquire(key string, deadline time.Time) (bool, []byte, error) {
	for {
		ok, owner, err := locks.AcquireLock(key, lockTimeout)
		if err != nil || ok || !time.Now().Add(retryEvery).Before(deadline) {
			return ok, owner, err
		}
		time.Sleep(retryEvery)
	}
}

func runAcquire(_ *cobra.Command, args []string) error {
	ok, owner, err := acquire(args[0], time.Now().Add(waitFor))
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		fmt.Println("acquired=false")
		return nil
	}
	fmt.Printf("acquired=true, ownerId=%s\n", hex.EncodeToString(owner))
	return nil
}

func runRelease(_ *cobra.Command, args []string) error {
	owner, err := hex.DecodeString(args[1])
	if err != nil {
		return fmt.Errorf("invalid owner ID format: %w", err)
	}

	released, err := locks.ReleaseLock(args[0], owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Printf("released=%v\n", released)
	return nil
}
