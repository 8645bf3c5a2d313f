package sub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/pubsub"
	"github.com/ValentinKolb/hKV/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcPubSub *client.RPCPubSub

	// SubCommands represents the pub/sub command group
	SubCommands = &cobra.Command{
		Use:                "sub",
		Short:              "Watch keys, subscribe to topics and publish messages",
		Long:               "Subscriptions need the ws transport. Key subscriptions are served by store shards (default 100), topics by pubsub shards (default 300).",
		PersistentPreRunE:  setupPubSubClient,
		PersistentPostRunE: closePubSubClient,
	}

	keyCmd = &cobra.Command{
		Use:   "key [key]",
		Short: "Prints every mutation of a key until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(func(ctx context.Context, fn client.EventHandler) error {
				return rpcPubSub.Subscribe(ctx, args[0], fn)
			})
		},
	}
	prefixCmd = &cobra.Command{
		Use:   "prefix [prefix]",
		Short: "Prints every mutation of the keys starting with prefix until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(func(ctx context.Context, fn client.EventHandler) error {
				return rpcPubSub.PSubscribe(ctx, args[0], fn)
			})
		},
	}
	topicCmd = &cobra.Command{
		Use:   "topic [topic]",
		Short: "Prints every message published on a topic until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(func(ctx context.Context, fn client.EventHandler) error {
				return rpcPubSub.Subscribe(ctx, args[0], fn)
			})
		},
	}
	publishCmd = &cobra.Command{
		Use:   "publish [topic] [message]",
		Short: "Publishes a message on a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rpcPubSub.Publish(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("published=true, receivers=%d\n", n)
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupRPCClientFlags(SubCommands)
	SubCommands.PersistentFlags().Int("shard", 0, util.WrapString("ID of the shard to connect to (default 100 for key and prefix, 300 for topic and publish)"))

	SubCommands.AddCommand(keyCmd)
	SubCommands.AddCommand(prefixCmd)
	SubCommands.AddCommand(topicCmd)
	SubCommands.AddCommand(publishCmd)
}

// defaultShard is the shard of a sub command if --shard is not set
func defaultShard(cmd *cobra.Command) uint64 {
	switch cmd {
	case topicCmd, publishCmd:
		return 300
	default:
		return 100
	}
}

func setupPubSubClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	shardId := util.GetShardID()
	if shardId == 0 {
		shardId = defaultShard(cmd)
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}
	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	rpcPubSub, err = client.NewRPCPubSub(shardId, *util.GetClientConfig(), t, s)
	return err
}

func closePubSubClient(_ *cobra.Command, _ []string) error {
	if rpcPubSub == nil {
		return nil
	}
	return rpcPubSub.Close()
}

// watch prints the events of a subscription until SIGINT / SIGTERM
func watch(subscribe func(ctx context.Context, fn client.EventHandler) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := subscribe(ctx, func(ev pubsub.Event) error {
		switch ev.Kind {
		case pubsub.EventDelete:
			fmt.Printf("%s key=%s address=%d\n", ev.Kind, ev.Key, ev.Address)
		case pubsub.EventPublish:
			fmt.Printf("%s topic=%s message=%s\n", ev.Kind, ev.Key, ev.Value)
		default:
			fmt.Printf("%s key=%s value=%s address=%d\n", ev.Kind, ev.Key, ev.Value, ev.Address)
		}
		return nil
	})
	if errors.Is(err, client.ErrStreamsUnsupported) {
		return fmt.Errorf("%w (use --transport ws)", err)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
