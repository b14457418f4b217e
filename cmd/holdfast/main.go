package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixperk/holdfast/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries what every subcommand shares: the viper instance the
// persistent flags are bound into and the config resolved from it.
type app struct {
	v   *viper.Viper
	cfg config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "holdfast",
		Short:         "replicated lease locks and cluster membership on raft",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	if err := config.BindFlags(root.PersistentFlags(), a.v); err != nil {
		panic(err)
	}

	root.AddCommand(
		newServeCommand(a),
		newAcquireCommand(a),
		newReleaseCommand(a),
		newMembersCommand(a),
		newCounterCommand(a),
		newStatusCommand(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
