package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/pixperk/holdfast/pkg/client"
	"github.com/pixperk/holdfast/pkg/config"
	"github.com/pixperk/holdfast/pkg/fsm"
	"github.com/pixperk/holdfast/pkg/server"
	"github.com/pixperk/holdfast/pkg/types"
	"github.com/spf13/cobra"
)

const (
	leaderRetryDelay   = 100 * time.Millisecond
	leaderCheckTimeout = time.Second
)

// remote submits commands to a running cluster through the replica at
// cfg.RaftAddr, the same path a follower uses to reach its leader. It
// implements client.Applier.
type remote struct {
	cfg config.Config
	fwd *server.RemoteForwarder
}

func newRemote(cfg config.Config) *remote {
	return &remote{
		cfg: cfg,
		fwd: server.NewRemoteForwarder(cfg.RPCPortOffset, cfg.AuthToken, cfg.Logger()),
	}
}

var _ client.Applier = (*remote)(nil)

func (r *remote) Close() error {
	return r.fwd.Close()
}

// bounds ctx by apply-timeout unless it is unlimited
func (r *remote) context(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.ApplyTimeout == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.ApplyTimeout)
}

func (r *remote) Apply(ctx context.Context, cmd types.Command) (any, error) {
	data, err := types.Encode(cmd)
	if err != nil {
		return nil, err
	}

	for {
		st, err := r.fwd.Status(ctx, r.cfg.RaftAddr)
		if err != nil {
			return nil, err
		}

		if st.LeaderAddress != "" {
			out, err := r.fwd.Forward(ctx, hraft.ServerID(st.LeaderID), hraft.ServerAddress(st.LeaderAddress), data)
			if err == nil {
				return fsm.DecodeResponse(cmd.Type(), out)
			}
			retry := errors.Is(err, types.ErrNotLeader) ||
				(errors.Is(err, types.ErrLeaderUnreachable) && cmd.Type().Idempotent())
			if !retry {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", types.ErrNoLeader, ctx.Err())
		case <-time.After(leaderRetryDelay):
		}
	}
}

// LeaderKnown asks the replica whether it currently sees a leader.
func (r *remote) LeaderKnown() bool {
	ctx, cancel := context.WithTimeout(context.Background(), leaderCheckTimeout)
	defer cancel()

	st, err := r.fwd.Status(ctx, r.cfg.RaftAddr)
	return err == nil && st.LeaderAddress != ""
}

func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:cli", host, os.Getpid())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAcquireCommand(a *app) *cobra.Command {
	var (
		clientID string
		hold     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "acquire <path>",
		Short: "acquire a lock, optionally holding it for a while",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r := newRemote(a.cfg)
			defer r.Close()

			//the same client a replica runs: safety margin, renewal daemon
			c, err := client.NewRemote(ctx, r, client.Options{
				Namespace:      types.NamespaceLocks,
				SelfID:         clientID,
				AutoUnlockTime: a.cfg.AutoUnlockTime,
				RenewInterval:  a.cfg.RenewInterval,
				SafetyMargin:   a.cfg.SafetyMargin,
				Logger:         a.cfg.Logger(),
			})
			if err != nil {
				return err
			}
			defer c.Close()

			actx, cancel := r.context(ctx)
			ok, err := c.TryAcquire(actx, args[0])
			cancel()
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(cmd.OutOrStdout(), map[string]any{"path": args[0], "acquired": false})
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]any{"path": args[0], "acquired": true, "client_id": clientID}); err != nil {
				return err
			}
			if hold <= 0 {
				return nil
			}

			select {
			case <-ctx.Done():
			case <-time.After(hold):
			}
			rctx, cancel := r.context(context.WithoutCancel(ctx))
			defer cancel()
			return c.Release(rctx, args[0])
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", defaultClientID(), "holder identity")
	cmd.Flags().DurationVar(&hold, "hold", 0, "keep the lease renewed this long, then release it (0 leaves it to expire)")
	return cmd
}

func newReleaseCommand(a *app) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "release <path>",
		Short: "release a lock held by client-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRemote(a.cfg)
			defer r.Close()

			rctx, cancel := r.context(cmd.Context())
			defer cancel()
			result, err := r.Apply(rctx, types.ReleaseCmd{Namespace: types.NamespaceLocks, Path: args[0], ClientID: clientID})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"path": args[0], "released": result.(fsm.ReleaseResponse).Released})
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "holder identity used to acquire")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func newCounterCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter [inc|reset]",
		Short: "read, increment or reset the replicated counter",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRemote(a.cfg)
			defer r.Close()

			ctx, cancel := r.context(cmd.Context())
			defer cancel()

			var c types.Command
			switch {
			case len(args) == 0:
				st, err := r.fwd.Status(ctx, a.cfg.RaftAddr)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"value": st.Counter})
			case args[0] == "inc":
				c = types.IncCounterCmd{}
			case args[0] == "reset":
				c = types.ResetCounterCmd{}
			default:
				return fmt.Errorf("unknown counter action %q", args[0])
			}

			result, err := r.Apply(ctx, c)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"value": result.(fsm.CounterResponse).Value})
		},
	}
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show a replica's view of the cluster and what it exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRemote(a.cfg)
			defer r.Close()

			ctx, cancel := r.context(cmd.Context())
			defer cancel()

			st, err := r.fwd.Status(ctx, a.cfg.RaftAddr)
			if err != nil {
				return err
			}
			names, err := r.fwd.Directory(ctx, a.cfg.RaftAddr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*server.StatusResponse
				Directory []string `json:"directory"`
			}{st, names})
		},
	}
}

// members reads the gateway, the only surface that serves the member list
func newMembersCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "list live cluster members and their resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.HTTPAddr == "" {
				return fmt.Errorf("%s required", config.KeyHTTPAddr)
			}
			r := &remote{cfg: a.cfg}
			ctx, cancel := r.context(cmd.Context())
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+a.cfg.HTTPAddr+"/members", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("members: %s", resp.Status)
			}

			var members []fsm.Member
			if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
				return fmt.Errorf("decode members: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), members)
		},
	}
}
