package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixperk/holdfast/pkg/client"
	"github.com/pixperk/holdfast/pkg/config"
	"github.com/pixperk/holdfast/pkg/directory"
	"github.com/pixperk/holdfast/pkg/gateway"
	"github.com/pixperk/holdfast/pkg/membership"
	"github.com/pixperk/holdfast/pkg/raft"
	"github.com/pixperk/holdfast/pkg/server"
	"github.com/pixperk/holdfast/pkg/tracing"
	"github.com/pixperk/holdfast/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// names under which serve exposes its objects in the directory
const (
	dirLocks       = "locks"
	dirMembership  = "membership"
	dirPartitioner = "partitioner"
	dirResources   = "resources"
)

// bounds the deregistration on shutdown when apply-timeout is unlimited
const defaultShutdownTimeout = 5 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run a replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg)
		},
	}
}

// refreshResources reads the host's resources again, publishes them through the
// registry in dir and replaces the directory's resources entry.
func refreshResources(ctx context.Context, dir *directory.Directory, gpus int, labels map[string]string) (types.Resources, error) {
	reg, ok := directory.LookupAs[*membership.Registry](dir, dirMembership)
	if !ok {
		return types.Resources{}, fmt.Errorf("%s: %w", dirMembership, directory.ErrNotFound)
	}

	res, err := membership.DetectResources(ctx, gpus, labels)
	if err != nil {
		return types.Resources{}, err
	}
	if err := reg.Republish(ctx, res); err != nil {
		return types.Resources{}, err
	}
	if err := dir.Replace(dirResources, res); err != nil {
		return types.Resources{}, err
	}
	return res, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := cfg.Logger()

	if cfg.TraceStdout {
		shutdownTracing, err := tracing.Setup(os.Stdout, cfg.NodeID)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn("flush traces", "error", err)
			}
		}()
	}

	rpcAddr, err := server.RPCAddr(cfg.RaftAddr, cfg.RPCPortOffset)
	if err != nil {
		return err
	}

	logger.Info("starting holdfast node",
		"node_id", cfg.NodeID,
		"raft", cfg.RaftAddr,
		"rpc", rpcAddr,
		"http", cfg.HTTPAddr,
		"data", cfg.DataDir,
		"bootstrap", cfg.Bootstrap,
		"auto_unlock_time", cfg.AutoUnlockTime,
	)

	fwd := server.NewRemoteForwarder(cfg.RPCPortOffset, cfg.AuthToken, logger)
	defer fwd.Close()

	node, err := raft.NewNode(&raft.Config{
		NodeID:     cfg.NodeID,
		BindAddr:   cfg.RaftAddr,
		DataDir:    cfg.DataDir,
		InMemory:   cfg.InMemory,
		Bootstrap:  cfg.Bootstrap,
		Peers:      cfg.Peers,
		Namespaces: cfg.Namespaces(),
		Forwarder:  fwd,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}
	defer node.Shutdown()

	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", rpcAddr, err)
	}

	dir := directory.New()
	srv := server.NewServer(node, dir, logger)
	grpcServer := server.NewGRPCServer(srv, cfg.AuthToken)

	locks, err := client.New(ctx, node, client.Options{
		Namespace:     types.NamespaceLocks,
		RenewInterval: cfg.RenewInterval,
		SafetyMargin:  cfg.SafetyMargin,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer locks.Close()

	hosts, err := client.New(ctx, node, client.Options{
		Namespace:     types.NamespaceHosts,
		RenewInterval: cfg.RenewInterval,
		SafetyMargin:  cfg.SafetyMargin,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer hosts.Close()

	res, err := membership.DetectResources(ctx, cfg.GPUs, cfg.Labels)
	if err != nil {
		return err
	}
	registry := membership.NewRegistry(hosts, membership.RegistryOptions{
		Identity:  cfg.NodeID,
		Resources: res,
		Logger:    logger,
	})
	partitioner := membership.NewPartitioner(hosts, cfg.NodeID, cfg.AutoUnlockTime/4)

	for name, obj := range map[string]any{
		dirLocks:       locks,
		dirMembership:  registry,
		dirPartitioner: partitioner,
		dirResources:   res,
	} {
		if err := dir.Register(name, obj); err != nil {
			return err
		}
	}
	dir.Seal()

	var gw *gateway.Server
	if cfg.HTTPAddr != "" {
		gw = gateway.NewServer(cfg.HTTPAddr, srv, registry.Members, logger)
	}

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("grpc server listening", "addr", rpcAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if gw != nil {
		eg.Go(func() error { return gw.Start(gctx) })
	}

	eg.Go(func() error { return registry.Run(gctx) })

	eg.Go(func() error {
		err := partitioner.Watch(gctx, func(as membership.Assignment) {
			logger.Info("partition assignment changed", "ordinal", as.Ordinal, "size", as.Size)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	eg.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
			}
			res, err := refreshResources(gctx, dir, cfg.GPUs, cfg.Labels)
			if err != nil {
				logger.Warn("republish resources", "error", err)
				continue
			}
			logger.Info("resources republished", "cpus", res.CPUs, "memory_bytes", res.MemoryBytes, "gpus", res.GPUs)
		}
	})

	eg.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		if gw != nil {
			if err := gw.Stop(context.Background()); err != nil {
				logger.Warn("stop http gateway", "error", err)
			}
		}
		grpcServer.GracefulStop()
		return nil
	})

	logger.Info("holdfast is ready")
	runErr := eg.Wait()

	//leave the cluster while the log is still reachable
	timeout := cfg.ApplyTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := registry.Close(closeCtx); err != nil {
		logger.Warn("deregister", "error", err)
	}

	logger.Info("shutdown complete")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
