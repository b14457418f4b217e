package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/holdfast/pkg/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. HOLDFAST_RAFT_ADDR.
const EnvPrefix = "HOLDFAST"

// configuration keys, shared by flags, env and config files
const (
	KeyConfig         = "config"
	KeyNodeID         = "node-id"
	KeyRaftAddr       = "raft-addr"
	KeyPeers          = "peers"
	KeyRPCPortOffset  = "rpc-port-offset"
	KeyHTTPAddr       = "http-addr"
	KeyDataDir        = "data-dir"
	KeyBootstrap      = "bootstrap"
	KeyInMemory       = "in-memory"
	KeyAutoUnlockTime = "auto-unlock-time"
	KeyRenewInterval  = "renew-interval"
	KeySafetyMargin   = "safety-margin"
	KeyApplyTimeout   = "apply-timeout"
	KeyAuthToken      = "auth-token"
	KeyGPUs           = "gpus"
	KeyLabels         = "labels"
	KeyLogLevel       = "log-level"
	KeyTraceStdout    = "trace-stdout"
)

type Config struct {
	NodeID        string
	RaftAddr      string
	Peers         []string
	RPCPortOffset int
	HTTPAddr      string
	DataDir       string
	Bootstrap     bool
	InMemory      bool

	AutoUnlockTime time.Duration
	RenewInterval  time.Duration //zero = AutoUnlockTime/4
	SafetyMargin   time.Duration //zero = AutoUnlockTime/2
	ApplyTimeout   time.Duration //zero = wait for the log indefinitely

	AuthToken string
	GPUs      int
	Labels    map[string]string

	LogLevel    string
	TraceStdout bool
}

func Default() Config {
	return Config{
		RaftAddr:       "127.0.0.1:7000",
		RPCPortOffset:  1000,
		HTTPAddr:       "127.0.0.1:9090",
		DataDir:        "./data",
		AutoUnlockTime: 5 * time.Second,
		ApplyTimeout:   10 * time.Second,
		LogLevel:       "info",
	}
}

// BindFlags defines the node flags on fs and binds them into v together
// with their HOLDFAST_ environment variables.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := Default()

	fs.String(KeyConfig, "", "path to a config file (yaml, toml or json)")
	fs.String(KeyNodeID, "", "node identity, defaults to the raft address")
	fs.String(KeyRaftAddr, d.RaftAddr, "raft bind address")
	fs.StringSlice(KeyPeers, nil, "raft addresses of the other nodes")
	fs.Int(KeyRPCPortOffset, d.RPCPortOffset, "gRPC port = raft port + offset")
	fs.String(KeyHTTPAddr, d.HTTPAddr, "metrics and status listen address, empty to disable")
	fs.String(KeyDataDir, d.DataDir, "raft data directory")
	fs.Bool(KeyBootstrap, false, "bootstrap the cluster from the peer list on first start")
	fs.Bool(KeyInMemory, false, "keep raft state in memory only")
	fs.Duration(KeyAutoUnlockTime, d.AutoUnlockTime, "lease lifetime without renewal")
	fs.Duration(KeyRenewInterval, 0, "gap between lease renewals (default auto-unlock-time/4)")
	fs.Duration(KeySafetyMargin, 0, "max acquire latency before an acquire is given back (default auto-unlock-time/2)")
	fs.Duration(KeyApplyTimeout, d.ApplyTimeout, "how long commands wait for the cluster, 0 waits forever")
	fs.String(KeyAuthToken, "", "shared token required on the replica gRPC service")
	fs.Int(KeyGPUs, 0, "accelerators advertised by this node")
	fs.StringToString(KeyLabels, nil, "labels advertised by this node")
	fs.String(KeyLogLevel, d.LogLevel, "log level: trace, debug, info, warn, error")
	fs.Bool(KeyTraceStdout, false, "print otel spans to stdout")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v.BindPFlags(fs)
}

// Load reads the optional config file named by the config key, then
// resolves every key through v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString(KeyConfig)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := Config{
		NodeID:         strings.TrimSpace(v.GetString(KeyNodeID)),
		RaftAddr:       strings.TrimSpace(v.GetString(KeyRaftAddr)),
		Peers:          cleanList(v.GetStringSlice(KeyPeers)),
		RPCPortOffset:  v.GetInt(KeyRPCPortOffset),
		HTTPAddr:       strings.TrimSpace(v.GetString(KeyHTTPAddr)),
		DataDir:        strings.TrimSpace(v.GetString(KeyDataDir)),
		Bootstrap:      v.GetBool(KeyBootstrap),
		InMemory:       v.GetBool(KeyInMemory),
		AutoUnlockTime: v.GetDuration(KeyAutoUnlockTime),
		RenewInterval:  v.GetDuration(KeyRenewInterval),
		SafetyMargin:   v.GetDuration(KeySafetyMargin),
		ApplyTimeout:   v.GetDuration(KeyApplyTimeout),
		AuthToken:      v.GetString(KeyAuthToken),
		GPUs:           v.GetInt(KeyGPUs),
		Labels:         v.GetStringMapString(KeyLabels),
		LogLevel:       strings.TrimSpace(v.GetString(KeyLogLevel)),
		TraceStdout:    v.GetBool(KeyTraceStdout),
	}
	if cfg.NodeID == "" {
		cfg.NodeID = cfg.RaftAddr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// comma separated env values arrive as one element
func cleanList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.RaftAddr); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyRaftAddr, err))
	}
	for _, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeyPeers, err))
		}
	}
	if c.RPCPortOffset == 0 {
		errs = append(errs, fmt.Errorf("%s must not be zero, gRPC and raft cannot share a port", KeyRPCPortOffset))
	}
	if !c.InMemory && c.DataDir == "" {
		errs = append(errs, fmt.Errorf("%s required unless %s is set", KeyDataDir, KeyInMemory))
	}
	if c.AutoUnlockTime <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyAutoUnlockTime))
	}
	if c.RenewInterval < 0 || (c.RenewInterval > 0 && c.RenewInterval >= c.AutoUnlockTime) {
		errs = append(errs, fmt.Errorf("%s must be below %s", KeyRenewInterval, KeyAutoUnlockTime))
	}
	if c.SafetyMargin < 0 || (c.SafetyMargin > 0 && c.SafetyMargin >= c.AutoUnlockTime) {
		errs = append(errs, fmt.Errorf("%s must be below %s", KeySafetyMargin, KeyAutoUnlockTime))
	}
	if c.ApplyTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyApplyTimeout))
	}
	if c.GPUs < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyGPUs))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("%s: unknown level %q", KeyLogLevel, c.LogLevel))
	}

	return errors.Join(errs...)
}

// Namespaces are the lease namespaces every node registers, all sharing
// the configured auto-unlock time.
func (c Config) Namespaces() map[string]time.Duration {
	return map[string]time.Duration{
		types.NamespaceLocks: c.AutoUnlockTime,
		types.NamespaceHosts: c.AutoUnlockTime,
	}
}

// Logger builds the root logger at the configured level.
func (c Config) Logger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "holdfast",
		Level:  hclog.LevelFromString(c.LogLevel),
		Output: os.Stderr,
	})
}
