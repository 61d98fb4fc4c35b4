// Command vault-auth is an interactive harness for the device
// authentication flow.
//
// It runs the flow manager against a simulated KeepKey (the default), a
// remote bridge, or exposes the simulated device as a bridge for other
// clients. PIN and passphrase ceremonies are driven from the prompt.
//
// Usage:
//
//	vault-auth [flags]
//
// Flags:
//
//	-config string     Device configuration file (YAML)
//	-policy string     Timing policy file (YAML)
//	-log-level string  Log level: debug, info, warn, error (default "info")
//	-serve string      Expose the simulated device as a bridge on this address
//	-advertise         Advertise the bridge over mDNS (with -serve)
//	-connect string    Drive a remote bridge at this address instead of the simulator
//	-discover          Find a bridge over mDNS and connect to it
//
// Examples:
//
//	# Drive a simulated PIN+passphrase device
//	vault-auth -config device.yaml
//
//	# Expose the simulator to remote clients
//	vault-auth -config device.yaml -serve :9331 -advertise
//
//	# Drive a bridge discovered on the local network
//	vault-auth -discover
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/ceremony"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/flow"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/linksim"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/linkwire"
)

var opts struct {
	configFile string
	policyFile string
	logLevel   string
	serveAddr  string
	advertise  bool
	connectTo  string
	discover   bool
}

func init() {
	flag.StringVar(&opts.configFile, "config", "", "Device configuration file (YAML)")
	flag.StringVar(&opts.policyFile, "policy", "", "Timing policy file (YAML)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.serveAddr, "serve", "", "Expose the simulated device as a bridge on this address")
	flag.BoolVar(&opts.advertise, "advertise", false, "Advertise the bridge over mDNS (with -serve)")
	flag.StringVar(&opts.connectTo, "connect", "", "Drive a remote bridge at this address")
	flag.BoolVar(&opts.discover, "discover", false, "Find a bridge over mDNS and connect to it")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}

	policy := ceremony.DefaultPolicy()
	if opts.policyFile != "" {
		policy, err = ceremony.LoadPolicy(opts.policyFile)
		if err != nil {
			return err
		}
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}

	switch {
	case opts.serveAddr != "":
		return runServe(cfg, logger)
	case opts.connectTo != "" || opts.discover:
		return runRemote(policy, logger)
	default:
		return runLocal(cfg, policy, logger)
	}
}

// runLocal drives a simulated device in-process.
func runLocal(cfg *Config, policy ceremony.Policy, logger *slog.Logger) error {
	sim := linksim.New(cfg.simConfig())
	sim.SetLogger(logger)
	defer sim.Close()

	mgr := flow.NewManager(sim, policy)
	mgr.SetLogger(logger)
	mgr.Start()
	defer mgr.Stop()

	ui, err := newUI(mgr, sim, sim.DeviceID())
	if err != nil {
		return err
	}
	logger.Info("simulated device ready", "deviceId", sim.DeviceID())
	return ui.run()
}

// runRemote drives a bridge over the network.
func runRemote(policy ceremony.Policy, logger *slog.Logger) error {
	addr := opts.connectTo
	if addr == "" {
		found, err := linkwire.Discover(context.Background(), 5*time.Second)
		if err != nil {
			return err
		}
		logger.Info("bridge discovered", "addr", found)
		addr = found
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := linkwire.Dial(ctx, addr)
	if err != nil {
		return err
	}
	client.SetLogger(logger)
	defer client.Close()

	mgr := flow.NewManager(client, policy)
	mgr.SetLogger(logger)
	mgr.Start()
	defer mgr.Stop()

	ui, err := newUI(mgr, nil, "")
	if err != nil {
		return err
	}
	logger.Info("connected to bridge", "addr", addr)
	return ui.run()
}

// runServe exposes the simulated device to remote clients. The bridge owns
// the notification stream, so no local flow manager runs in this mode.
func runServe(cfg *Config, logger *slog.Logger) error {
	sim := linksim.New(cfg.simConfig())
	sim.SetLogger(logger)
	defer sim.Close()

	srv := linkwire.NewServer(sim, linkwire.ServerConfig{
		Addr:      opts.serveAddr,
		Advertise: opts.advertise,
	})
	srv.SetLogger(logger)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	ui, err := newServeUI(sim)
	if err != nil {
		return err
	}
	logger.Info("bridge serving", "addr", srv.Addr(), "deviceId", sim.DeviceID())
	return ui.run()
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// parsePositions converts a digit string like "1593" into grid positions.
func parsePositions(s string) ([]devicelink.Position, error) {
	out := make([]devicelink.Position, 0, len(s))
	for _, r := range s {
		if r < '1' || r > '9' {
			return nil, fmt.Errorf("position %q outside the 1-9 grid", string(r))
		}
		out = append(out, devicelink.Position(r-'0'))
	}
	return out, nil
}
