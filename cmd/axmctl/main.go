package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/axmtools/axmctl/internal/auth"
	"github.com/axmtools/axmctl/internal/axm"
	"github.com/axmtools/axmctl/internal/config"
	"github.com/axmtools/axmctl/internal/logging"
)

var Version = "dev"

const usage = `usage: axmctl <command> [args]

commands:
  token                          acquire a token and report scope and expiry
  devices                        list all organization devices
  servers                        list all device management services
  server-devices <server-id>     list devices linked to one service
  device-info <file>             fetch device details for serials in <file>
  assigned-server <file>         fetch assigned service for serials in <file>
  applecare <file>               fetch AppleCare coverage for serials in <file>
  assign <server-id> <file>      assign serials in <file> to a service
  unassign <server-id> <file>    unassign serials in <file> from a service
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("no command given")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("axmctl starting",
		slog.String("version", Version),
		slog.String("command", os.Args[1]),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := auth.Credentials{
		ClientID:        cfg.ClientID,
		KeyID:           cfg.KeyID,
		PrivateKeyPath:  cfg.PrivateKeyPath,
		Scope:           cfg.Scope,
		CachePassphrase: cfg.CacheKey,
	}

	key, err := auth.DeriveCacheKey(cfg.CacheKey, cfg.ClientID)
	if err != nil {
		return err
	}

	cache, closeCache, err := openCache(cfg, key)
	if err != nil {
		return err
	}
	defer closeCache()

	manager := auth.NewManager(creds, cache, nil, logger)

	tok, err := manager.Acquire(ctx, false)
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	state := axm.NewTokenState(tok)
	client := axm.NewClient(manager, nil, logger, cfg.MaxRetryWait())

	switch cmd := os.Args[1]; cmd {
	case "token":
		fmt.Printf("scope: %s\nexpires in: %s\n", tok.Scope, time.Until(tok.ExpiresAt).Round(time.Second))
		return nil

	case "devices":
		return runList(func() ([]jsonEntry, error) {
			return toEntries(client.ListDevices(ctx, state))
		})

	case "servers":
		return runList(func() ([]jsonEntry, error) {
			return toEntries(client.ListMDMServers(ctx, state))
		})

	case "server-devices":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: axmctl server-devices <server-id>")
		}

		return runList(func() ([]jsonEntry, error) {
			return toEntries(client.ListMDMServerDevices(ctx, state, os.Args[2]))
		})

	case "device-info":
		return runBatch(ctx, state, logger, client.GetDevice)

	case "assigned-server":
		return runBatch(ctx, state, logger, client.GetAssignedServer)

	case "applecare":
		return runBatch(ctx, state, logger, client.GetAppleCareCoverage)

	case "assign":
		return runActivity(ctx, cfg, state, client, logger, axm.AssignDevices)

	case "unassign":
		return runActivity(ctx, cfg, state, client, logger, axm.UnassignDevices)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openCache(cfg *config.Config, key []byte) (auth.Cache, func(), error) {
	if cfg.CacheBackend == config.CacheBackendBolt {
		c, err := auth.NewBoltCache(cfg.CachePath, key)
		if err != nil {
			return nil, nil, err
		}

		return c, func() { c.Close() }, nil
	}

	c, err := auth.NewFileCache(cfg.CachePath, key)
	if err != nil {
		return nil, nil, err
	}

	return c, func() {}, nil
}
