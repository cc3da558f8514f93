package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/maintenance/config"
	"github.com/spf13/cobra"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cliConfig resolves connection settings from flags and the config file.
type cliConfig struct {
	configPath string
	addr       string
	apiKey     string
	timeout    time.Duration
	output     string
}

// client builds an admin client. Flags win over [admin_cli]; the API key
// falls back to [admin_api] so a single config file serves both binaries.
func (c *cliConfig) client() (*adminClient, error) {
	addr, apiKey := c.addr, c.apiKey
	if addr == "" || apiKey == "" {
		cfg := config.NewDefaultConfig()
		if err := config.LoadConfigFromFile(c.configPath, &cfg); err != nil && !(os.IsNotExist(err) && c.configPath == "config.toml") {
			return nil, fmt.Errorf("failed to load %s: %w", c.configPath, err)
		}
		if addr == "" {
			addr = cfg.AdminCLI.Addr
		}
		if apiKey == "" {
			apiKey = cfg.AdminCLI.APIKey
		}
		if apiKey == "" {
			apiKey = cfg.AdminAPI.APIKey
		}
	}
	if addr == "" {
		return nil, errors.New("no admin API address: pass --addr or set [admin_cli] addr")
	}
	return newAdminClient(addr, apiKey, c.timeout), nil
}

func newRootCommand() *cobra.Command {
	cfg := &cliConfig{}
	root := &cobra.Command{
		Use:           "maintenance-admin",
		Short:         "Administer maintenance mode on a running proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfg.configPath, "config", "config.toml", "path to TOML configuration file")
	flags.StringVar(&cfg.addr, "addr", "", "admin API base URL (overrides [admin_cli] addr)")
	flags.StringVar(&cfg.apiKey, "api-key", "", "admin API key (overrides [admin_cli] api_key)")
	flags.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "request timeout")
	flags.StringVarP(&cfg.output, "output", "o", "text", "output format (text|json)")

	root.AddCommand(
		newStatusCommand(cfg),
		newToggleCommand(cfg, "on", true),
		newToggleCommand(cfg, "off", false),
		newServerCommand(cfg),
		newWhitelistCommand(cfg),
		newTimerCommand(cfg),
		newReloadCommand(cfg),
		newVersionCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
