package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/migadu/maintenance/helpers"
	"github.com/migadu/maintenance/maintenance"
	"github.com/migadu/maintenance/server/adminapi"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func newStatusCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current maintenance state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cfg.client()
			if err != nil {
				return err
			}
			var status maintenance.Status
			if err := client.do(cmd.Context(), http.MethodGet, "/admin/maintenance", nil, &status); err != nil {
				return err
			}
			if cfg.output == "json" {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status, time.Now())
			return nil
		},
	}
}

func printStatus(w io.Writer, status maintenance.Status, now time.Time) {
	global := onOff(status.Global)
	if !status.GlobalChangedAt.IsZero() {
		global += " (since " + humanize.RelTime(status.GlobalChangedAt, now, "ago", "from now") + ")"
	}
	fmt.Fprintf(w, "Global maintenance: %s\n", global)
	fallback := status.Fallback
	if fallback == "" {
		fallback = "(none)"
	}
	fmt.Fprintf(w, "Fallback server:    %s\n", fallback)

	if len(status.Backends) == 0 {
		fmt.Fprintf(w, "Backends:           none under maintenance\n")
	} else {
		fmt.Fprintf(w, "Backends:           %d under maintenance\n", len(status.Backends))
		for _, b := range status.Backends {
			line := "  - " + b
			if at, ok := status.BackendChanged[b]; ok && !at.IsZero() {
				line += " (since " + humanize.RelTime(at, now, "ago", "from now") + ")"
			}
			fmt.Fprintln(w, line)
		}
	}

	fmt.Fprintf(w, "Whitelist:          %s\n", humanize.Comma(int64(status.WhitelistCount)))
	if status.Timer.Running {
		timer := fmt.Sprintf("%s in %s", status.Timer.Kind, helpers.FormatCountdown(status.Timer.Remaining))
		if status.Timer.Then > 0 {
			timer += fmt.Sprintf(", then end after %s", helpers.FormatCountdown(status.Timer.Then))
		}
		fmt.Fprintf(w, "Timer:              %s\n", timer)
	} else {
		fmt.Fprintf(w, "Timer:              not running\n")
	}
	if status.SharedState {
		fmt.Fprintf(w, "Shared state:       enabled\n")
	}
}

func printToggle(cmd *cobra.Command, cfg *cliConfig, resp adminapi.ToggleResponse) error {
	if cfg.output == "json" {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	w := cmd.OutOrStdout()
	if !resp.Changed {
		fmt.Fprintf(w, "Maintenance (%s) is already %s\n", resp.Scope, onOff(resp.Enabled))
		return nil
	}
	fmt.Fprintf(w, "Maintenance (%s) %s\n", resp.Scope, onOff(resp.Enabled))
	if r := resp.Report; r != nil {
		fmt.Fprintf(w, "  notified %d, kicked %d, redirected %d, failed %d\n", r.Notified, r.Kicked, r.Redirected, r.Failed)
		if r.Warning != "" {
			fmt.Fprintf(w, "  warning: %s\n", r.Warning)
		}
	}
	return nil
}

func newToggleCommand(cfg *cliConfig, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Turn global maintenance %s", use),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cfg.client()
			if err != nil {
				return err
			}
			var resp adminapi.ToggleResponse
			if err := client.do(cmd.Context(), http.MethodPut, "/admin/maintenance/global", adminapi.ToggleRequest{Enabled: &enabled}, &resp); err != nil {
				return err
			}
			return printToggle(cmd, cfg, resp)
		},
	}
}

func newServerCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "server <name> on|off",
		Short: "Toggle maintenance for a single backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(args[1]) {
			case "on":
				enabled = true
			case "off":
				enabled = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			client, err := cfg.client()
			if err != nil {
				return err
			}
			var resp adminapi.ToggleResponse
			path := "/admin/maintenance/backends/" + url.PathEscape(args[0])
			if err := client.do(cmd.Context(), http.MethodPut, path, adminapi.ToggleRequest{Enabled: &enabled}, &resp); err != nil {
				return err
			}
			return printToggle(cmd, cfg, resp)
		},
	}
}

func newWhitelistCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage identities exempt from maintenance",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List whitelisted identities",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := cfg.client()
				if err != nil {
					return err
				}
				var resp struct {
					Entries []maintenance.WhitelistEntry `json:"entries"`
					Total   int                          `json:"total"`
				}
				if err := client.do(cmd.Context(), http.MethodGet, "/admin/whitelist", nil, &resp); err != nil {
					return err
				}
				if cfg.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				w := cmd.OutOrStdout()
				if resp.Total == 0 {
					fmt.Fprintln(w, "The whitelist is empty")
					return nil
				}
				fmt.Fprintf(w, "%s whitelisted:\n", humanize.Comma(int64(resp.Total)))
				for _, e := range resp.Entries {
					fmt.Fprintf(w, "  %s  %s\n", e.ID, e.Name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <uuid> [name]",
			Short: "Whitelist an identity",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid uuid %q: %w", args[0], err)
				}
				req := adminapi.WhitelistRequest{UUID: id.String()}
				if len(args) == 2 {
					req.Name = args[1]
				}
				client, err := cfg.client()
				if err != nil {
					return err
				}
				var resp map[string]any
				if err := client.do(cmd.Context(), http.MethodPost, "/admin/whitelist", req, &resp); err != nil {
					return err
				}
				if cfg.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if added, _ := resp["added"].(bool); added {
					fmt.Fprintf(cmd.OutOrStdout(), "Added %s to the whitelist\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is already whitelisted\n", id)
				}
				if warning, ok := resp["warning"].(string); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s\n", warning)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <uuid|name>",
			Short: "Remove an identity from the whitelist",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := cfg.client()
				if err != nil {
					return err
				}
				var resp map[string]any
				if err := client.do(cmd.Context(), http.MethodDelete, "/admin/whitelist/"+url.PathEscape(args[0]), nil, &resp); err != nil {
					return err
				}
				if cfg.output == "json" {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %v from the whitelist\n", resp["uuid"])
				return nil
			},
		},
	)
	return cmd
}

// parseTimerArg reads a duration; a bare number is minutes.
func parseTimerArg(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %q", s)
		}
		return n * 60, nil
	}
	d, err := helpers.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("duration must be at least one second, got %q", s)
	}
	return int(d / time.Second), nil
}

func newTimerCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Schedule maintenance with a countdown",
	}
	run := func(cmd *cobra.Command, req adminapi.TimerRequest) error {
		client, err := cfg.client()
		if err != nil {
			return err
		}
		var status maintenance.TimerStatus
		if err := client.do(cmd.Context(), http.MethodPost, "/admin/timer", req, &status); err != nil {
			return err
		}
		if cfg.output == "json" {
			return printJSON(cmd.OutOrStdout(), status)
		}
		w := cmd.OutOrStdout()
		if !status.Running {
			fmt.Fprintln(w, "Timer aborted")
			return nil
		}
		fmt.Fprintf(w, "Timer running: %s in %s\n", status.Kind, helpers.FormatCountdown(status.Remaining))
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start <duration>",
			Short: "Enable maintenance after a countdown",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				secs, err := parseTimerArg(args[0])
				if err != nil {
					return err
				}
				return run(cmd, adminapi.TimerRequest{Action: "start", Seconds: secs})
			},
		},
		&cobra.Command{
			Use:   "end <duration>",
			Short: "Disable maintenance after a countdown",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				secs, err := parseTimerArg(args[0])
				if err != nil {
					return err
				}
				return run(cmd, adminapi.TimerRequest{Action: "end", Seconds: secs})
			},
		},
		&cobra.Command{
			Use:   "schedule <start-in> <duration>",
			Short: "Enable maintenance after a countdown and disable it again after duration",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				start, err := parseTimerArg(args[0])
				if err != nil {
					return err
				}
				length, err := parseTimerArg(args[1])
				if err != nil {
					return err
				}
				return run(cmd, adminapi.TimerRequest{Action: "schedule", Seconds: start, DurationSeconds: length})
			},
		},
		&cobra.Command{
			Use:   "abort",
			Short: "Abort the running timer",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, adminapi.TimerRequest{Action: "abort"})
			},
		},
	)
	return cmd
}

func newReloadCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon's configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cfg.client()
			if err != nil {
				return err
			}
			var resp struct {
				Reloaded    bool                 `json:"reloaded"`
				Transitions []maintenance.Report `json:"transitions"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/admin/reload", nil, &resp); err != nil {
				return err
			}
			if cfg.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration reloaded (%d transitions)\n", len(resp.Transitions))
			for _, r := range resp.Transitions {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", r.Scope, onOff(r.Enabled))
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "maintenance-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
		},
	}
}
