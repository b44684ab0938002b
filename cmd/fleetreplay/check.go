package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/markers"
	"github.com/timzifer/fleetreplay/service"
)

const healthTimeout = 3 * time.Second

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			if err := service.Validate(cfg, zerolog.Nop()); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			writeConfigSummary(cmd.OutOrStdout(), cfg)
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration check completed successfully.")
			return nil
		},
	}
}

func writeConfigSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "Listen:   %s\n", cfg.ListenAddress())
	fmt.Fprintf(out, "Storage:  %s\n", cfg.StoragePath())
	source := cfg.PlaybackSource()
	if source == "remote" {
		source = fmt.Sprintf("remote (%s)", cfg.Playback.Remote.URL)
	}
	fmt.Fprintf(out, "Source:   %s\n", source)
	fmt.Fprintf(out, "Playback: tick %s, speed %s, %dh window\n", cfg.TickInterval(), cfg.DefaultSpeed(), cfg.DefaultHours())
	if len(cfg.Files) > 0 {
		fmt.Fprintf(out, "Files:    %s\n", strings.Join(cfg.Files, ", "))
	}
	fmt.Fprintln(out)

	if len(cfg.Charts) == 0 {
		fmt.Fprintln(out, "No charts configured.")
	} else {
		rows := make([][]string, 0, len(cfg.Charts))
		for _, chart := range cfg.Charts {
			detail := chart.Granularity
			if chart.Type == config.ChartBattery {
				detail = strings.TrimSpace(chart.Signal + " " + chart.Strategy)
			}
			rows = append(rows, []string{chart.ID, string(chart.Type), detail, strconv.Itoa(len(chart.Machines)), chart.Source})
		}
		fmt.Fprintln(out, renderTable([]string{"Chart", "Type", "Detail", "Machines", "Module"}, rows, map[int]bool{3: true}))
	}
	fmt.Fprintln(out)

	rules := make([][]string, 0, len(cfg.Markers.Rules)+len(markers.DefaultRules()))
	for _, rule := range cfg.Markers.Rules {
		rules = append(rules, []string{rule.ID, rule.When, rule.Color, "configured"})
	}
	for _, rule := range markers.DefaultRules() {
		rules = append(rules, []string{rule.ID, rule.When, rule.Color, "built-in"})
	}
	fmt.Fprintln(out, renderTable([]string{"Marker rule", "When", "Color", "Origin"}, rules, nil))
}

func newHealthcheckCommand(ctx *commandContext) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Validate the configuration and probe the running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if err := service.Validate(cfg, zerolog.Nop()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if offline {
				return nil
			}
			probeCtx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
			defer cancel()
			if err := probeHealth(probeCtx, healthURL(cfg.ListenAddress())); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Only validate the configuration")
	return cmd
}

// healthURL turns a listen address into a loopback URL of the health endpoint.
func healthURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + "/healthz"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

func probeHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}
