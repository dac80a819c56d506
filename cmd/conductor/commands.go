package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/stats"
	"github.com/basket/conductor/internal/system"
)

func newStatusCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that a running conductor answers /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()

			resp, err := newAPIClient(cfg).do(ctx, http.MethodGet, "/healthz")
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			out := cmd.OutOrStdout()
			_, _ = out.Write(body)
			if len(body) == 0 || body[len(body)-1] != '\n' {
				_, _ = io.WriteString(out, "\n")
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			return nil
		},
	}
}

func newVacuumCmd(load configLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Upload in-progress recordings of finished rooms now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			var report system.VacuumReport
			if err := newAPIClient(cfg).call(cmd.Context(), http.MethodPost, "/api/v1/system/vacuum", &report); err != nil {
				return err
			}
			if asJSON {
				return writeIndented(cmd, report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d uploads requested in %d rooms\n", okMark(), report.Uploads, len(report.Rooms))
			if report.Failures > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d items failed; see the conductor log\n", warnMark(), report.Failures)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newReapCmd(load configLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Close rooms whose host left longer than the orphan timeout ago",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			var report system.OrphansReport
			if err := newAPIClient(cfg).call(cmd.Context(), http.MethodPost, "/api/v1/system/orphaned-rooms/close", &report); err != nil {
				return err
			}
			if asJSON {
				return writeIndented(cmd, report)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s closed %d rooms, skipped %d\n", okMark(), len(report.Closed), len(report.Skipped))
			for _, id := range report.Closed {
				fmt.Fprintf(out, "  %s\n", id)
			}
			if len(report.Retained) > 0 {
				fmt.Fprintf(out, "%s %d rooms kept for the next sweep\n", warnMark(), len(report.Retained))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newBackendsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List online backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			var backends []persistence.Backend
			if err := newAPIClient(cfg).call(cmd.Context(), http.MethodGet, "/api/v1/backends", &backends); err != nil {
				return err
			}
			if len(backends) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no backends online")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderBackends(backends))
			return nil
		},
	}
}

func newStatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Flush and print the counters collected since the last flush",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			var counters []stats.Counter
			if err := newAPIClient(cfg).call(cmd.Context(), http.MethodGet, "/api/v1/stats", &counters); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderCounters(counters))
			return nil
		},
	}
}

func writeIndented(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
