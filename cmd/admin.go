package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newReindexCmd creates the 'reindex' subcommand: a read-only listing of indexes.
func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Lists the structured store's indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			idx, err := appInstance.Reindex(cmd.Context())
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tINDEX\tUNIQUE\tCOLUMNS")
			for _, ix := range idx {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", ix.Table, ix.Name, ix.Unique, strings.Join(ix.Columns, ","))
			}
			return tw.Flush()
		},
	}
}

// newVacuumCmd creates the 'vacuum' subcommand.
func newVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaims space in the structured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			start := time.Now()
			if err := appInstance.Vacuum(cmd.Context()); err != nil {
				return fmt.Errorf("vacuum: %w", err)
			}
			appInstance.GetLogger().Info("vacuum complete", zap.Duration("duration", time.Since(start)))
			fmt.Fprintln(cmd.OutOrStdout(), "vacuum complete")
			return nil
		},
	}
}

// newReloadCmd creates the 'reload' subcommand. Without --server it checks the rule
// files locally; with it, it asks a running instance to re-read them immediately.
func newReloadCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Forces an immediate rule-file re-check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if server == "" {
				summary, err := appInstance.CheckRules()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "rules ok: %d triggers, %d entity categories\n", summary.Triggers, summary.EntityCategories)
				return nil
			}
			return requestReload(cmd.Context(), http.DefaultClient, server, appInstance.GetConfig().Server.APIKey, out)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "base URL of a running watchtower ops server, e.g. http://localhost:9090")
	return cmd
}

func requestReload(ctx context.Context, client *http.Client, server, apiKey string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	url := strings.TrimRight(server, "/") + "/v1/admin/reload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build reload request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request reload: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode reload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload rejected (%d): %v", resp.StatusCode, body["error"])
	}
	fmt.Fprintf(out, "rules reloaded: version %v\n", body["version"])
	return nil
}
