package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zezudoo/wa-download-guard/internal/api"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

// readState asks the daemon and falls back to reading the store directly
// when the daemon is not running
func readState(ctx context.Context) (api.State, error) {
	cfg, err := loadConfig()
	if err != nil {
		return api.State{}, err
	}

	state, err := api.NewClient(cfg.Server.Addr).State(ctx)
	if err == nil {
		return state, nil
	}

	kv, openErr := store.OpenBolt(cfg.Store.Path)
	if openErr != nil {
		return api.State{}, fmt.Errorf("%v (store: %v)", err, openErr)
	}
	defer kv.Close()

	settings := store.NewSettings(kv, cfg.Policy.DefaultURL)
	if state.Enabled, err = settings.Enabled(ctx); err != nil {
		return api.State{}, err
	}
	if state.ConfigURL, err = settings.ConfigURL(ctx); err != nil {
		return api.State{}, err
	}
	cached, err := settings.CachedPolicy(ctx)
	if err != nil {
		return api.State{}, err
	}
	state.Policy = cached.Policy
	state.FetchedAt = cached.FetchedAt
	return state, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the enabled flag and the cached allow-list",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := readState(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Enabled: %v\n", state.Enabled)
			fmt.Printf("Config URL: %s\n", state.ConfigURL)
			if state.Policy == nil {
				fmt.Println("Policy: no policy loaded, all downloads blocked")
				return nil
			}

			summary := state.Policy.Summary()
			fmt.Printf("Policy: mode=%s, %d extensions, %d MIME types\n", state.Policy.Mode, summary.Ext, summary.MIME)
			if state.FetchedAt > 0 {
				age := time.Since(time.Unix(state.FetchedAt, 0)).Truncate(time.Second)
				fmt.Printf("Fetched: %s (%s ago)\n", time.Unix(state.FetchedAt, 0).Format(time.RFC3339), age)
			}
			if state.Policy.HasTTL() {
				ttl := time.Duration(*state.Policy.TTLSeconds * float64(time.Second))
				stale := time.Since(time.Unix(state.FetchedAt, 0)) >= ttl
				fmt.Printf("TTL: %s (stale: %v)\n", ttl, stale)
			} else {
				fmt.Println("TTL: none")
			}
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-download the allow-list now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			result, err := client.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("refresh failed: %s", result.Error)
			}
			if result.Summary != nil {
				fmt.Printf("✅ Policy refreshed (%d extensions, %d MIME types)\n", result.Summary.Ext, result.Summary.MIME)
			} else {
				fmt.Println("✅ Policy refreshed")
			}
			return nil
		},
	}
}

func newDecideCmd() *cobra.Command {
	var (
		url        string
		filename   string
		mime       string
		policyFile string
	)

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Show the allow/block decision for a download",
		Example: `  waguard decide --url https://mmg.whatsapp.net/d/f/abc --filename invoice.pdf
  waguard decide --filename setup.exe --mime application/octet-stream --policy-file allowlist.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" && filename == "" {
				return errors.New("one of --url or --filename is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var p *policy.Policy
			if policyFile != "" {
				data, err := os.ReadFile(policyFile)
				if err != nil {
					return fmt.Errorf("failed to read policy file: %w", err)
				}
				if p, err = policy.Parse(data); err != nil {
					return err
				}
			} else {
				state, err := readState(cmd.Context())
				if err != nil {
					return err
				}
				p = state.Policy
			}

			engine := policy.NewEngine(cfg.Decision.GenericMIMETypes)
			decision := engine.Decide(p, policy.Input{URL: url, Filename: filename, MIME: mime})

			verdict := "ALLOW"
			if decision.ShouldBlock() {
				verdict = "BLOCK"
			}
			fmt.Printf("%s (%s)\n", verdict, decision.Reason)
			fmt.Printf("  ext:  %s\n", orDash(decision.Ext))
			fmt.Printf("  mime: %s\n", orDash(decision.MIME))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Download URL")
	cmd.Flags().StringVar(&filename, "filename", "", "Suggested filename")
	cmd.Flags().StringVar(&mime, "mime", "", "Reported MIME type")
	cmd.Flags().StringVar(&policyFile, "policy-file", "", "Decide against a local policy document instead of the cached one")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change shared settings on the running daemon",
	}
	cmd.AddCommand(newConfigSetCmd())
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	var (
		configURL string
		enabled   bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the policy URL or the enabled flag",
		Example: `  waguard config set --enabled=false
  waguard config set --config-url https://example.com/allowlist.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				urlPtr     *string
				enabledPtr *bool
			)
			if cmd.Flags().Changed("config-url") {
				urlPtr = &configURL
			}
			if cmd.Flags().Changed("enabled") {
				enabledPtr = &enabled
			}
			if urlPtr == nil && enabledPtr == nil {
				return errors.New("nothing to set: pass --config-url and/or --enabled")
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			state, err := client.UpdateSettings(cmd.Context(), enabledPtr, urlPtr)
			if err != nil {
				return err
			}
			fmt.Printf("Enabled: %v\n", state.Enabled)
			fmt.Printf("Config URL: %s\n", state.ConfigURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&configURL, "config-url", "", "Allow-list URL (empty restores the default)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Enable or disable enforcement")
	return cmd
}

func newBlockedCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "List recently blocked downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			events, err := client.Blocked(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			if len(events) == 0 {
				fmt.Println("No blocked downloads")
				return nil
			}
			for _, ev := range events {
				name := ev.Filename
				if name == "" {
					name = ev.URL
				}
				fmt.Printf("%s  %-22s %-18s %s\n", ev.CreatedAt.Local().Format(time.DateTime), ev.Source, ev.Reason, name)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
