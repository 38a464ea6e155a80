package main

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zezudoo/wa-download-guard/internal/api"
	"github.com/zezudoo/wa-download-guard/internal/cache"
	"github.com/zezudoo/wa-download-guard/internal/config"
	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/origin"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/proxy"
)

//go:embed hosts.yaml
var defaultHostsYAML []byte

var (
	// Global flags
	cfgFile     string
	hostsConfig string
	logLevel    string
	serverAddr  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "waguard",
		Short: "WhatsApp Download Guard - allow-list enforcement for WhatsApp Web downloads",
		Long: `WhatsApp Download Guard cancels downloads started from WhatsApp Web
unless their file type is on a remotely published allow-list.
Without a usable allow-list every download is blocked.`,
		Example: `  waguard serve
  waguard status
  waguard decide --url https://web.whatsapp.com/f/report.pdf
  waguard config set --config-url https://example.com/allowlist.json`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.waguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&hostsConfig, "hosts-config", "", "Path to target hosts config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Daemon address (default: server.addr from config)")

	// Subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newDecideCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newBlockedCmd())
	rootCmd.AddCommand(newSelfCheckCmd())
	rootCmd.AddCommand(newPrintConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if hostsConfig != "" {
		cfg.Origin.HostsConfig = hostsConfig
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(cfg.Server.Addr), nil
}

func newSelfCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-check",
		Short: "Check WhatsApp Download Guard installation and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WhatsApp Download Guard self-check")
			fmt.Println("==================================")

			cfg, err := loadConfig()
			if err != nil {
				fmt.Printf("❌ Failed to load config: %v\n", err)
				return err
			}
			if cfg.File() != "" {
				fmt.Printf("✅ Config loaded from %s\n", cfg.File())
			} else {
				fmt.Println("✅ Using built-in defaults (no config file found)")
			}

			hosts, err := origin.LoadConfig(cfg.Origin.HostsConfig, defaultHostsYAML)
			if err != nil {
				fmt.Printf("❌ Failed to load hosts config: %v\n", err)
				return err
			}
			fmt.Printf("✅ Target hosts loaded: %s (%d patterns)\n", hosts.Name, len(hosts.Hosts))

			log := logger.NewLogger(os.Stderr, logger.ParseLevel(cfg.Logging.Level))

			fmt.Println("\nTesting policy download...")
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Policy.FetchTimeout+5*time.Second)
			defer cancel()

			url := cfg.Policy.DefaultURL
			client := api.NewClient(cfg.Server.Addr)
			if state, err := client.State(ctx); err == nil && state.ConfigURL != "" {
				url = state.ConfigURL
			}

			data, err := cache.NewHTTPFetcher(cfg.Policy.FetchTimeout).Fetch(ctx, url)
			if err != nil {
				fmt.Printf("❌ Failed to fetch policy from %s: %v\n", url, err)
				return err
			}
			p, err := policy.Parse(data)
			if err != nil {
				fmt.Printf("❌ Policy at %s is invalid: %v\n", url, err)
				return err
			}
			summary := p.Summary()
			fmt.Printf("✅ Policy is valid (%d extensions, %d MIME types)\n", summary.Ext, summary.MIME)

			fmt.Println("\nTesting decisions...")
			engine := policy.NewEngine(cfg.Decision.GenericMIMETypes)
			probe := engine.Decide(p, policy.Input{Filename: "self-check.exe", MIME: "application/octet-stream"})
			if probe.ShouldBlock() {
				fmt.Printf("✅ Unlisted file types are blocked (self-check.exe: %s)\n", probe.Reason)
			} else {
				fmt.Println("⚠️  The policy allows .exe files")
			}
			if d := engine.Decide(nil, policy.Input{Filename: "report.pdf"}); d.ShouldBlock() {
				fmt.Println("✅ Downloads are blocked when no policy is loaded")
			}

			if cfg.Proxy.Enabled {
				certs, err := proxy.NewCertManager(cfg.Proxy.CertDir)
				if err != nil {
					fmt.Printf("❌ Failed to prepare proxy CA: %v\n", err)
					return err
				}
				fmt.Printf("✅ Proxy CA certificate: %s\n", certs.CACertPath())
			}

			fmt.Println("\nChecking daemon...")
			if err := client.Healthy(ctx); err != nil {
				log.Debug("daemon_unreachable", "Daemon health check failed", map[string]interface{}{
					"error": err.Error(),
				})
				fmt.Printf("⚠️  Daemon is not running at %s (start it with: waguard serve)\n", cfg.Server.Addr)
			} else {
				fmt.Printf("✅ Daemon is running at %s\n", cfg.Server.Addr)
			}

			fmt.Println("\n✅ WhatsApp Download Guard is ready to use!")
			return nil
		},
	}
}

func newPrintConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Config File: %s\n", func() string {
				if cfg.File() != "" {
					return cfg.File()
				}
				return "[none]"
			}())
			fmt.Printf("Server Addr: %s\n", cfg.Server.Addr)
			fmt.Printf("Proxy: enabled=%v addr=%s\n", cfg.Proxy.Enabled, cfg.Proxy.Addr)
			fmt.Printf("Store Path: %s\n", cfg.Store.Path)
			fmt.Printf("Audit Path: %s (retention %s)\n", cfg.Audit.Path, cfg.Audit.Retention)
			fmt.Printf("Default Policy URL: %s\n", cfg.Policy.DefaultURL)
			fmt.Printf("Refresh Interval: %s\n", cfg.Policy.RefreshInterval)
			fmt.Printf("Hosts Config: %s\n", func() string {
				if cfg.Origin.HostsConfig != "" {
					return cfg.Origin.HostsConfig
				}
				return "[embedded default]"
			}())
			fmt.Printf("Fallback Delay: %s\n", cfg.Enforce.FallbackDelay)
			fmt.Printf("Notify Cooldown: %s\n", cfg.Enforce.NotifyCooldown)
			fmt.Printf("Tab TTL: %s\n", cfg.Enforce.TabTTL)
			fmt.Printf("Extension ID: %s\n", func() string {
				if cfg.Enforce.ExtensionID != "" {
					return cfg.Enforce.ExtensionID
				}
				return "[not set]"
			}())
			fmt.Printf("Generic MIME Types: %v\n", cfg.Decision.GenericMIMETypes)
			fmt.Printf("Log Level: %s\n", cfg.Logging.Level)
			return nil
		},
	}
}
