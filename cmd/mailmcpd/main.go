// Command mailmcpd runs the mail coordination MCP server.
//
// It communicates over stdio (default) or Streamable HTTP using JSON-RPC 2.0
// (MCP protocol) and persists to a local SQLite database plus a content-
// addressed Git-friendly archive directory.
//
// Optional environment variables:
//
//	MAILMCPD_CONFIG        - path to a mailmcpd.toml config file
//	DATABASE_URL            - SQLite database path (default: ./mailmcp.db)
//	STORAGE_ROOT            - archive root directory (default: ./mailmcp-archive)
//	MAILMCPD_TRANSPORT     - "stdio" or "http" (default: stdio)
//	MAILMCPD_PORT          - HTTP listen port (default: 8787)
//	MAILMCPD_LOG_LEVEL     - debug, info, warn, error (default: info)
//	WORKTREES_ENABLED       - "true"/"1"/"yes" to expose build-slot tools
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mail-mcp/mailmcpd/internal/config"
	"github.com/mail-mcp/mailmcpd/internal/engine"
	"github.com/mail-mcp/mailmcpd/internal/store"
)

// Version is set via ldflags at build time.
var Version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailmcpd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailmcpd",
		Short:         "Inter-agent mail and file-coordination MCP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to mailmcpd.toml (default: search MAILMCPD_CONFIG, ./mailmcpd.toml, ~/.config/mailmcpd/mailmcpd.toml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newInfoCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadAndLog()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("building engine: %w", err)
			}
			defer eng.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return eng.Run(ctx)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadAndLog()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			logger.Info("migrations applied", "database_path", cfg.Store.DatabasePath)
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	var projectKey, agentName, program, model string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a project and an initial agent identity for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectKey == "" || agentName == "" {
				return fmt.Errorf("--project and --agent are required")
			}

			cfg, logger, err := loadAndLog()
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("building engine: %w", err)
			}
			defer eng.Close()

			ctx := context.Background()
			project, err := eng.Identity.EnsureProject(ctx, projectKey)
			if err != nil {
				return fmt.Errorf("ensure project: %w", err)
			}

			agent, err := eng.Identity.RegisterAgent(ctx, project.ID, program, model, agentName, "")
			if err != nil {
				return fmt.Errorf("register agent: %w", err)
			}

			logger.Info("seeded", "project", project.Slug, "agent", agent.Name)
			fmt.Printf("project=%s agent=%s\n", project.Slug, agent.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectKey, "project", "", "project human key")
	cmd.Flags().StringVar(&agentName, "agent", "", "agent name")
	cmd.Flags().StringVar(&program, "program", "seed-cli", "agent program label")
	cmd.Flags().StringVar(&model, "model", "unknown", "agent model label")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print resolved configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			fmt.Printf("version:          %s\n", resolveVersion(cfg))
			fmt.Printf("database_path:    %s\n", cfg.Store.DatabasePath)
			fmt.Printf("storage_root:     %s\n", cfg.Store.StorageRoot)
			fmt.Printf("transport:        %s\n", cfg.Transport.Mode)
			fmt.Printf("worktrees:        %v\n", cfg.Worktrees.Enabled)
			return nil
		},
	}
}

func loadAndLog() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	version := resolveVersion(cfg)
	logger.Info("starting mailmcpd", "version", version, "transport", cfg.Transport.Mode)
	return cfg, logger, nil
}

func resolveVersion(cfg *config.Config) string {
	if Version != "dev" {
		return Version
	}
	return cfg.Server.Version
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
