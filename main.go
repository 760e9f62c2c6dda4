package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubotak-is/librarian/internal/config"
	"github.com/kubotak-is/librarian/internal/library"
	"github.com/kubotak-is/librarian/internal/logger"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "librarian",
		Short:         "Serve agent libraries over MCP",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig 加载配置文件并应用环境变量与命令行覆盖
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// 从环境变量覆盖配置
	config.LoadConfigFromEnv(cfg)

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [roots...]",
		Short: "Find repositories that contain an agent library",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.SetLevelFromString(cfg.Logging.Level)

			roots := args
			if len(roots) == 0 {
				roots = cfg.Repositories.SearchRoots
			}
			if len(roots) == 0 {
				return fmt.Errorf("no search roots given and repositories.search_roots is empty")
			}

			repos := library.FindRepositories(roots)
			for _, repo := range repos {
				fmt.Fprintln(cmd.OutOrStdout(), repo)
			}
			logger.Debug("Found %d repositories", len(repos))
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <repository-path>",
		Short: "Parse an agent library and report its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := library.NewStore().Load(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if lib.Index.Name != "" {
				fmt.Fprintf(out, "%s %s\n", lib.Index.Name, lib.Index.Version)
			}
			fmt.Fprintf(out, "%d endpoints, %d prompts\n", len(lib.Index.McpEndpoints), len(lib.Prompts))

			for _, ep := range lib.Index.McpEndpoints {
				if _, ok := lib.FindPrompt(ep.ID); !ok {
					fmt.Fprintf(out, "missing prompt file for %s: %s\n", ep.ID, ep.PromptFile)
				}
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server name and version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.MCP.ServerName, cfg.MCP.ServerVersion)
			return nil
		},
	}
}
