package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/apiforward/apiforward/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "apiforward",
	Short: "apiforward intercepts, rewrites and forwards HTTP API traffic",
	Long: "apiforward matches HTTP requests against user rules, redirects and rewrites them, " +
		"records a request history and forwards captured responses to a collector. " +
		"Without a subcommand it runs the background service.",
	SilenceUsage: true,
	RunE:         runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Config file path")
	pf.StringP("log-level", "l", "", "Log level: debug, info, warn, error")
	pf.String("log-file", "", "Log file path")
	pf.StringP("store", "s", "", "Store backend: memory, sqlite, redis")
	pf.String("sqlite-path", "", "SQLite database path")
	pf.String("redis-addr", "", "Redis address")
	pf.String("redis-password", "", "Redis password")
	pf.Int("redis-db", 0, "Redis database")
	pf.StringP("api", "a", "", "API listen address")
	pf.String("secret", "", "API secret")
	pf.StringP("remote", "r", "", "Base URL of a running background service")
	pf.String("rules", "", "Rules JSON file loaded at startup")
	pf.Bool("delegate-headers", false, "Leave restricted request headers to declarative rules")

	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("log-level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log-file", pf.Lookup("log-file"))
	_ = viper.BindPFlag("store.backend", pf.Lookup("store"))
	_ = viper.BindPFlag("store.sqlite-path", pf.Lookup("sqlite-path"))
	_ = viper.BindPFlag("store.redis.addr", pf.Lookup("redis-addr"))
	_ = viper.BindPFlag("store.redis.password", pf.Lookup("redis-password"))
	_ = viper.BindPFlag("store.redis.db", pf.Lookup("redis-db"))
	_ = viper.BindPFlag("api.addr", pf.Lookup("api"))
	_ = viper.BindPFlag("api.secret", pf.Lookup("secret"))
	_ = viper.BindPFlag("remote", pf.Lookup("remote"))
	_ = viper.BindPFlag("rules-file", pf.Lookup("rules"))
	_ = viper.BindPFlag("delegate-headers", pf.Lookup("delegate-headers"))

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer)
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, rulesCmd, historyCmd, fetchCmd)
}

func initConfig() {
	// A .env file in the working directory is optional.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env", slog.Any("error", err))
	}

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}
	config.SetDefaults()
}

func runRoot(cmd *cobra.Command, args []string) error {
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("apiforward version %s\n", AppVersion)
		return nil
	}

	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		if _, err := config.GenerateTemplateConfig(config.TemplateFile); err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Printf("Template config file '%s' generated successfully.\n", config.TemplateFile)
		return nil
	}

	return runServe(cmd, args)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
