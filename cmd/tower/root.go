package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/towerview/tower/loader"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tower",
	Short: "Background image loader for mood boards",
	Long: `tower decodes image files in the background, keeps them in an in-memory
cache keyed by path and prefetches the neighbours of the file you open.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logDir, err := expandPath(viper.GetString("log-dir"))
		if err != nil {
			return err
		}
		loader.InitLogger(logDir, viper.GetBool("debug"))
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:errcheck
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	def := loader.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("log-dir", "", "directory for rotating log files (empty: console only)")
	flags.Bool("debug", false, "log debug records to the console")
	flags.Int("workers", def.Workers, "maximum concurrent decodes")
	flags.Duration("tick", def.TickInterval, "poll tick interval")
	flags.Duration("resolve-timeout", def.ResolveTimeout, "fail a placeholder after waiting this long")
	flags.Duration("failure-ttl", def.FailureTTL, "how long a failed file is skipped by prefetch")
	flags.String("journal", "", "sqlite journal of decode attempts (empty: disabled)")
	flags.String("ignore-file", def.IgnoreFile, "per-directory ignore file name")

	bindFlags(flags, "log-dir", "debug", "workers", "tick", "resolve-timeout", "failure-ttl", "journal", "ignore-file")
}

func initConfig() {
	viper.SetEnvPrefix("TOWER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return
	}
	path, err := expandPath(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err) //nolint:errcheck
		os.Exit(1)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err) //nolint:errcheck
		os.Exit(1)
	}
}

func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		viper.BindPFlag(name, flags.Lookup(name)) //nolint:errcheck
	}
}

// loaderConfig builds a loader.Config from flags, environment and config file.
func loaderConfig() (loader.Config, error) {
	cfg := loader.DefaultConfig()
	cfg.Workers = viper.GetInt("workers")
	cfg.TickInterval = viper.GetDuration("tick")
	cfg.ResolveTimeout = viper.GetDuration("resolve-timeout")
	cfg.FailureTTL = viper.GetDuration("failure-ttl")
	cfg.IgnoreFile = viper.GetString("ignore-file")
	cfg.Watch = viper.GetBool("watch")
	if viper.IsSet("listen") {
		cfg.Listen = viper.GetString("listen")
	}

	var err error
	if cfg.LogDir, err = expandPath(viper.GetString("log-dir")); err != nil {
		return cfg, err
	}
	if cfg.JournalPath, err = expandPath(viper.GetString("journal")); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return expanded, nil
}
