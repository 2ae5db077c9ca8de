package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/saint0x/incident-copilot/pkg/config"
	"github.com/saint0x/incident-copilot/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	cfgFile string
	debug   bool

	v      = viper.New()
	env    *config.Environment
	logger *log.Logger
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "copilot",
		Short:         "CI/CD incident copilot: turns failed GitLab pipelines into analyses and fix merge requests",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeConfig(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newMigrateCmd(),
		newRemediateCmd(),
		newProjectCmd(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("%v", err)
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// initializeConfig reads .env, the config file and the environment, then builds the logger
func initializeConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	config.SetDefaults(v)
	if err := config.Bind(v); err != nil {
		return err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if cmd.Flags().Changed("debug") {
		v.Set("debug", debug)
	}

	e, err := config.Load(v)
	if err != nil {
		return err
	}
	env = e

	l, err := log.NewWithOptions(log.Options{
		Debug:      env.Debug,
		Format:     env.LogFormat,
		File:       env.LogFile,
		MaxSizeMB:  env.LogMaxSizeMB,
		MaxBackups: env.LogMaxBackups,
		MaxAgeDays: env.LogMaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = l

	if v.ConfigFileUsed() != "" {
		logger.Debug("Using config file %s", v.ConfigFileUsed())
	}
	return nil
}
