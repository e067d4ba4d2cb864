// Package cli implements the command-line interface for PulseWatch
package cli

import (
	"fmt"
	"os"

	"github.com/pulsepoint/pulsewatch/internal/config"
	pplogger "github.com/pulsepoint/pulsewatch/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	verboseMode bool
	version     = "dev"
	buildDate   = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pulsewatch",
	Short: "PulseWatch - Coalesced file change notifications for a directory tree",
	Long: `PulseWatch monitors a local directory tree and reports changes in
coalesced batches instead of one event per file system notification.

Writes performed by PulseWatch itself (such as the stamp file) are made
with the watcher paused, so they are never reported back as changes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	defer pplogger.Sync()
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, bd string) {
	version = v
	buildDate = bd
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildDate)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pulsewatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseMode, "verbose", "v", false, "verbose output")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Add all subcommands
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.DefaultDir())
		viper.AddConfigPath("/etc/pulsewatch/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	config.BindEnv(viper.GetViper())
	config.SetDefaults(viper.GetViper())

	configErr := viper.ReadInConfig()

	// Invalid settings are reported again by the command that needs them
	settings, loadErr := config.Load(viper.GetViper())
	logConfig := pplogger.DefaultConfig()
	if loadErr == nil {
		logConfig = settings.LogConfig()
	}
	if verboseMode {
		logConfig.Level = "debug"
		logConfig.Development = true
	}

	if err := pplogger.Initialize(logConfig); err != nil {
		logConfig.OutputPath = ""
		if err := pplogger.Initialize(logConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		}
	}

	log := pplogger.Named("cli")
	if configErr == nil {
		log.Debug("Using config file", zap.String("file", viper.ConfigFileUsed()))
	} else if _, ok := configErr.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
		log.Warn("Failed to read config file", zap.String("file", cfgFile), zap.Error(configErr))
	}
	if loadErr != nil {
		log.Warn("Invalid configuration", zap.Error(loadErr))
	}
}
