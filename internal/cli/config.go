package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pulsepoint/pulsewatch/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage PulseWatch configuration",
	Long:  `View and modify PulseWatch configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the resolved configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📋 PulseWatch Configuration\n")
	fmt.Fprintf(out, "═══════════════════════════════════════\n\n")
	fmt.Fprintf(out, "📁 Config File: %s\n\n", pulsePointConfigFile())

	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	return pulsePointRenderSettings(out, settings)
}

func pulsePointRenderSettings(out io.Writer, settings *config.Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	_, err = out.Write(yamlData)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	viper.Set(key, value)

	// Refuse values that would break the next run
	if _, err := config.Load(viper.GetViper()); err != nil {
		return err
	}

	// Write config to file
	if err := viper.WriteConfig(); err != nil {
		configFile := pulsePointConfigFile()
		if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := viper.SafeWriteConfigAs(configFile); err != nil {
			return fmt.Errorf("failed to write configuration: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Configuration updated\n")
	fmt.Fprintf(cmd.OutOrStdout(), "   %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key '%s' not found", key)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%v\n", viper.Get(key))
	return nil
}

func pulsePointConfigFile() string {
	if configFile := viper.ConfigFileUsed(); configFile != "" {
		return configFile
	}
	return filepath.Join(config.DefaultDir(), "config.yaml")
}
