package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/retrovue/retrovue/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing retrovue configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  retrovue config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/retrovue, $HOME/.retrovue)
  - Environment variables (RETROVUE_SERVER_PORT, RETROVUE_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the RETROVUE_ prefix and underscores for nesting.
Example: server.port -> RETROVUE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// renderSettings rewrites viper's raw settings tree for human output:
// durations become "2s"/"3h" strings and nested maps are sorted by the
// YAML marshaler.
func renderSettings(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case time.Duration:
			out[k] = val.String()
		case map[string]any:
			out[k] = renderSettings(val)
		default:
			out[k] = v
		}
	}
	return out
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	settings := renderSettings(v.AllSettings())

	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# retrovue Configuration File")
	fmt.Println("# ============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 200ms, 30s, 5m, 6h")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   RETROVUE_SERVER_HOST, RETROVUE_SERVER_PORT")
	fmt.Println("#   RETROVUE_DATABASE_DRIVER, RETROVUE_DATABASE_DSN")
	fmt.Println("#   RETROVUE_CHANNELS_DIR, RETROVUE_ASRUN_DIR")
	fmt.Println("#   RETROVUE_LOGGING_LEVEL, RETROVUE_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
