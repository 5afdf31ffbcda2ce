package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/errors"
)

// ConfigCmd groups configuration inspection and changes.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
	Long: `Show the effective configuration or persist a change.

Values merge from /etc/rubato, ~/.rubato, a project-local rubato.toml,
and RUBATO_* environment variables. "config set" writes to the user file.

Examples:
  rubato config show
  rubato config show --format json
  rubato config set scheduler.workers 20
  rubato config set planner.enabled true`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long:  `Write one dotted key (e.g. scheduler.workers) into ` + "`~/.rubato/config.toml`" + `, creating the file if needed.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configFormatFlag string

func init() {
	configShowCmd.Flags().StringVar(&configFormatFlag, "format", "toml", "Output format: toml, json")
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	shown := *cfg
	if shown.Planner.APIKey != "" {
		shown.Planner.APIKey = "[redacted]"
	}

	switch configFormatFlag {
	case "json":
		data, err := json.MarshalIndent(shown, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal configuration")
		}
		fmt.Println(string(data))
	case "toml":
		data, err := toml.Marshal(shown)
		if err != nil {
			return errors.Wrap(err, "failed to marshal configuration")
		}
		fmt.Printf("# rubato configuration (effective)\n%s", string(data))
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", configFormatFlag)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if err := config.SetValue(key, value); err != nil {
		return errors.Wrapf(err, "failed to set %s", key)
	}

	// Reload so a typo that breaks validation is caught here, not at the
	// next serve.
	if _, err := config.Reload(); err != nil {
		pterm.Warning.Printfln("Value written, but the resulting configuration is invalid: %v", err)
		return nil
	}

	pterm.Success.Printfln("Set %s = %s", key, value)
	pterm.Info.Println("Running processes apply planner cadence live; other changes need a restart.")
	return nil
}
