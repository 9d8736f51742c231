package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
)

// AmCmd groups configuration commands ("I am")
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate segpulse configuration",
	Long: `am - segpulse configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. segpulse.toml (searched upward from the working directory, or --config)
3. .env in the working directory
4. SEGPULSE_* environment variables (SEGPULSE_PULSE_WORKERS=4)

Examples:
  segpulse am show                  # Show configuration as TOML
  segpulse am show --format json    # Show configuration as JSON
  segpulse am validate              # Check the configuration
  segpulse am init                  # Write a starter segpulse.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration (tokens redacted)",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long:  "Write the built-in defaults to path (default segpulse.toml). An existing file is kept as <path>.back1.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", am.FormatTOML, "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	data, err := am.Render(cfg, configFormat)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if configFormat != am.FormatJSON {
		source := am.ConfigPath()
		if source == "" {
			source = "defaults"
		}
		fmt.Fprintf(out, "# segpulse configuration (%s)\n", source)
	}
	fmt.Fprint(out, string(data))
	if configFormat == am.FormatJSON {
		fmt.Fprintln(out)
	}
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		pterm.Error.Println(err.Error())
		if hint := errors.FlattenHints(err); hint != "" {
			pterm.Info.Println(hint)
		}
		return errors.New("configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if len(args) == 1 {
		path = args[0]
	}
	if err := am.WriteDefault(path); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", path)
	return nil
}
