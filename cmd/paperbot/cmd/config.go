package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/paperbot/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage paperbot configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  paperbot config init -o paperbot.yaml
  paperbot config validate -f paperbot.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file, accounts included",
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "paperbot.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ Created default configuration: %s\n", configInitOutput)
	fmt.Println("\nEdit the file and run with:")
	fmt.Printf("  paperbot run -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed:\n%w", err)
	}

	fmt.Printf("✓ Configuration valid: %s\n", configPath)
	fmt.Printf("  Store: %s\n", cfg.Store.Path)
	for _, v := range cfg.Venues {
		fmt.Printf("  Venue: %s (%s feed, %d symbols)\n", v.ID, v.Feed.Kind, len(v.Symbols))
	}
	for _, a := range cfg.Accounts {
		fmt.Printf("  Account: %s on %s ($%.2f, %s, risk %.2f%%)\n",
			a.ID, a.Venue, a.StartingEquity, a.Profile, a.EffectiveFraction()*100)
	}
	return nil
}
