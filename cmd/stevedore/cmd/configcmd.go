package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stevedore-io/stevedore/pkg/config"
)

var (
	configInit  bool
	configShow  bool
	configForce bool
)

// NewConfigCmd creates the config management command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stevedore configuration",
		Long: `Manage the stevedore configuration file.

Settings load with the following precedence:

1. Environment variables (STEVEDORE_*)
2. Configuration file
3. Built-in defaults

Examples:
  # Write a default configuration file to ~/.stevedore.yaml
  stevedore config --init

  # Show the effective configuration
  stevedore config --show`,
		RunE: runConfigCmd,
	}

	cmd.Flags().BoolVar(&configInit, "init", false, "Write a default configuration file")
	cmd.Flags().BoolVar(&configShow, "show", false, "Show the effective configuration")
	cmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing configuration file on --init")

	return cmd
}

func runConfigCmd(cmd *cobra.Command, _ []string) error {
	if configInit {
		return initConfigFile(cmd)
	}
	if configShow {
		return showConfigFile(cmd)
	}
	return cmd.Help()
}

func initConfigFile(cmd *cobra.Command) error {
	path := cfgFile
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return err
		}
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
	return nil
}

func showConfigFile(cmd *cobra.Command) error {
	cfg, err := loadConfigFromFlags()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to format config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}
