package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "write a new node configuration with a fresh peer id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := defaultNodeConfig()
		cfg.ID = uuid.New()
		if len(args) == 1 {
			cfg.Name = args[0]
		}
		if err := WriteConfig(configPath, cfg); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (peer id %s)\n", configPath, cfg.ID)
		return nil
	},
}
