package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/vswitch/internal/config"
	"firestige.xyz/vswitch/internal/filter"
	"firestige.xyz/vswitch/internal/metrics"
	"firestige.xyz/vswitch/internal/vswitch"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the switch. The filter
tables are instantiated as well, so unknown filter kinds are reported.

Examples:
  vswitch validate -c config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		sw, err := buildSwitch(cfg)
		if err != nil {
			return fmt.Errorf("INVALID: %w", err)
		}
		sw.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "VALID: %d network(s), %d iface(s), %d filter table(s)\n",
			len(cfg.Networks), len(cfg.Ifaces), len(cfg.Filters))
		return nil
	},
}

// buildSwitch creates a switch that is never started.
func buildSwitch(cfg *config.Config) (*vswitch.Switch, error) {
	opts := cfg.SwitchOptions()
	// nothing is captured by a switch that does not run
	opts.Capture = ""
	return vswitch.New(opts, filter.NewRegistry(), metrics.NewInspection())
}
