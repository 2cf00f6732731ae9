package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/vswitch/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the switch in the foreground",
	Long: `Run the switch until SIGTERM or SIGINT. SIGHUP reloads the configuration.

Examples:
  vswitch start                       # Start with /etc/vswitch/config.yml
  vswitch start -c config.yml         # Start with config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile)
		if err != nil {
			return err
		}
		if err := d.Start(); err != nil {
			d.Stop()
			return fmt.Errorf("failed to start: %w", err)
		}
		return d.Run()
	},
}
