package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/vswitch/internal/config"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the packet processing graph as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		sw, err := buildSwitch(cfg)
		if err != nil {
			return err
		}
		defer sw.Close()

		out, err := sw.Graph().Dump()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
