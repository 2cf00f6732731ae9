package cmd

import (
	"fmt"
	"io"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/vswitch/internal/config"
	"firestige.xyz/vswitch/internal/daemon"
)

// Signaler delivers a signal to the running daemon.
type Signaler interface {
	Signal(sig syscall.Signal) error
}

// pidSignaler finds the daemon through the pid file of its configuration.
type pidSignaler struct {
	pidFile string
}

func (p pidSignaler) Signal(sig syscall.Signal) error {
	return daemon.Signal(p.pidFile, sig)
}

func signalerFromConfig() (Signaler, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Switch.PIDFile == "" {
		return nil, fmt.Errorf("switch.pid_file is not configured")
	}
	return pidSignaler{pidFile: cfg.Switch.PIDFile}, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running switch gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signalerFromConfig()
		if err != nil {
			return err
		}
		return runStop(s, cmd.OutOrStdout())
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the configuration of the running switch",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signalerFromConfig()
		if err != nil {
			return err
		}
		return runReload(s, cmd.OutOrStdout())
	},
}

func runStop(s Signaler, out io.Writer) error {
	if err := s.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(out, "✓ Stop signal sent")
	return nil
}

func runReload(s Signaler, out io.Writer) error {
	if err := s.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Reload signal sent")
	return nil
}
