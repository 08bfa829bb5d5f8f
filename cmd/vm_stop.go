package cmd

import (
	"fmt"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/monitor"
	"github.com/projecteru2/vbricks/utils"
	"github.com/projecteru2/vbricks/vm"
)

const stopPollInterval = 500 * time.Millisecond

var vmStopCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop NAME",
		Short: "Power off a running virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE:  runVMStop,
	}
	cmd.Flags().Bool("force", false, "terminate the emulator instead of asking the guest")
	cmd.Flags().Int("timeout", 0, "seconds to wait for the guest (default: stop_timeout_seconds)")
	return cmd
}()

func runVMStop(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	name := args[0]
	force, _ := cmd.Flags().GetBool("force")
	timeout := stopTimeout()
	if secs, _ := cmd.Flags().GetInt("timeout"); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	// Restoring the project points the runtime home at its directory.
	if err := view(ctx, func(s *session) error {
		_, err := s.factory.VM(name)
		return err
	}); err != nil {
		return err
	}
	pid, alive := vmPID(name)
	if !alive {
		return fmt.Errorf("%w: %s", vm.ErrNotRunning, name)
	}

	if !force {
		if stopped := powerdown(cmd, name, pid, timeout); stopped {
			fmt.Printf("%s stopped\n", name)
			return nil
		}
	}
	if err := utils.TerminateProcess(ctx, pid, timeout, conf.MonitorSocket(name)); err != nil {
		return fmt.Errorf("terminate %s: %w", name, err)
	}
	fmt.Printf("%s stopped\n", name)
	return nil
}

// powerdown asks the guest to shut down and reports whether it did within
// timeout.
func powerdown(cmd *cobra.Command, name string, pid int, timeout time.Duration) bool {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.powerdown")
	logger.Infof(ctx, "sending powerdown to %s (pid %d)", name, pid)
	if _, err := monitor.Send(ctx, conf.MonitorSocket(name), "system_powerdown"); err != nil {
		logger.Warnf(ctx, "powerdown %s: %v, terminating", name, err)
		return false
	}
	err := utils.WaitFor(ctx, timeout, stopPollInterval, func() (bool, error) {
		return !utils.IsProcessAlive(pid), nil
	})
	if err != nil {
		logger.Warnf(ctx, "%s did not power down within %s, terminating", name, timeout)
		return false
	}
	return true
}
