package cmd

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/console"
	"github.com/projecteru2/vbricks/monitor"
	"github.com/projecteru2/vbricks/vm"
)

var vmConsoleCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console NAME",
		Short: "Attach to the monitor, or the serial port, of a running virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE:  runVMConsole,
	}
	cmd.Flags().Bool("serial", false, "attach to the serial port (needs serial=true)")
	cmd.Flags().String("escape-char", "^]", "escape character")
	return cmd
}()

var vmSendCmd = &cobra.Command{
	Use:   "send NAME COMMAND...",
	Short: "Send one monitor command to a running virtual machine",
	Args:  cobra.MinimumNArgs(2), //nolint:mnd
	RunE:  runVMSend,
}

// runningSocket restores the project, checks name runs and returns the
// socket picked by pick.
func runningSocket(cmd *cobra.Command, name string, pick func(string) string) (string, error) {
	if err := view(commandContext(cmd), func(s *session) error {
		_, err := s.factory.VM(name)
		return err
	}); err != nil {
		return "", err
	}
	if _, alive := vmPID(name); !alive {
		return "", fmt.Errorf("%w: %s", vm.ErrNotRunning, name)
	}
	return pick(name), nil
}

func runVMConsole(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	serial, _ := cmd.Flags().GetBool("serial")
	escapeStr, _ := cmd.Flags().GetString("escape-char")
	escapeChar, err := console.ParseEscapeChar(escapeStr)
	if err != nil {
		return err
	}
	pick := conf.MonitorSocket
	if serial {
		pick = conf.SerialSocket
	}
	sock, err := runningSocket(cmd, args[0], pick)
	if err != nil {
		return err
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "unix", sock)
	if err != nil {
		return fmt.Errorf("connect %s: %w", sock, err)
	}
	defer conn.Close() //nolint:errcheck

	if console.IsTerminal(os.Stdin) {
		restore, err := console.MakeRaw(os.Stdin)
		if err != nil {
			return err
		}
		defer restore()
	}
	fmt.Fprintf(os.Stderr, "Connected to %s.\r\nEscape sequence is %s.\r\n", args[0], console.FormatEscapeChar(escapeChar))
	return console.Relay(ctx, conn, os.Stdin, os.Stdout, escapeChar)
}

func runVMSend(cmd *cobra.Command, args []string) error {
	sock, err := runningSocket(cmd, args[0], conf.MonitorSocket)
	if err != nil {
		return err
	}
	reply, err := monitor.Send(commandContext(cmd), sock, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	if reply != "" {
		fmt.Println(reply)
	}
	return nil
}
