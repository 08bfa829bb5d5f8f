package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/console"
	"github.com/projecteru2/vbricks/process"
	"github.com/projecteru2/vbricks/vm"
)

var vmStartCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start NAME",
		Short: "Power on a virtual machine and stay attached to it",
		Long: `Power on a virtual machine and stay attached to it.

On a terminal the emulator console is relayed until the escape sequence
(default ^]) is typed; the VM keeps running until it powers off. Interrupting
the command asks the guest to power down, and terminates the emulator when
it does not within the stop timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: runVMStart,
	}
	cmd.Flags().String("snapshot", "", "resume from the named snapshot (loadvm)")
	cmd.Flags().Bool("no-console", false, "do not attach to the emulator console")
	cmd.Flags().String("escape-char", "^]", "console escape character")
	return cmd
}()

func runVMStart(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.vmStart")
	name := args[0]
	snapshot, _ := cmd.Flags().GetString("snapshot")
	noConsole, _ := cmd.Flags().GetBool("no-console")
	escapeStr, _ := cmd.Flags().GetString("escape-char")
	escapeChar, err := console.ParseEscapeChar(escapeStr)
	if err != nil {
		return err
	}
	interactive := !noConsole && console.IsTerminal(os.Stdin)

	s, err := openSession(ctx, interactive)
	if err != nil {
		return err
	}
	v, err := s.factory.VM(name)
	if err != nil {
		return err
	}
	if _, alive := vmPID(name); alive {
		return fmt.Errorf("%w: %s", vm.ErrRunning, name)
	}
	// Leftovers of a crashed run would satisfy the readiness wait.
	for _, sock := range []string{conf.MonitorSocket(name), conf.SerialSocket(name)} {
		if err := os.Remove(sock); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf(ctx, "remove stale socket %s: %v", sock, err)
		}
	}

	if err := v.Poweron(ctx, snapshot); err != nil {
		return err
	}
	if err := writeCmdline(conf.CmdlineFile(name), v.Cmdline()); err != nil {
		logger.Warnf(ctx, "write cmdline of %s: %v", name, err)
	}
	proc := v.Process()
	fmt.Fprintf(os.Stderr, "%s started (pid %d)\n", name, proc.Pid())

	if p, ok := proc.(*process.Process); ok && interactive {
		if err := attach(ctx, p, escapeChar); err != nil {
			logger.Warnf(ctx, "console of %s: %v", name, err)
		}
	}
	return waitVM(ctx, v)
}

// writeCmdline records the argv the emulator was launched with.
func writeCmdline(file string, argv []string) error {
	return os.WriteFile(file, []byte(strings.Join(argv, " ")+"\n"), 0o644) //nolint:gosec
}

// attach relays the emulator terminal until the user detaches, then keeps
// draining its output to the VM log.
func attach(ctx context.Context, p *process.Process, escapeChar byte) error {
	restore, err := console.MakeRaw(os.Stdin)
	if err != nil {
		return err
	}
	if ptmx, ok := p.Console().(*os.File); ok {
		stop := console.HandleResize(os.Stdin, ptmx)
		defer stop()
	}
	fmt.Fprintf(os.Stderr, "Escape sequence is %s.\r\n", console.FormatEscapeChar(escapeChar))
	relayErr := console.Relay(ctx, p.Console(), os.Stdin, os.Stdout, escapeChar)
	restore()

	select {
	case <-p.Done():
	default:
		fmt.Fprintln(os.Stderr, "detached, the virtual machine keeps running")
		out, err := vmOutput(p.Name())
		if err != nil {
			go p.Drain(io.Discard)
		} else {
			go func() {
				p.Drain(out)
				_ = out.Close()
			}()
		}
	}
	return relayErr
}

// waitVM blocks until the VM exits. Cancelling ctx powers it off.
func waitVM(ctx context.Context, v *vm.VirtualMachine) error {
	proc := v.Process()
	if proc == nil {
		return nil
	}
	err := v.Wait(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.WithFunc("cmd.waitVM").Infof(context.Background(), "interrupted, powering off %s", v.Name())
		if err := poweroff(v); err != nil {
			return err
		}
	default:
		return err
	}
	fmt.Fprintf(os.Stderr, "%s stopped (exit status %d)\n", v.Name(), proc.ExitCode())
	return nil
}

func poweroff(v *vm.VirtualMachine) error {
	gctx, cancel := context.WithTimeout(context.Background(), stopTimeout())
	defer cancel()
	if err := v.Poweroff(gctx, false); err != nil {
		log.WithFunc("cmd.poweroff").Warnf(gctx, "graceful poweroff of %s: %v, terminating", v.Name(), err)
		fctx, fcancel := context.WithTimeout(context.Background(), stopTimeout())
		defer fcancel()
		return v.Poweroff(fctx, true)
	}
	return nil
}
