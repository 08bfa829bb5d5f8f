package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/utils"
	"github.com/projecteru2/vbricks/vm"
)

var vmCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
	}

	createCmd := &cobra.Command{
		Use:   "create NAME [KEY=VALUE...]",
		Short: "Create a virtual machine",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runVMCreate,
	}
	addRAMFlag(createCmd)

	setCmd := &cobra.Command{
		Use:   "set NAME KEY=VALUE...",
		Short: "Set parameters; disk slots (hda, fda...) take an image name or nothing",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runVMSet,
	}
	addRAMFlag(setCmd)

	showCmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE:  runVMShow,
	}
	showCmd.Flags().Bool("all", false, "show parameters at their default too")

	cmd.AddCommand(
		createCmd,
		setCmd,
		showCmd,
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List virtual machines",
			RunE:    runVMList,
		},
		&cobra.Command{
			Use:   "cmdline NAME",
			Short: "Print the emulator command line, creating private disks when needed",
			Args:  cobra.ExactArgs(1),
			RunE:  runVMCmdline,
		},
		&cobra.Command{
			Use:   "rename OLD NEW",
			Short: "Rename a stopped virtual machine",
			Args:  cobra.ExactArgs(2), //nolint:mnd
			RunE:  runVMRename,
		},
		&cobra.Command{
			Use:     "rm NAME",
			Aliases: []string{"delete"},
			Short:   "Remove a stopped virtual machine",
			Args:    cobra.ExactArgs(1),
			RunE:    runVMRemove,
		},
		linkCmd,
		vmStartCmd,
		vmStopCmd,
		vmConsoleCmd,
		vmSendCmd,
	)
	return cmd
}()

func addRAMFlag(cmd *cobra.Command) {
	cmd.Flags().String("ram", "", "guest memory (e.g. 512M, 2G)")
}

// applyRAM stores --ram, given in human units, as megabytes.
func applyRAM(cmd *cobra.Command, v *vm.VirtualMachine) error {
	text, _ := cmd.Flags().GetString("ram")
	if text == "" {
		return nil
	}
	n, err := units.RAMInBytes(text)
	if err != nil {
		return fmt.Errorf("invalid --ram %q: %w", text, err)
	}
	return v.Config().SetInt("ram", int(n/units.MiB))
}

// applyParams assigns KEY=VALUE pairs. Device keys bind images of s.
func applyParams(s *session, v *vm.VirtualMachine, pairs []string) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: %q is not KEY=VALUE", vm.ErrInvalidValue, pair)
		}
		kind, known := vm.KindOf(key)
		if !known {
			return fmt.Errorf("%w: %q", vm.ErrUnknownKey, key)
		}
		if kind != vm.KindDevice {
			if err := v.Config().Parse(key, value); err != nil {
				return err
			}
			continue
		}
		if value == "" {
			if err := v.SetImage(key, nil); err != nil {
				return err
			}
			continue
		}
		img, err := s.factory.Image(value)
		if err != nil {
			return err
		}
		if err := v.SetImage(key, img); err != nil {
			return err
		}
	}
	return nil
}

func runVMCreate(cmd *cobra.Command, args []string) error {
	return update(commandContext(cmd), func(s *session) error {
		v, err := s.factory.NewVM(args[0])
		if err != nil {
			return err
		}
		if err := applyParams(s, v, args[1:]); err != nil {
			return err
		}
		if err := applyRAM(cmd, v); err != nil {
			return err
		}
		id, _ := s.factory.ID(v.Name())
		fmt.Printf("created vm %s (%s)\n", v.Name(), id)
		return nil
	})
}

func runVMSet(cmd *cobra.Command, args []string) error {
	return update(commandContext(cmd), func(s *session) error {
		v, err := s.factory.VM(args[0])
		if err != nil {
			return err
		}
		if err := applyParams(s, v, args[1:]); err != nil {
			return err
		}
		return applyRAM(cmd, v)
	})
}

func runVMShow(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	return view(commandContext(cmd), func(s *session) error {
		v, err := s.factory.VM(args[0])
		if err != nil {
			return err
		}
		id, _ := s.factory.ID(v.Name())
		fmt.Printf("%s (%s): %s\n", v.Name(), id, vmState(v.Name()))
		fmt.Println(v.Summary())

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
		changed := v.Config().Changed()
		for _, key := range vm.Keys() {
			if kind, _ := vm.KindOf(key); kind == vm.KindDevice {
				continue
			}
			if _, ok := changed[key]; !ok && !all {
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\n", key, v.Config().Format(key))
		}
		for _, d := range v.Disks() {
			img := d.Image()
			if img == nil {
				continue
			}
			mode := "shared"
			switch {
			case d.ReadOnly():
				mode = "snapshot"
			case d.IsCOW():
				mode = "private"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s (%s, %s)\n", d.Device(), img.Name(), img.Path(), mode)
		}
		for i, l := range v.Links() {
			_, _ = fmt.Fprintf(w, "eth%d\t%s %s %s\n", i, l, l.Model(), l.MAC())
		}
		return w.Flush()
	})
}

func runVMList(cmd *cobra.Command, _ []string) error {
	return view(commandContext(cmd), func(s *session) error {
		vms := s.factory.VMs()
		if len(vms) == 0 {
			fmt.Println("No virtual machines found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tRAM\tSMP\tLINKS")
		for _, v := range vms {
			ram := units.BytesSize(float64(v.Config().Int("ram")) * units.MiB)
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
				v.Name(), vmState(v.Name()), ram, v.Config().Int("smp"), len(v.Links()))
		}
		return w.Flush()
	})
}

func runVMCmdline(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	return view(ctx, func(s *session) error {
		v, err := s.factory.VM(args[0])
		if err != nil {
			return err
		}
		argv, err := v.Args(ctx)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(argv, " "))
		return nil
	})
}

func runVMRename(cmd *cobra.Command, args []string) error {
	if _, alive := vmPID(args[0]); alive {
		return fmt.Errorf("%w: %s", vm.ErrRunning, args[0])
	}
	return update(commandContext(cmd), func(s *session) error {
		return s.factory.RenameVM(args[0], args[1])
	})
}

func runVMRemove(cmd *cobra.Command, args []string) error {
	if _, alive := vmPID(args[0]); alive {
		return fmt.Errorf("%w: %s", vm.ErrRunning, args[0])
	}
	return update(commandContext(cmd), func(s *session) error {
		if err := s.factory.DelVM(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed vm %s\n", args[0])
		return nil
	})
}

// vmPID returns the pid recorded for the VM and whether it still runs
// the emulator of that VM.
func vmPID(name string) (int, bool) {
	return utils.PIDFile(conf.PIDFile(name)).Owner(conf.MonitorSocket(name))
}

func vmState(name string) string {
	if pid, alive := vmPID(name); alive {
		return "running (pid " + strconv.Itoa(pid) + ")"
	}
	return "stopped"
}
