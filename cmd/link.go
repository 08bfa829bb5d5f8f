package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/vm"
)

var linkCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Manage network links of a virtual machine",
	}

	addCmd := &cobra.Command{
		Use:   "add VM",
		Short: "Add a plug (--hostonly, --switch) or a socket (--sock)",
		Args:  cobra.ExactArgs(1),
		RunE:  runLinkAdd,
	}
	addEndpointFlags(addCmd)
	addCmd.Flags().Bool("sock", false, "serve a socket other VMs can connect to")
	addCmd.Flags().String("mac", "", "MAC address, random when empty")
	addCmd.Flags().String("model", vm.DefaultModel, "NIC model")

	connectCmd := &cobra.Command{
		Use:   "connect VM INDEX",
		Short: "Reconnect a plug, or disconnect it without endpoint flags",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runLinkConnect,
	}
	addEndpointFlags(connectCmd)

	cmd.AddCommand(
		addCmd,
		connectCmd,
		&cobra.Command{
			Use:   "rm VM INDEX",
			Short: "Remove the link ethINDEX",
			Args:  cobra.ExactArgs(2), //nolint:mnd
			RunE:  runLinkRemove,
		},
	)
	return cmd
}()

func addEndpointFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("hostonly", false, "connect to the host only network")
	cmd.Flags().String("switch", "", "connect to a switch, as NAME=SOCKET or SOCKET")
	cmd.MarkFlagsMutuallyExclusive("hostonly", "switch")
}

// endpointFromFlags returns the endpoint chosen by --hostonly or --switch,
// nil when neither is set.
func endpointFromFlags(cmd *cobra.Command) (vm.Endpoint, error) {
	if hostonly, _ := cmd.Flags().GetBool("hostonly"); hostonly {
		return vm.Hostonly, nil
	}
	sw, _ := cmd.Flags().GetString("switch")
	if sw == "" {
		return nil, nil
	}
	name, path, ok := strings.Cut(sw, "=")
	if !ok {
		path = name
		name = filepath.Base(path)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: --switch %q has no socket", vm.ErrInvalidValue, sw)
	}
	return vm.SwitchEndpoint{Name: name, SockPath: path}, nil
}

func linkAt(v *vm.VirtualMachine, index string) (vm.Link, error) {
	i, err := strconv.Atoi(strings.TrimPrefix(index, "eth"))
	links := v.Links()
	if err != nil || i < 0 || i >= len(links) {
		return nil, fmt.Errorf("%w: %s has no link %s", vm.ErrUnknownLink, v.Name(), index)
	}
	return links[i], nil
}

func runLinkAdd(cmd *cobra.Command, args []string) error {
	sock, _ := cmd.Flags().GetBool("sock")
	mac, _ := cmd.Flags().GetString("mac")
	model, _ := cmd.Flags().GetString("model")
	e, err := endpointFromFlags(cmd)
	if err != nil {
		return err
	}
	if sock && e != nil {
		return fmt.Errorf("%w: --sock takes no endpoint", vm.ErrInvalidValue)
	}
	return update(commandContext(cmd), func(s *session) error {
		v, err := s.factory.VM(args[0])
		if err != nil {
			return err
		}
		var l vm.Link
		if sock {
			l, err = v.AddSock(mac, model)
		} else {
			l, err = v.AddPlug(e, mac, model)
		}
		if err != nil {
			return err
		}
		fmt.Printf("added %s to %s (%s)\n", l, v.Name(), l.MAC())
		return nil
	})
}

func runLinkConnect(cmd *cobra.Command, args []string) error {
	e, err := endpointFromFlags(cmd)
	if err != nil {
		return err
	}
	return update(commandContext(cmd), func(s *session) error {
		v, err := s.factory.VM(args[0])
		if err != nil {
			return err
		}
		l, err := linkAt(v, args[1])
		if err != nil {
			return err
		}
		return l.Connect(e)
	})
}

func runLinkRemove(cmd *cobra.Command, args []string) error {
	return update(commandContext(cmd), func(s *session) error {
		v, err := s.factory.VM(args[0])
		if err != nil {
			return err
		}
		l, err := linkAt(v, args[1])
		if err != nil {
			return err
		}
		return v.RemoveLink(l)
	})
}
