package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/qemuimg"
)

var imageCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "image",
		Aliases: []string{"img"},
		Short:   "Manage base disk images",
	}

	addCmd := &cobra.Command{
		Use:   "add NAME PATH",
		Short: "Register an existing image file",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runImageAdd,
	}
	addCmd.Flags().String("description", "", "image description")

	createCmd := &cobra.Command{
		Use:   "create NAME PATH",
		Short: "Create an empty image file and register it",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  runImageCreate,
	}
	createCmd.Flags().String("size", "10G", "image size (e.g. 512M, 20G)")
	createCmd.Flags().String("format", "qcow2", "image format")
	createCmd.Flags().String("description", "", "image description")

	cmd.AddCommand(
		addCmd,
		createCmd,
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List images",
			RunE:    runImageList,
		},
		&cobra.Command{
			Use:   "rm NAME",
			Short: "Unregister an image no disk uses",
			Args:  cobra.ExactArgs(1),
			RunE:  runImageRemove,
		},
		&cobra.Command{
			Use:   "describe NAME [TEXT]",
			Short: "Show or set an image description",
			Args:  cobra.RangeArgs(1, 2), //nolint:mnd
			RunE:  runImageDescribe,
		},
	)
	return cmd
}()

func runImageAdd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	descr, _ := cmd.Flags().GetString("description")
	return update(ctx, func(s *session) error {
		img, err := s.factory.NewImage(args[0], args[1], descr)
		if err != nil {
			return err
		}
		if !img.Exists() {
			log.WithFunc("cmd.imageAdd").Warnf(ctx, "image file %s does not exist yet", img.Path())
		}
		fmt.Printf("added image %s: %s\n", img.Name(), img.Path())
		return nil
	})
}

func runImageCreate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	sizeText, _ := cmd.Flags().GetString("size")
	format, _ := cmd.Flags().GetString("format")
	descr, _ := cmd.Flags().GetString("description")
	size, err := units.RAMInBytes(sizeText)
	if err != nil {
		return fmt.Errorf("invalid --size %q: %w", sizeText, err)
	}
	if _, err := os.Stat(args[1]); err == nil {
		return fmt.Errorf("%s already exists", args[1])
	}
	return update(ctx, func(s *session) error {
		if err := qemuimg.New(conf.QemuPath).CreateImage(ctx, format, args[1], size); err != nil {
			return err
		}
		img, err := s.factory.NewImage(args[0], args[1], descr)
		if err != nil {
			return err
		}
		fmt.Printf("created image %s: %s (%s)\n", img.Name(), img.Path(), units.BytesSize(float64(size)))
		return nil
	})
}

func runImageList(cmd *cobra.Command, _ []string) error {
	return view(commandContext(cmd), func(s *session) error {
		imgs := s.factory.Images()
		if len(imgs) == 0 {
			fmt.Println("No images found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
		_, _ = fmt.Fprintln(w, "NAME\tFORMAT\tSIZE\tPATH\tDESCRIPTION")
		for _, img := range imgs {
			descr, _, _ := strings.Cut(img.Description(), "\n")
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", img.Name(), img.Format(), img.HumanSize(), img.Path(), descr)
		}
		return w.Flush()
	})
}

func runImageRemove(cmd *cobra.Command, args []string) error {
	return update(commandContext(cmd), func(s *session) error {
		if err := s.factory.RemoveImage(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed image %s\n", args[0])
		return nil
	})
}

func runImageDescribe(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	if len(args) == 1 {
		return view(ctx, func(s *session) error {
			img, err := s.factory.Image(args[0])
			if err != nil {
				return err
			}
			fmt.Println(img.Description())
			return nil
		})
	}
	return update(ctx, func(s *session) error {
		img, err := s.factory.Image(args[0])
		if err != nil {
			return err
		}
		img.SetDescription(args[1])
		return nil
	})
}
