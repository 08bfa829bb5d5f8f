package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/factory"
	"github.com/projecteru2/vbricks/project"
)

var projectCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"p"},
		Short:   "Manage projects",
	}

	openCmd := &cobra.Command{
		Use:   "open NAME",
		Short: "Open a project, closing the current one",
		Args:  cobra.ExactArgs(1),
		RunE:  runProjectOpen,
	}
	openCmd.Flags().Bool("create", false, "create the project when missing")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create NAME",
			Short: "Create a project and open it",
			Args:  cobra.ExactArgs(1),
			RunE:  runProjectCreate,
		},
		openCmd,
		&cobra.Command{
			Use:   "close",
			Short: "Save and close the current project",
			RunE:  runProjectClose,
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List projects",
			RunE:    runProjectList,
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Delete a project that is not open",
			Args:  cobra.ExactArgs(1),
			RunE:  runProjectDelete,
		},
	)
	return cmd
}()

func runProjectCreate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	if err := closeCurrent(cmd); err != nil {
		return err
	}
	p, err := newManager().Create(ctx, args[0], factory.New(vmOptions(false)))
	if err != nil {
		return err
	}
	if err := setCurrentProjectName(p.Name()); err != nil {
		return err
	}
	fmt.Printf("created project %s at %s\n", p.Name(), p.Path())
	return nil
}

func runProjectOpen(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	create, _ := cmd.Flags().GetBool("create")
	if err := closeCurrent(cmd); err != nil {
		return err
	}
	f := factory.New(vmOptions(false))
	p, err := newManager().Open(ctx, args[0], f, create)
	if err != nil {
		return err
	}
	if err := setCurrentProjectName(p.Name()); err != nil {
		return err
	}
	fmt.Printf("opened project %s: %d image(s), %d vm(s)\n", p.Name(), len(f.Images()), len(f.VMs()))
	return nil
}

func runProjectClose(cmd *cobra.Command, _ []string) error {
	if err := closeCurrent(cmd); err != nil {
		return err
	}
	fmt.Println("closed")
	return nil
}

// closeCurrent saves and closes the recorded current project, if any.
func closeCurrent(cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, false)
	switch {
	case errors.Is(err, errNoProject):
		return nil
	case errors.Is(err, project.ErrNotExists):
		// removed behind our back
		return setCurrentProjectName("")
	case err != nil:
		return err
	}
	if err := s.manager.Close(ctx, s.factory); err != nil {
		return err
	}
	return setCurrentProjectName("")
}

func runProjectList(_ *cobra.Command, _ []string) error {
	names, err := newManager().List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No projects found.")
		return nil
	}
	cur, _ := currentProjectName()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "NAME\tOPEN")
	for _, name := range names {
		open := ""
		if name == cur {
			open = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", name, open)
	}
	return w.Flush()
}

func runProjectDelete(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	m := newManager()
	// Restoring the recorded project makes the manager refuse to delete it.
	if s, err := openSession(ctx, false); err == nil {
		m = s.manager
	} else if !errors.Is(err, errNoProject) {
		return err
	}
	if err := m.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted project %s\n", args[0])
	return nil
}
