package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/projecteru2/vbricks/gc"
	"github.com/projecteru2/vbricks/vm"
)

var gcCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove private disks and runtime files nothing in the open project uses",
		RunE:  runGC,
	}
	cmd.Flags().Bool("dry-run", false, "only print what would be removed")
	cmd.Flags().Bool("backups", false, "also remove private disks moved aside after a base image change")
	return cmd
}()

// liveFiles references the runtime files of running VMs.
type liveFiles map[string]struct{}

func (l liveFiles) UsedFiles() map[string]struct{} { return l }

func runGC(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backups, _ := cmd.Flags().GetBool("backups")
	return view(ctx, func(s *session) error {
		live := liveFiles{}
		for _, v := range s.factory.VMs() {
			if _, alive := vmPID(v.Name()); !alive {
				continue
			}
			for _, p := range []string{conf.MonitorSocket(v.Name()), conf.SerialSocket(v.Name()), conf.PIDFile(v.Name())} {
				live[p] = struct{}{}
			}
			for _, l := range v.Links() {
				if sock, ok := l.(*vm.Sock); ok {
					live[strings.TrimSuffix(sock.Path(), "[]")] = struct{}{}
				}
			}
		}
		used := gc.Collect(map[string]any{"factory": s.factory, "runtime": live}, gc.Files)

		patterns := slices.Concat(gc.DiskPatterns, gc.RuntimePatterns)
		if backups {
			patterns = append(patterns, gc.BackupPatterns...)
		}
		orphans, err := gc.Orphans(s.project.Path(), patterns, used)
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Println("Nothing to collect.")
			return nil
		}
		for _, p := range orphans {
			fmt.Println(p)
		}
		if dryRun {
			return nil
		}
		return gc.Sweep(ctx, orphans)
	})
}
