package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/vbricks/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vbricks",
		Short:         "vbricks - qemu virtual machines and their disks, grouped in projects",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("workspace", "", "directory holding the projects")
	cmd.PersistentFlags().String("home", "", "runtime directory used when no project is open")
	cmd.PersistentFlags().String("qemu-path", "", "directory of the qemu binaries")

	_ = viper.BindPFlag("workspace", cmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("home", cmd.PersistentFlags().Lookup("home"))
	_ = viper.BindPFlag("qemu_path", cmd.PersistentFlags().Lookup("qemu-path"))

	viper.SetEnvPrefix("VBRICKS")
	viper.AutomaticEnv()

	cmd.AddCommand(
		projectCmd,
		imageCmd,
		vmCmd,
		gcCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	// unset flags unmarshal as ""
	if conf.Workspace == "" {
		conf.Workspace = config.DefaultConfig().Workspace
	}
	if conf.CowFormat == "" {
		conf.CowFormat = "qcow2"
	}
	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 30 //nolint:mnd
	}
	if err := conf.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// NewCommandContext returns the context commands run under. SIGINT and
// SIGTERM cancel it, which powers off a VM started in the foreground.
func NewCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
