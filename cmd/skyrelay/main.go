package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		_, _ = fmt.Fprintln(os.Stderr, "skyrelay:", err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type StatusFlags struct {
	JSON bool
	// APIURL queries a running status API instead of the local pid records.
	APIURL     string
	APITimeout time.Duration
}

type LogsFlags struct {
	Lines  int
	Follow bool
}

type SliceFlags struct {
	Device    string
	Serial    string
	Functions []string
}

func buildRoot() *cobra.Command {
	return newRoot(&command{flags: &GlobalFlags{}})
}

func newRoot(c *command) *cobra.Command {
	statusFlags := &StatusFlags{}
	logsFlags := &LogsFlags{}
	sliceFlags := &SliceFlags{}

	root := createRootCommand(c.flags)
	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c, statusFlags),
		createLogsCommand(c, logsFlags),
		createSetupCommand(c),
		createDevicesCommand(c),
		createSliceCommand(c, sliceFlags),
		createMirrorCommand(c),
		createAPICommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "skyrelay",
		Short: "Supervisor for ADS-B, VDL2 and ACARS capture processes",
		Long: `Skyrelay assigns SDR devices to capture functions, runs the capture
processes detached, time-slices functions that share a device and
reports what is running.

Examples:
  skyrelay setup                 # choose devices interactively
  skyrelay start
  skyrelay status --json
  skyrelay logs vdl2 -n 50 -f
  skyrelay stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to YAML or TOML config file (optional)")
	return root
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Stop any previous session, then start every configured service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Start(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop every service and sweep leftover capture processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createStatusCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service liveness, reachability and time-slice state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	cmd.Flags().StringVar(&f.APIURL, "api-url", "", "status API base URL, e.g. http://127.0.0.1:8090/api")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "status API request timeout")
	return cmd
}

func createLogsCommand(c *command, f *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print the last lines of a service log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), cmd.OutOrStdout(), args[0], *f)
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 20, "number of lines to print")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing appended output")
	return cmd
}

func createSetupCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Choose a device for each function and save the plan file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Setup(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func createDevicesCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached SDR devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Devices(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createSliceCommand(c *command, f *SliceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "slice",
		Short:  "Run the time-slice scheduler of one device",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Slice(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Device, "device", "", "device index")
	cmd.Flags().StringVar(&f.Serial, "serial", "", "device serial")
	cmd.Flags().StringSliceVar(&f.Functions, "functions", nil, "functions in rotation order")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("functions")
	return cmd
}

func createMirrorCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:    "mirror",
		Short:  "Mirror capture output into snapshot files",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Mirror(cmd.Context())
		},
	}
}

func createAPICommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:    "api",
		Short:  "Serve the status API",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.API(cmd.Context())
		},
	}
}
