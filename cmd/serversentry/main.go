// serversentry is a single-binary monitoring agent for Linux servers.
//
// It samples CPU, memory, disk, and process health from procfs on a
// fixed cadence, keeps bounded per-series history with CSV
// persistence, detects statistical anomalies, evaluates composite
// alert rules, and notifies Slack, Teams, Discord, generic webhooks,
// and email with per-channel cooldowns.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/azzuwayed/serversentry/internal/config"
	"github.com/azzuwayed/serversentry/internal/model"
	"github.com/azzuwayed/serversentry/internal/output"
	"github.com/azzuwayed/serversentry/internal/sampler"
	"github.com/azzuwayed/serversentry/internal/scheduler"
	"github.com/azzuwayed/serversentry/internal/store"
)

var version = "0.1.0"

// Exit codes. check exits with the worst plugin status; the other
// verbs use the operational codes.
const (
	exitOK       = 0
	exitWarning  = 1
	exitCritical = 2
	exitUnknown  = 3
	exitConfig   = 4
	exitStopped  = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	code := exitOK

	rootCmd := &cobra.Command{
		Use:   "serversentry",
		Short: "Lightweight server monitoring agent",
		Long: `serversentry — monitoring agent for Linux servers.

Samples CPU, memory, disk, and process health on a fixed cadence,
keeps bounded per-series history, detects statistical anomalies,
evaluates composite alert rules, and delivers notifications to
Slack, Teams, Discord, generic webhooks, and email.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (empty for defaults plus environment)")

	var (
		startForeground bool
		startLogFile    string
	)
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Run the monitoring agent",
		Long: `Start the scheduler and run until SIGINT or SIGTERM.

SIGHUP or a change to the configuration file reloads plugins,
thresholds, and rules without restarting. Unless --foreground is
given, a PID file is written under the data directory and logs go
to a file there.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				code = exitConfig
				return err
			}
			if err := runStart(cfg, configPath, startForeground, startLogFile); err != nil {
				code = exitUnknown
				return err
			}
			return nil
		},
	}
	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "Log to stderr and skip the PID file")
	startCmd.Flags().StringVar(&startLogFile, "log-file", "", "Log file path (default <data_directory>/serversentry.log)")

	var (
		checkJSON   bool
		checkOutput string
	)
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run one sampling pass and report per-plugin status",
		Long: `Sample every enabled plugin once, print the results, and exit
with the worst status: 0 ok, 1 warning, 2 critical, 3 error.
Nothing is stored and no notifications are sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				code = exitConfig
				return err
			}
			results := scheduler.CheckOnce(cmd.Context(), sampler.Defaults(), cfg.PluginSpecs(), "")
			if checkJSON {
				if err := output.WriteJSON(results, checkOutput); err != nil {
					code = exitUnknown
					return err
				}
			} else {
				fmt.Print(scheduler.FormatCheck(results))
			}
			code = statusCode(scheduler.WorstStatus(results))
			return nil
		},
	}
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Write results as JSON")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "-", "Output file path (- for stdout)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the agent is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				code = exitConfig
				return err
			}
			if pid, running := readPIDFile(pidFilePath(cfg)); running {
				fmt.Printf("serversentry is running (pid %d)\n", pid)
				return nil
			}
			fmt.Println("serversentry is not running")
			code = exitStopped
			return nil
		},
	}

	var (
		exportPlugin string
		exportMetric string
		exportFrom   int64
		exportTo     int64
		exportOutput string
	)
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored series as JSON",
		Long: `Load the persisted series under the data directory and write them
as JSON, optionally filtered by plugin, metric, and a Unix-seconds
time range.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				code = exitConfig
				return err
			}
			st, err := store.New(cfg.StoreOptions(), nil)
			if err != nil {
				code = exitUnknown
				return err
			}
			defer st.Close()
			if err := output.WriteJSON(st.Export(exportPlugin, exportMetric, exportFrom, exportTo), exportOutput); err != nil {
				code = exitUnknown
				return err
			}
			return nil
		},
	}
	exportCmd.Flags().StringVar(&exportPlugin, "plugin", "", "Only series from this plugin")
	exportCmd.Flags().StringVar(&exportMetric, "metric", "", "Only this metric")
	exportCmd.Flags().Int64Var(&exportFrom, "from", 0, "Oldest timestamp to include (Unix seconds)")
	exportCmd.Flags().Int64Var(&exportTo, "to", 0, "Newest timestamp to include (0 for no upper bound)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "Output file path (- for stdout)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("serversentry " + version)
		},
	}

	rootCmd.AddCommand(startCmd, checkCmd, statusCmd, exportCmd, versionCmd)
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if code == exitOK {
			code = exitUnknown
		}
	}
	return code
}

func statusCode(s model.Status) int {
	switch s {
	case model.StatusOK:
		return exitOK
	case model.StatusWarning:
		return exitWarning
	case model.StatusCritical:
		return exitCritical
	default:
		return exitUnknown
	}
}
