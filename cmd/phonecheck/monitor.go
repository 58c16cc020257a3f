package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/phonecheck/av"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newMonitorCommand(c *cli) *cobra.Command {
	var checks int

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Place test calls on a schedule",
		Long: `Place a test call every monitor.interval while the local time is inside
the monitor.active_from to monitor.active_until window, logging a running
summary after each check. Runs until interrupted or --checks is reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			schedule, err := cfg.Schedule()
			if err != nil {
				return err
			}

			engine, err := av.NewEngine(cfg.Options())
			if err != nil {
				return err
			}
			metrics := av.NewMetricsAggregator(cfg.Monitor.History)
			metrics.OnReport(func(summary av.CheckSummary) {
				entry := logrus.WithFields(logrus.Fields{
					"function":             "monitor",
					"total":                summary.TotalChecks,
					"succeeded":            summary.Succeeded,
					"failed":               summary.Failed,
					"consecutive_failures": summary.ConsecutiveFailures,
					"overall_quality":      summary.OverallQuality.String(),
				})
				if summary.LastOK {
					entry.Info("Check summary")
				} else {
					entry.Warn("Check summary")
				}
			})

			monitor, err := av.NewMonitor(engine, schedule, metrics)
			if err != nil {
				return err
			}
			monitor.SetRetry(cfg.Media.Retry)
			monitor.OnResult(func(result *av.Result) {
				printResult(cmd.OutOrStdout(), result)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := monitor.Run(ctx, checks); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&checks, "checks", 0, "stop after this many checks (0 runs until interrupted)")
	cmd.Flags().Duration("interval", 0, "time between checks (overrides monitor.interval)")
	_ = c.viper.BindPFlag("monitor.interval", cmd.Flags().Lookup("interval"))

	return cmd
}
