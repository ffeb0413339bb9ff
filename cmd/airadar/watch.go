package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/AIRadar/internal/pipeline"
)

var (
	watchSchedule string
	watchNow      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a cycle on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule := watchSchedule
		if schedule == "" {
			schedule = cfg.Schedule.Cron
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		pipe := pipeline.New(cfg, db)
		logger := slog.Default().With("component", "watch")

		cycle := func() {
			result, err := pipe.Run(ctx)
			switch {
			case errors.Is(err, pipeline.ErrCycleRunning):
				logger.Warn("previous cycle still running, skipping")
			case err != nil:
				logger.Error("cycle failed, retrying at next tick", "error", err)
			default:
				logger.Info("cycle finished", "new_entries", result.NewEntries(),
					"processed", result.Processed, "enhanced", result.Enhanced)
			}
		}

		cronLog := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
		logger.Info("watching", "schedule", schedule, "sources", pipe.Sources())
		return runSchedule(ctx, schedule, cycle, watchNow, cronLog)
	},
}

// runSchedule runs cycle on the cron schedule, plus once immediately when runNow
// is set, until ctx is done. It returns only after every started cycle, the
// immediate one included, has finished.
func runSchedule(ctx context.Context, schedule string, cycle func(), runNow bool, cronLog cron.Logger) error {
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(schedule, cycle); err != nil {
		return fmt.Errorf("scheduling cycle: %w", err)
	}

	var immediate sync.WaitGroup
	c.Start()
	if runNow {
		immediate.Add(1)
		go func() {
			defer immediate.Done()
			cycle()
		}()
	}

	<-ctx.Done()
	slog.Default().With("component", "watch").Info("shutting down, waiting for the running cycle")
	<-c.Stop().Done()
	immediate.Wait()
	return nil
}

func init() {
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "Cron expression (default from config)")
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "Run a cycle immediately before the first tick")
}
