package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
)

var (
	runFixture  string
	runRate     float64
	runRepeat   int
	runDuration time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the loop against simulated targets",
	Long: "Seeds simulated targets from a fixture, replays its traffic as live invocations, " +
		"and runs the loop with persistence, metrics and the configured advisory service " +
		"until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runRate <= 0 && runRepeat <= 0 {
			return eris.New("unthrottled replay needs a bounded --repeat")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if runDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runDuration)
			defer cancel()
		}

		f, err := replay.LoadFixture(runFixture)
		if err != nil {
			return err
		}

		b, err := openBackend(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer b.Close()

		d, err := newDaemon(ctx, cfg, b, f, zap.L())
		if err != nil {
			return eris.Wrap(err, "start loop")
		}
		defer d.Close()

		zap.L().Info("loop started",
			zap.String("fixture", runFixture),
			zap.Int("targets", len(f.Targets)),
			zap.String("store", cfg.Store.Driver),
			zap.String("advisory", cfg.Advisory.Provider))
		err = d.run(ctx, &feedOptions{Rate: runRate, Repeat: runRepeat})
		zap.L().Info("loop stopped")
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runFixture, "fixture", "", "fixture describing targets and their traffic")
	runCmd.Flags().Float64Var(&runRate, "rate", 200, "replayed invocations per second (0 = unthrottled)")
	runCmd.Flags().IntVar(&runRepeat, "repeat", 0, "passes over the fixture traffic (0 = until stopped)")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "stop after this long (0 = until interrupted)")
	_ = runCmd.MarkFlagRequired("fixture")
	rootCmd.AddCommand(runCmd)
}
