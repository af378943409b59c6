package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/pipeline"
	"github.com/danielpatrickdp/adaptive-loop/internal/replay"
)

var replayJSON bool

var replayCmd = &cobra.Command{
	Use:   "replay <fixture>...",
	Short: "Replay recorded traffic fixtures through an in-memory loop",
	Long: "Loads JSON or YAML fixtures, runs one pass of the loop over a simulated toolkit, " +
		"and checks each target's terminal state and version against the fixture's expectations.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, err := replayFixtures(cmd.Context(), args, os.Stdout)
		if err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("%d of %d fixtures failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "output reports as JSON")
	rootCmd.AddCommand(replayCmd)
}

func replayFixtures(ctx context.Context, paths []string, out io.Writer) (int, error) {
	type jsonReport struct {
		Fixture     string                  `json:"fixture"`
		Description string                  `json:"description"`
		Pass        bool                    `json:"pass"`
		Targets     []pipeline.TargetReport `json:"targets"`
	}
	failed := 0
	var reports []jsonReport
	for _, path := range paths {
		f, err := replay.LoadFixture(path)
		if err != nil {
			return 0, err
		}
		report, err := pipeline.Replay(ctx, f, zap.L())
		if err != nil {
			return 0, eris.Wrapf(err, "replay %s", path)
		}
		if !report.Pass() {
			failed++
		}
		if replayJSON {
			reports = append(reports, jsonReport{
				Fixture:     path,
				Description: report.Description,
				Pass:        report.Pass(),
				Targets:     report.Targets,
			})
			continue
		}
		_, _ = fmt.Fprintf(out, "== %s\n%s\n", path, pipeline.Summarize(report))
	}
	if replayJSON {
		if err := printJSON(out, reports); err != nil {
			return 0, err
		}
	}
	return failed, nil
}
