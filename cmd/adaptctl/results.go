package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/experiment"
	"github.com/danielpatrickdp/adaptive-loop/internal/telemetry"
)

var (
	resultsLimit      int
	resultsJSON       bool
	resultsExperiment string
)

var resultsCmd = &cobra.Command{
	Use:   "results [target]",
	Short: "List experiment results, newest first",
	Long:  "Lists recorded experiment results. With --experiment, shows that experiment's lifecycle events.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b, err := openBackend(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer b.Close()

		if resultsExperiment != "" {
			ls, ok := b.(lifecycleSource)
			if !ok {
				return eris.Errorf("store driver %s does not record lifecycle events", cfg.Store.Driver)
			}
			events, err := ls.Lifecycle(ctx, resultsExperiment)
			if err != nil {
				return eris.Wrap(err, "lifecycle")
			}
			if resultsJSON {
				return printJSON(os.Stdout, events)
			}
			formatLifecycle(os.Stdout, events)
			return nil
		}

		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		results, err := b.Results(ctx, target, resultsLimit)
		if err != nil {
			return eris.Wrap(err, "results")
		}
		if len(results) == 0 {
			zap.L().Info("no experiment results recorded")
			return nil
		}
		if resultsJSON {
			return printJSON(os.Stdout, results)
		}
		formatResults(os.Stdout, results)
		return nil
	},
}

func init() {
	resultsCmd.Flags().IntVar(&resultsLimit, "limit", 20, "maximum results to show (0 = all)")
	resultsCmd.Flags().BoolVar(&resultsJSON, "json", false, "output as JSON")
	resultsCmd.Flags().StringVar(&resultsExperiment, "experiment", "", "show lifecycle events for one experiment")
	rootCmd.AddCommand(resultsCmd)
}

func formatResults(out io.Writer, results []experiment.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "EXPERIMENT\tTARGET\tSTRATEGY\tBASE\tSTATE\tMETRIC\tIMPROVEMENT\tMEASURED\tREASON")
	_, _ = fmt.Fprintln(w, "----------\t------\t--------\t----\t-----\t------\t-----------\t--------\t------")

	for _, r := range results {
		measured := "-"
		if !r.MeasuredAt.IsZero() {
			measured = r.MeasuredAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%s\t%s\t%+.1f%%\t%s\t%s\n",
			truncate(r.ExperimentID, 8),
			r.Target,
			r.Strategy,
			r.BaseVersion,
			r.Final,
			r.Evaluation.Metric,
			100*r.Evaluation.Improvement,
			measured,
			truncate(r.Reason, 60),
		)
	}
	_ = w.Flush()
}

func formatLifecycle(out io.Writer, events []telemetry.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tEVENT\tTARGET\tSTRATEGY\tDURATION\tREASON")
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.At.Format("15:04:05.000"),
			ev.Type,
			ev.Target,
			ev.Strategy,
			ev.Duration,
			truncate(ev.Reason, 60),
		)
	}
	_ = w.Flush()
}
