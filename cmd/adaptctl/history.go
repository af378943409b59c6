package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

var (
	historyJSON bool
	historyBody int
)

var historyCmd = &cobra.Command{
	Use:   "history <target>",
	Short: "Show the version history of a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b, err := openBackend(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer b.Close()

		records, err := b.LoadVersions(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "history")
		}
		if len(records) == 0 {
			zap.L().Info("no versions recorded", zap.String("target", args[0]))
			return nil
		}

		if historyBody > 0 {
			for _, r := range records {
				if r.Version == historyBody {
					_, _ = fmt.Fprintln(os.Stdout, r.Body)
					return nil
				}
			}
			return eris.Errorf("%s has no version %d", args[0], historyBody)
		}
		if historyJSON {
			return printJSON(os.Stdout, records)
		}
		formatHistory(os.Stdout, records)
		return nil
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output as JSON")
	historyCmd.Flags().IntVar(&historyBody, "body", 0, "print the body of one version")
	rootCmd.AddCommand(historyCmd)
}

// formatHistory writes one row per version, oldest first. The last row is current.
func formatHistory(out io.Writer, records []version.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tCOMMITTED\tEXPERIMENT\tRESTORED\tBYTES\t")
	_, _ = fmt.Fprintln(w, "-------\t---------\t----------\t--------\t-----\t")

	for i, r := range records {
		exp := r.SourceExperimentID
		if exp == "" {
			exp = "-"
		}
		restored := "-"
		if r.RestoredFrom > 0 {
			restored = fmt.Sprintf("v%d", r.RestoredFrom)
		}
		marker := ""
		if i == len(records)-1 {
			marker = "current"
		}
		_, _ = fmt.Fprintf(w, "v%d\t%s\t%s\t%s\t%d\t%s\n",
			r.Version,
			r.CommittedAt.Format("2006-01-02 15:04:05"),
			truncate(exp, 12),
			restored,
			len(r.Body),
			marker,
		)
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
