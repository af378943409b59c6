package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/decision"
	"github.com/danielpatrickdp/adaptive-loop/internal/version"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <target> <version>",
	Short: "Restore an earlier version of a target",
	Long: "Appends a copy of the given version as the new current version. History is kept. " +
		"A running loop makes the restored version live on its next start.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target := args[0]
		to, err := strconv.Atoi(args[1])
		if err != nil {
			return eris.Wrapf(err, "parse version %q", args[1])
		}

		b, err := openBackend(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer b.Close()

		logger := zap.L()
		versions := version.NewStore(b, logger)
		if err := versions.Load(ctx); err != nil {
			return err
		}
		decisions := decision.NewEngine(versions, nil, b, nil, logger)

		before, _ := decisions.Current(target)
		rec, err := decisions.Rollback(ctx, target, to)
		if err != nil {
			return eris.Wrap(err, "rollback")
		}
		if rec.Version == before.Version {
			_, _ = fmt.Fprintf(os.Stdout, "%s already at the body of v%d (current v%d)\n", target, to, rec.Version)
			return nil
		}
		_, _ = fmt.Fprintf(os.Stdout, "%s now at v%d (restored from v%d)\n", target, rec.Version, rec.RestoredFrom)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}
