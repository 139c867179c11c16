package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Roelanb/limsnode/internal/history"
)

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var experiment string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfers from the transfer history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.Runtime.HistoryDbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			entries, err := store.Recent(ctx, experiment, limit)
			if err != nil {
				return err
			}
			bytes, files, failures, err := store.Totals(ctx, experiment)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.At.Local().Format(time.DateTime),
					e.Experiment,
					e.Path,
					humanize.IBytes(uint64(e.Size)),
					e.Elapsed.Round(time.Millisecond).String(),
					e.Error,
				})
			}
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable([]string{"At", "Experiment", "Path", "Size", "Took", "Error"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
			}
			fmt.Fprintf(out, "%s files (%s), %d failures\n", humanize.Comma(int64(files)), humanize.IBytes(uint64(bytes)), failures)
			return nil
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "Only transfers of this experiment")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	return cmd
}
