package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Roelanb/limsnode/internal/ledger"
	"github.com/Roelanb/limsnode/internal/storage"
)

func newLedgerCommand(root *rootOptions) *cobra.Command {
	var experiment string
	cmd := &cobra.Command{
		Use:   "ledger [LEDGER_FILE]",
		Short: "List the files a transfer ledger has recorded",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch {
			case len(args) == 1:
				path = args[0]
			case experiment != "":
				cfg, err := root.load()
				if err != nil {
					return err
				}
				path = filepath.Join(cfg.Runtime.StateDir, "ledgers", storage.InternalPrefix+experiment+"-raw.yml")
			default:
				return fmt.Errorf("either LEDGER_FILE or --experiment is required")
			}
			entries, err := ledger.ReadFile(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "%s: no entries\n", path)
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.Path, e.At.Local().Format(time.DateTime)})
			}
			fmt.Fprintln(out, renderTable([]string{"Path", "Handled"}, rows, nil))
			fmt.Fprintf(out, "%d entries in %s\n", len(entries), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "Show the raw ledger of this experiment id")
	return cmd
}
