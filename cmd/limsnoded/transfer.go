package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Roelanb/limsnode/internal/config"
	"github.com/Roelanb/limsnode/internal/rules"
	"github.com/Roelanb/limsnode/internal/storage"
	"github.com/Roelanb/limsnode/internal/transfer"
)

type transferOptions struct {
	expType  string
	patterns []string
	tags     []string
	storage  string
	dest     string
	move     bool
	checksum bool
}

func newTransferCommand(root *rootOptions) *cobra.Command {
	opts := &transferOptions{}
	cmd := &cobra.Command{
		Use:   "transfer SOURCE_DIR",
		Short: "Transfer a local directory to a configured storage once",
		Long: "Transfer the files of SOURCE_DIR matched by the rules of an experiment type\n" +
			"(or by ad-hoc --pattern globs) into --dest below a configured storage.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			return runTransfer(cmd, cfg, root.level(cfg), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.expType, "type", "", "Experiment type whose rules select the files")
	cmd.Flags().StringArrayVar(&opts.patterns, "pattern", nil, "Ad-hoc glob (repeatable); files keep their tree")
	cmd.Flags().StringSliceVar(&opts.tags, "tags", nil, "Only use rules carrying all of these tags")
	cmd.Flags().StringVar(&opts.storage, "storage", "", "Destination storage (defaults to the type's storage)")
	cmd.Flags().StringVar(&opts.dest, "dest", "", "Location below the storage, usually the experiment id")
	cmd.Flags().BoolVar(&opts.move, "move", false, "Remove source files after a verified transfer")
	cmd.Flags().BoolVar(&opts.checksum, "checksum", false, "Verify ad-hoc pattern transfers with a checksum")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func transferRules(cfg *config.Config, opts *transferOptions) (*rules.RuleSet, string, error) {
	storageName := opts.storage
	var rs *rules.RuleSet
	switch {
	case len(opts.patterns) > 0:
		r, err := rules.Spec{Patterns: opts.patterns, Target: ".", KeepTree: true, Checksum: opts.checksum}.Build()
		if err != nil {
			return nil, "", err
		}
		rs = rules.NewRuleSet(r)
	case opts.expType != "":
		var t *config.ExperimentType
		for i := range cfg.ExperimentTypes {
			if cfg.ExperimentTypes[i].Name == opts.expType {
				t = &cfg.ExperimentTypes[i]
			}
		}
		if t == nil {
			return nil, "", fmt.Errorf("unknown experiment type %q", opts.expType)
		}
		var err error
		if rs, err = t.RuleSet(); err != nil {
			return nil, "", err
		}
		if storageName == "" {
			storageName = t.Storage
		}
	default:
		return nil, "", fmt.Errorf("either --type or --pattern is required")
	}
	if len(opts.tags) > 0 {
		rs = rs.WithTags(opts.tags...)
	}
	if opts.move {
		rs = rs.Map(func(r *rules.Rule) *rules.Rule { return r.WithAction(rules.Move) })
	}
	if storageName == "" {
		return nil, "", fmt.Errorf("--storage is required with --pattern")
	}
	return rs, storageName, nil
}

func runTransfer(cmd *cobra.Command, cfg *config.Config, level, srcDir string, opts *transferOptions) error {
	rs, storageName, err := transferRules(cfg, opts)
	if err != nil {
		return err
	}
	sc, ok := cfg.Storages[storageName]
	if !ok {
		return fmt.Errorf("unknown storage %q", storageName)
	}
	abs, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	src, err := storage.NewLocal(abs, "")
	if err != nil {
		return err
	}
	dst, err := storage.Open(sc, opts.dest)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := dst.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare %s: %w", storageName, err)
	}

	logger := newCLILogger(level)
	defer logger.Sync() //nolint:errcheck
	engine, err := transfer.New(src, dst, rs, nil, transfer.Options{
		Workers:                cfg.Runtime.Workers,
		MaxConsecutiveFailures: cfg.Runtime.MaxConsecutiveFailures,
		Logger:                 logger,
		TempDir:                cfg.Runtime.TempDir,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	results, errs := engine.TransferAll(ctx)
	out := cmd.OutOrStdout()

	var total int64
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		total += r.Size
		check := r.Checksum
		if r.Colocated {
			check = "colocated"
		}
		rows = append(rows, []string{r.Path, r.TargetPath, humanize.IBytes(uint64(r.Size)), r.Elapsed.Round(time.Millisecond).String(), check})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Source", "Target", "Size", "Took", "Check"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
	}
	fmt.Fprintf(out, "%d files, %s via %s in %s\n", len(results), humanize.IBytes(uint64(total)),
		engine.Strategy(), time.Since(started).Round(time.Millisecond))

	if len(errs) == 0 {
		return nil
	}
	failed := make([][]string, 0, len(errs))
	for _, fe := range errs {
		failed = append(failed, []string{fe.Path, fe.Err.Error()})
	}
	fmt.Fprintln(out, renderTable([]string{"Failed", "Error"}, failed, nil))
	return fmt.Errorf("%d files failed", len(errs))
}
