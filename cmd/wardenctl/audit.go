package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/retention"
)

// errChainInvalid makes verify exit non-zero after printing the report.
var errChainInvalid = errors.New("audit chain verification failed")

func newVerifyCmd(opts *globalOpts) *cobra.Command {
	var (
		from, to int64
		archive  string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the audit chain and report violations",
		Long: `Recompute every entry hash in [from, to] and check linkage.

With --archive, verify an exported JSONL file against its manifest instead
of the database.

Example:
  wardenctl verify --from 1000
  wardenctl verify --archive /var/lib/warden/archive/audit/000000000001-000000005000_2026-03-01T00-00-00Z.jsonl.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if archive != "" {
				rep, err := retention.VerifyArchive(archive)
				if err != nil {
					return err
				}
				if err := opts.print(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if !rep.Valid {
					return errChainInvalid
				}
				return nil
			}

			st, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			rep, err := audit.NewChain(st).Verify(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			if err := opts.print(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.Valid {
				return errChainInvalid
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "First sequence number")
	cmd.Flags().Int64Var(&to, "to", 0, "Last sequence number (0 = head)")
	cmd.Flags().StringVar(&archive, "archive", "", "Verify an exported archive file instead of the database")
	return cmd
}

func newSummaryCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show chain totals, head hash and checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := audit.NewChain(st).GetSummary(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), sum)
		},
	}
}

func newCheckpointsCmd(opts *globalOpts) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List chain checkpoints (genesis, first of each UTC day and month)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := audit.NewChain(st).GetSummary(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]audit.Checkpoint, 0, len(sum.Checkpoints))
			for _, cp := range sum.Checkpoints {
				if kind == "" || string(cp.Kind) == kind {
					out = append(out, cp)
				}
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only this kind (genesis, day, month)")
	return cmd
}

func newExportCmd(opts *globalOpts) *cobra.Command {
	var (
		path      string
		compress  bool
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries past the archive watermark",
		Long: `Run one retention cycle: verify and write every entry above the
highest sequence already archived under --path. Entries are never deleted
from the database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--path is required")
			}
			st, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			j, err := retention.NewJanitor(audit.NewChain(st), retention.NewLocalFileArchiver(path, compress), retention.DefaultSchedule)
			if err != nil {
				return err
			}
			j.SetBatchSize(batchSize)
			stats, err := j.RunCycle(cmd.Context())
			if stats != nil {
				if perr := opts.print(cmd.OutOrStdout(), stats); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Archive directory")
	cmd.Flags().BoolVar(&compress, "compress", false, "Gzip archive files")
	cmd.Flags().IntVar(&batchSize, "batch-size", retention.DefaultArchiveBatchSize, "Entries per archive file")
	return cmd
}
