package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seclab/vulnreview/constants"
	"github.com/seclab/vulnreview/internal/audit"
	"github.com/seclab/vulnreview/internal/checkpoint"
	"github.com/seclab/vulnreview/internal/common"
	"github.com/seclab/vulnreview/internal/entity"
	"github.com/seclab/vulnreview/internal/estimate"
	"github.com/seclab/vulnreview/internal/export"
	"github.com/seclab/vulnreview/internal/infer"
	"github.com/seclab/vulnreview/internal/orchestrator"
	"github.com/seclab/vulnreview/internal/parse"
	"github.com/seclab/vulnreview/internal/review"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:   "vulnreview",
		Short: "Resumable review of model vulnerability judgments",
		Long:  "vulnreview processes collections of model-generated vulnerability judgments, resolving each item into a final label through parsing and staged human review.",
	}
	rootCmd.AddCommand(newRunCmd(logger))
	rootCmd.AddCommand(newExportCmd(logger))
	rootCmd.AddCommand(newResetCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		logger.Error("cmd.failed", "error", err)
		os.Exit(1)
	}
}

func newRunCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <runset.yaml>",
		Short: "Process a run set, prompting on stdin for review decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := common.LoadConfig()
			rs, err := common.LoadRunSet(args[0], cfg)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(rs.OutputDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			if cfg.LLM.Model == "" {
				cfg.LLM.Model = rs.Model
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store, err := checkpoint.NewStore(cfg.State.Dir, logger)
			if err != nil {
				return err
			}
			parser, err := parse.New(rs.Kind, logger)
			if err != nil {
				return err
			}
			arb := review.New(rs.Kind, rs.Policy, logger)
			client := infer.NewClient(cfg.LLM, logger)
			est := estimate.New(cfg.Review.Alpha)

			opts := []orchestrator.Option{}
			if cfg.State.AuditPath != "" {
				auditStore, err := audit.Open(ctx, cfg.State.AuditPath, logger)
				if err != nil {
					return err
				}
				defer auditStore.Close()
				opts = append(opts, orchestrator.WithAudit(auditStore))
			}

			runner := orchestrator.NewRunner(rs, store, parser, arb, client, est, logger, opts...)
			runner.Start(ctx)
			go promptDecisions(ctx, runner, rs)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)

			stopRequested := false
			for {
				select {
				case <-sig:
					if !stopRequested {
						// finish the current item, then stop
						stopRequested = true
						runner.Stop()
						continue
					}
					cancel()
				case <-runner.Done():
					return runner.Err()
				}
			}
		},
	}
	return cmd
}

// promptDecisions is the stdin review frontend. It polls for a pending
// item and translates typed labels into decisions.
func promptDecisions(ctx context.Context, runner *orchestrator.Runner, rs *common.RunSet) {
	in := bufio.NewScanner(os.Stdin)
	var last entity.ItemKey
	var lastStage int
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-runner.Done():
			return
		case <-ticker.C:
		}

		item := runner.CurrentItem()
		if item == nil || !item.Pending {
			continue
		}
		if item.ItemKey == last && item.ReviewStage == lastStage {
			continue
		}
		last, lastStage = item.ItemKey, item.ReviewStage

		p := runner.Progress()
		fmt.Printf("\n--- review needed (stage %d", item.ReviewStage)
		if item.ReviewReason != "" {
			fmt.Printf(", %s", item.ReviewReason)
		}
		fmt.Printf(") --- file %.1f%%, total %.1f%%\n", p.FileProgress, p.TotalProgress)
		fmt.Printf("item %s\n", item.ItemKey.String())
		fmt.Printf("response:\n%s\n", item.ResponseText)
		if rs.Kind == constants.KindFunction {
			fmt.Print("label [1=vulnerable, 0=not vulnerable]> ")
		} else {
			fmt.Print("label [1=vulnerable, 0=not vulnerable, -1=not relevant]> ")
		}

		if !in.Scan() {
			return
		}
		value, err := strconv.Atoi(strings.TrimSpace(in.Text()))
		if err != nil {
			fmt.Println("not a label, try again")
			last = entity.ItemKey{}
			continue
		}
		if err := runner.SubmitDecision(ctx, item.ItemKey, value); err != nil {
			fmt.Printf("rejected: %v\n", err)
			last = entity.ItemKey{}
		}
	}
}

func newExportCmd(logger *slog.Logger) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <runset.yaml>",
		Short: "Export the run set's finalized output files to XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := common.LoadConfig()
			rs, err := common.LoadRunSet(args[0], cfg)
			if err != nil {
				return err
			}

			outputs := make([]string, 0, len(rs.InputFiles))
			for _, f := range rs.InputFiles {
				outputs = append(outputs, filepath.Join(rs.OutputDir, filepath.Base(f)))
			}

			svc := export.NewService(rs.Kind, logger)
			data, err := svc.ExportResultsXLSX(cmd.Context(), outputs)
			if err != nil {
				return err
			}
			if out == "" {
				out = rs.Name + ".xlsx"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write workbook: %w", err)
			}
			logger.Info("export.saved", "path", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "workbook path (default <runset name>.xlsx)")
	return cmd
}

func newResetCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <runset.yaml>",
		Short: "Delete the run set's checkpoints so the next run starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := common.LoadConfig()
			rs, err := common.LoadRunSet(args[0], cfg)
			if err != nil {
				return err
			}
			store, err := checkpoint.NewStore(cfg.State.Dir, logger)
			if err != nil {
				return err
			}
			for _, f := range rs.InputFiles {
				id := entity.RunIdentity{Model: rs.Model, InputFile: f}
				if err := store.Reset(id); err != nil {
					return err
				}
				logger.Info("checkpoint.reset", "model", rs.Model, "input_file", f)
			}
			return nil
		},
	}
	return cmd
}
