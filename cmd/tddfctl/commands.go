package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/tddf/internal/app"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/service"
)

// Every mutating command previews unless --execute is given, and executing
// records --operator.
func mutationFlags(cmd *cobra.Command, execute *bool, operator *string) {
	cmd.Flags().BoolVar(execute, "execute", false, "Apply the change instead of previewing it")
	cmd.Flags().StringVar(operator, "operator", "", "Identity recorded on the change (required with --execute)")
}

func requireOperator(execute bool, operator string) error {
	if execute && operator == "" {
		return errors.New("--operator is required with --execute")
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [upload-id]",
		Short: "Show queue counts, or one upload with its line counts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					st, err := a.Pipeline.Status(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(st)
				}
				summary, err := a.Pipeline.Summary(ctx)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
}

func processCmd() *cobra.Command {
	var uploadID string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Decode pending raw lines into records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				stats, err := a.Processor.Run(ctx, uploadID)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
	cmd.Flags().StringVar(&uploadID, "upload", "", "Only process lines of this upload")
	return cmd
}

func advanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance [upload-id]",
		Short: "Move uploads through identify, load and encode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					job, err := a.Pipeline.AdvanceUpload(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(job)
				}
				stats, err := a.Pipeline.Advance(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func retryCmd() *cobra.Command {
	var due bool
	cmd := &cobra.Command{
		Use:   "retry [upload-id]",
		Short: "Re-enter an errored upload, or every upload whose backoff elapsed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !due {
				return errors.New("give an upload id or --due")
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				if due {
					n, err := a.Pipeline.RetryDue(ctx)
					if err != nil {
						return err
					}
					return printJSON(map[string]int{"retried": n})
				}
				job, err := a.Pipeline.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	cmd.Flags().BoolVar(&due, "due", false, "Retry every errored upload whose backoff elapsed")
	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <upload-id>",
		Short: "Archive a completed upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				job, err := a.Pipeline.Archive(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	var (
		execute  bool
		operator string
	)
	cmd := &cobra.Command{
		Use:   "delete <upload-id>...",
		Short: "Soft-delete uploads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(execute, operator); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Pipeline.SoftDelete(ctx, args, operator, execute)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	mutationFlags(cmd, &execute, &operator)
	return cmd
}

func staleCmd() *cobra.Command {
	var (
		execute  bool
		operator string
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List, or soft-delete, uploads stuck in a non-terminal phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(execute, operator); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Pipeline.DeleteStale(ctx, operator, execute)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	mutationFlags(cmd, &execute, &operator)
	return cmd
}

func retentionCmd() *cobra.Command {
	var (
		execute  bool
		operator string
	)
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Advance soft-deleted uploads one retention step",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(execute, operator); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				report, err := a.Pipeline.Retention(ctx, operator, execute)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	mutationFlags(cmd, &execute, &operator)
	return cmd
}

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Reconcile and purge objects in storage",
	}

	var prefix string
	scan := &cobra.Command{
		Use:   "scan",
		Short: "Reconcile storage objects with the upload catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				p := prefix
				if p == "" {
					p = a.Config.Lifecycle.ScanPrefix
				}
				report, err := a.Lifecycle.Scan(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
	scan.Flags().StringVar(&prefix, "prefix", "", "Key prefix to scan (default from config)")

	var (
		asOf  string
		limit int
	)
	plan := &cobra.Command{
		Use:   "plan",
		Short: "List objects due for purge without deleting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				p, err := a.Lifecycle.Plan(ctx, at, limit)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	plan.Flags().StringVar(&asOf, "as-of", "", "Evaluate due dates at this RFC3339 time (default now)")
	plan.Flags().IntVar(&limit, "limit", 0, "Maximum objects to list")

	var (
		execute   bool
		operator  string
		batchSize int
		execAsOf  string
		execLimit int
	)
	execCmd := &cobra.Command{
		Use:   "execute",
		Short: "Delete due objects; previews unless --execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(execute, operator); err != nil {
				return err
			}
			at, err := parseAsOf(execAsOf)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				result, err := a.Lifecycle.Execute(ctx, service.ExecuteOptions{
					Operator:  operator,
					DryRun:    !execute,
					BatchSize: batchSize,
					AsOf:      at,
					Limit:     execLimit,
				})
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	mutationFlags(execCmd, &execute, &operator)
	execCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Objects per batch (default from config)")
	execCmd.Flags().StringVar(&execAsOf, "as-of", "", "Evaluate due dates at this RFC3339 time (default now)")
	execCmd.Flags().IntVar(&execLimit, "limit", 0, "Maximum objects to purge")

	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Open scheduled purge tasks for due objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				n, err := a.Lifecycle.ScheduleDue(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"scheduled": n})
			})
		},
	}

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Show object totals by status and purge tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				objects, tasks, err := a.Lifecycle.Summary(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"objects": objects, "tasks": tasks})
			})
		},
	}

	cmd.AddCommand(scan, plan, execCmd, schedule, summary)
	return cmd
}

func partitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List record partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				names, err := a.Store.Partitions.ListPartitions(ctx)
				if err != nil {
					return err
				}
				stranded, err := a.Store.Partitions.Stranded(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"partitioned": a.Store.Partitions.Enabled(),
					"partitions":  names,
					"stranded":    stranded,
				})
			})
		},
	}

	var from, to string
	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create quarterly partitions covering a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse("2006-01-02", from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end, err := time.Parse("2006-01-02", to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			if end.Before(start) {
				return errors.New("--to is before --from")
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				if !a.Store.Partitions.Enabled() {
					return errors.New("record table is not partitioned on this database")
				}
				if err := a.Store.Partitions.EnsureRange(ctx, start, end); err != nil {
					return err
				}
				names, err := a.Store.Partitions.ListPartitions(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"partitions": names})
			})
		},
	}
	ensure.Flags().StringVar(&from, "from", "", "First day to cover, YYYY-MM-DD")
	ensure.Flags().StringVar(&to, "to", "", "Last day to cover, YYYY-MM-DD")
	_ = ensure.MarkFlagRequired("from")
	_ = ensure.MarkFlagRequired("to")

	var (
		execute  bool
		operator string
	)
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Move quarters stranded in the default partition into their own partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(execute, operator); err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app.App) error {
				stranded, err := a.Store.Partitions.Stranded(ctx)
				if err != nil {
					return err
				}
				if !execute {
					return printJSON(map[string]interface{}{"dry_run": true, "stranded": stranded})
				}
				ctx = logger.SetOperator(ctx, operator)
				moved := make(map[string]int64, len(stranded))
				for _, q := range stranded {
					n, err := a.Store.Partitions.Rehome(ctx, q.Start)
					if err != nil {
						return err
					}
					moved[q.Partition] = n
				}
				return printJSON(map[string]interface{}{"operator": operator, "moved": moved})
			})
		},
	}
	mutationFlags(repair, &execute, &operator)

	cmd.AddCommand(ensure, repair)
	return cmd
}

func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of: %w", err)
	}
	return t.UTC(), nil
}
