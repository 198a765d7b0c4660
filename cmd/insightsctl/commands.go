package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/app"
	"github.com/BerylCAtieno/upload-insights-api/internal/config"
	"github.com/BerylCAtieno/upload-insights-api/internal/db"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/tasks"
	"github.com/BerylCAtieno/upload-insights-api/internal/vision"

	"github.com/spf13/cobra"
)

type cli struct {
	ui         *ui
	open       opener
	configPath string
	verbose    bool
	cfg        *config.Config
}

// newRootCmd builds the command tree. A nil open connects with app.New.
func newRootCmd(u *ui, open opener) *cobra.Command {
	c := &cli{ui: u, open: open}

	root := &cobra.Command{
		Use:           "insightsctl",
		Short:         "upload-insights operations CLI",
		Long:          "insightsctl inspects the task queue, the upload ledger and published models.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("CONFIG_PATH"), "YAML config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log connection details")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(c.configPath)
		if err != nil {
			return err
		}
		c.cfg = cfg
		if c.open == nil {
			c.open = openApp(c.verbose, cmd.ErrOrStderr())
		}
		return nil
	}

	root.AddCommand(
		c.statusCmd(),
		c.taskCmd(),
		c.trainCmd(),
		c.dlqCmd(),
		c.reconcileCmd(),
		c.cleanupCmd(),
		c.uploadCmd(),
		c.modelsCmd(),
		c.migrateCmd(),
	)
	return root
}

// withApp runs fn against a connected application and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.open(ctx, c.cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(ctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTaskType(s string) (queue.TaskType, error) {
	for _, t := range queue.AllTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	names := make([]string, 0, len(queue.AllTypes()))
	for _, t := range queue.AllTypes() {
		names = append(names, string(t))
	}
	return "", fmt.Errorf("unknown task type %q (want one of %s)", s, strings.Join(names, ", "))
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depths per task type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				stats, err := a.Queue.Stats(ctx)
				if err != nil {
					return err
				}
				parked, err := a.Queue.OutboxLength(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, c.ui.title("upload-insights queues"))
				for _, s := range stats {
					fmt.Fprintf(out, "%-18s %s: %d | %s: %d | %s: %d | %s: %d\n",
						s.Type,
						c.ui.ok("READY"), s.Ready,
						c.ui.warn("DELAYED"), s.Delayed,
						c.ui.info("IN_PROGRESS"), s.InProgress,
						c.ui.err("DLQ"), s.DLQ,
					)
				}
				fmt.Fprintf(out, "%s %d\n", c.ui.dim("parked events:"), parked)
				return nil
			})
		},
	}
}

func (c *cli) taskCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "task <id>",
		Short:   "Show a task record",
		Example: "insightsctl task 1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				t, err := a.Queue.Get(ctx, args[0])
				if errors.Is(err, queue.ErrTaskNotFound) {
					return fmt.Errorf("task %s not found", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func (c *cli) trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "train <category>",
		Short:   "Enqueue model training for a category",
		Example: "insightsctl train bottle",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category := strings.TrimSpace(args[0])
			if category == "" || strings.ContainsAny(category, `/\.`) {
				return fmt.Errorf("invalid category %q", args[0])
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				t, err := a.Queue.Enqueue(ctx, queue.TypeModelTraining, tasks.TrainingPayload{Category: category})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Training enqueued: %s\n", c.ui.ok("[OK]"), t.ID)
				return nil
			})
		},
	}
}

func (c *cli) dlqCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "dlq <task-type>",
		Short:   "List dead-lettered tasks",
		Example: "insightsctl dlq tabular_analysis --limit 10",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseTaskType(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				dead, err := a.Queue.DLQ(ctx, typ, limit)
				if err != nil {
					return err
				}
				if len(dead) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks found in the DLQ.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "TASK ID\tATTEMPTS\tFAILED AT\tERROR")
				for _, t := range dead {
					msg := t.LastError
					if len(msg) > 50 {
						msg = msg[:47] + "..."
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", t.ID, t.Attempts, t.UpdatedAt.Format(time.RFC3339), msg)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of tasks to list")
	return cmd
}

func (c *cli) reconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Redeliver parked follow-up events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				n, err := a.Bus.ReconcileOutbox(ctx, limit)
				fmt.Fprintf(cmd.OutOrStdout(), "%s Redelivered %d event(s)\n", c.ui.ok("[OK]"), n)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events to redeliver")
	return cmd
}

func (c *cli) cleanupCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished task records past their retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				n, err := a.Queue.CleanupExpired(ctx, limit, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %d task record(s)\n", c.ui.ok("[OK]"), n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum number of records to remove")
	return cmd
}

func (c *cli) uploadCmd() *cobra.Command {
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an upload record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid upload id %q", args[0])
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				rec, err := a.Ledger.GetByID(ctx, id)
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("upload %d not found", id)
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	var limit int
	list := &cobra.Command{
		Use:     "list <status>",
		Short:   "List upload records in a status",
		Example: "insightsctl upload list FAILURE",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := models.ParseStatus(strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				recs, err := a.Ledger.ListByStatus(ctx, status, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tFILENAME\tSIZE\tUPDATED AT")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", r.ID, r.Kind, r.Filename, r.Size, r.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of records to list")

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload ledger operations",
	}
	cmd.AddCommand(get, list)
	return cmd
}

func (c *cli) modelsCmd() *cobra.Command {
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Download published models into the local model directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.Application) error {
				n, err := vision.SyncModels(ctx, a.Store, a.Config.ModelsFolder, a.Config.ModelDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Synced %d model(s) into %s\n", c.ui.ok("[OK]"), n, a.Config.ModelDir)
				return nil
			})
		},
	}

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Image model operations",
	}
	cmd.AddCommand(sync)
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply ledger database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.RunMigrations(c.cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Migrations applied to %s\n", c.ui.ok("[OK]"), c.cfg.DatabaseURL)
			return nil
		},
	}
}
