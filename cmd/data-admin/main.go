// Command data-admin is the frePPLe data admin worker binary.
//
// Subcommands:
//
//	migrate            — run pending database migrations and exit
//	runworker          — drain one tenant's job queue
//	runtask            — execute a single job record (spawned by runworker)
//	scheduletasks      — materialize due schedules into job records
//	notificationworker — dispatch change events to followers
//	enqueue            — queue a named task and make sure a worker runs
//	taskstatus         — print the state of a job record
//	canceltask         — cancel a waiting or running job record
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/mail"
	"github.com/frePPLe/frepple-data-admin/internal/notify"
	"github.com/frePPLe/frepple-data-admin/internal/notify/notifytest"
	"github.com/frePPLe/frepple-data-admin/internal/scheduler"
	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/task"
	"github.com/frePPLe/frepple-data-admin/internal/tenant"
	"github.com/frePPLe/frepple-data-admin/internal/worker"
	"github.com/frePPLe/frepple-data-admin/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "data-admin",
		Short: "frePPLe data admin — job queue, scheduler and notification workers",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		migrateCmd(),
		runWorkerCmd(),
		runTaskCmd(),
		scheduleTasksCmd(),
		notificationWorkerCmd(),
		enqueueCmd(),
		taskStatusCmd(),
		cancelTaskCmd(),
		scenariosCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app bundles the wiring every worker subcommand needs.
type app struct {
	cfg      *config.Config
	tenants  *tenant.Registry
	tasks    *task.Registry
	matchers *notify.MatcherRegistry
	mailer   *mail.Mailer
	logger   *slog.Logger
}

// newApp loads configuration and builds the registries. The task registry is
// assembled here so every subcommand — worker parent, runtask child, schedule
// steps — resolves task names identically.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	tenants, err := tenant.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("tenants: %w", err)
	}

	a := &app{
		cfg:      cfg,
		tenants:  tenants,
		tasks:    task.NewRegistry(),
		matchers: notifytest.NewRegistry(),
		mailer:   mail.New(cfg),
		logger:   logger,
	}
	a.tasks.Register("noop", task.Noop)
	a.tasks.Register("emptytable", task.EmptyTable)
	a.tasks.Register(scheduler.TaskName, scheduler.Handler(a.tasks, a.mailer, logger))
	return a, nil
}

func (a *app) close() { a.tenants.Close() }

// storeFor resolves the tenant flag, defaulting to the default tenant.
func (a *app) storeFor(ctx context.Context, tenantName string) (*store.Store, error) {
	if tenantName == "" {
		tenantName = a.tenants.DefaultTenant()
	}
	return a.tenants.Store(ctx, tenantName)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	var tenantName string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))
			return runMigrate(cfg, tenantName)
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "tenant database to migrate (default: the default tenant)")
	return cmd
}

func runMigrate(cfg *config.Config, tenantName string) error {
	slog.Info("running migrations", "tenant", tenantName)

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	if tenantName != "" {
		connCfg.Database = tenantName
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── runworker ─────────────────────────────────────────────────────────────────

func runWorkerCmd() *cobra.Command {
	var (
		tenantName string
		continuous bool
	)
	cmd := &cobra.Command{
		Use:   "runworker",
		Short: "Drain one tenant's job queue",
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			st, err := a.storeFor(ctx, tenantName)
			if err != nil {
				return err
			}
			runner := task.NewRunner(a.cfg, a.tenants, a.tasks, a.logger)
			w := worker.New(a.cfg, st, runner, a.logger)
			w.Continuous = continuous
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "tenant to work for")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "keep polling after the queue drains")
	return cmd
}

// ── runtask ───────────────────────────────────────────────────────────────────

func runTaskCmd() *cobra.Command {
	var (
		tenantName string
		taskID     int64
	)
	cmd := &cobra.Command{
		Use:   "runtask",
		Short: "Execute a single job record in this process",
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			st, err := a.storeFor(ctx, tenantName)
			if err != nil {
				return err
			}
			return task.Execute(ctx, a.cfg, a.tasks, st, taskID, a.logger)
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "tenant owning the record")
	cmd.Flags().Int64Var(&taskID, "task", 0, "job record id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// ── scheduletasks ─────────────────────────────────────────────────────────────

func scheduleTasksCmd() *cobra.Command {
	var (
		tenantName   string
		scheduleName string
		userName     string
		taskID       int64
	)
	cmd := &cobra.Command{
		Use:   "scheduletasks",
		Short: "Materialize due schedules into job records",
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			// With --schedule the command runs one schedule's steps directly
			// instead of materializing due ones.
			if scheduleName != "" {
				st, err := a.storeFor(ctx, tenantName)
				if err != nil {
					return err
				}
				id := taskID
				if id == 0 {
					id, err = st.CreateTask(ctx, scheduler.TaskName,
						fmt.Sprintf("--schedule='%s'", scheduleName), userName)
					if err != nil {
						return err
					}
				}
				return task.Execute(ctx, a.cfg, a.tasks, st, id, a.logger)
			}

			exe, err := a.cfg.Executable()
			if err != nil {
				return err
			}
			wake := &scheduler.AtScheduler{Executable: exe}

			names := a.tenants.Tenants()
			if tenantName != "" {
				names = []string{tenantName}
			}
			for _, name := range names {
				st, err := a.tenants.Store(ctx, name)
				if err != nil {
					return err
				}
				created, err := scheduler.Materialize(ctx, a.cfg, st, wake, a.logger)
				if err != nil {
					return err
				}
				a.logger.Info("schedules materialized", "tenant", name, "tasks", created)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "restrict to one tenant")
	cmd.Flags().StringVar(&scheduleName, "schedule", "", "run this schedule's steps now")
	cmd.Flags().StringVar(&userName, "user", "", "user recorded on the schedule run")
	cmd.Flags().Int64Var(&taskID, "task", 0, "existing job record to run the schedule under")
	return cmd
}

// ── notificationworker ────────────────────────────────────────────────────────

func notificationWorkerCmd() *cobra.Command {
	var (
		tenantName string
		continuous bool
	)
	cmd := &cobra.Command{
		Use:   "notificationworker",
		Short: "Dispatch change events to followers for one tenant",
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			st, err := a.storeFor(ctx, tenantName)
			if err != nil {
				return err
			}
			e := notify.NewEngine(a.cfg, st, a.mailer, a.matchers, a.logger)
			e.Continuous = continuous
			return e.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "tenant to dispatch for")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "keep polling after the events drain")
	return cmd
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		tenantName string
		username   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <task> [arguments...]",
		Short: "Queue a named task and make sure a worker is running",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			st, err := a.storeFor(ctx, tenantName)
			if err != nil {
				return err
			}
			id, err := st.CreateTask(ctx, args[0], strings.Join(args[1:], " "), username)
			if err != nil {
				return err
			}
			fmt.Printf("Queued task %d (%s) on tenant %s\n", id, args[0], st.Tenant())
			return worker.EnsureWorker(ctx, a.cfg, st, a.logger)
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "tenant to queue on")
	cmd.Flags().StringVar(&username, "user", "", "user the record is attributed to")
	return cmd
}

// ── taskstatus ────────────────────────────────────────────────────────────────

func taskStatusCmd() *cobra.Command {
	var (
		tenantName string
		taskID     int64
	)
	cmd := &cobra.Command{
		Use:   "taskstatus",
		Short: "Print the state of a job record",
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			st, err := a.storeFor(ctx, tenantName)
			if err != nil {
				return err
			}
			t, err := st.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("task %d not found on tenant %s", taskID, st.Tenant())
			}
			fmt.Printf("Task %d (%s): %s\n", t.ID, t.Name, t.Status)
			if t.Message != "" {
				fmt.Printf("  message: %s\n", t.Message)
			}
			if t.Started != nil {
				fmt.Printf("  started: %s\n", t.Started.Format(time.RFC3339))
			}
			if t.Finished != nil {
				fmt.Printf("  finished: %s\n", t.Finished.Format(time.RFC3339))
			}
			if t.LogFile != "" {
				fmt.Printf("  log: %s\n", t.LogFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "tenant owning the record")
	cmd.Flags().Int64Var(&taskID, "task", 0, "job record id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// ── canceltask ────────────────────────────────────────────────────────────────

func cancelTaskCmd() *cobra.Command {
	var (
		tenantName string
		taskID     int64
	)
	cmd := &cobra.Command{
		Use:   "canceltask",
		Short: "Cancel a waiting or running job record",
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			st, err := a.storeFor(ctx, tenantName)
			if err != nil {
				return err
			}
			t, err := st.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("task %d not found on tenant %s", taskID, st.Tenant())
			}
			if store.IsTerminalStatus(t.Status) {
				fmt.Printf("Task %d already finished with status %s\n", t.ID, t.Status)
				return nil
			}
			// A running record gets its process signalled; the worker's
			// reconciliation settles the final status. A waiting one is
			// cancelled directly.
			if t.ProcessID != nil {
				if err := syscall.Kill(int(*t.ProcessID), syscall.SIGTERM); err != nil {
					return fmt.Errorf("signal task process %d: %w", *t.ProcessID, err)
				}
				fmt.Printf("Sent SIGTERM to task %d (pid %d)\n", t.ID, *t.ProcessID)
				return nil
			}
			if err := st.FinishTask(ctx, t.ID, store.StatusCancelled, "Canceled"); err != nil {
				return err
			}
			fmt.Printf("Cancelled task %d\n", t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantName, "tenant", "", "tenant owning the record")
	cmd.Flags().Int64Var(&taskID, "task", 0, "job record id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// ── scenarios ─────────────────────────────────────────────────────────────────

func scenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "Sync the tenant registry with the configuration and list it",
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext(c.Context())
			defer stop()

			// The registry table lives in the default tenant's database.
			st, err := a.storeFor(ctx, "")
			if err != nil {
				return err
			}
			if err := st.SyncScenarios(ctx, a.tenants.DefaultTenant(), a.cfg.Tenants); err != nil {
				return err
			}
			scenarios, err := st.ListScenarios(ctx)
			if err != nil {
				return err
			}
			for _, sc := range scenarios {
				line := fmt.Sprintf("%-20s %s", sc.Name, sc.Status)
				if sc.Description != "" {
					line += "  (" + sc.Description + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
