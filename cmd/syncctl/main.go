package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"analytics-sync-service/internal/api"
	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/store"
	"analytics-sync-service/internal/sync"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "syncctl",
		Usage:   "Run and administer the analytics sync queue",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Create the control tables",
				Action: migrate,
			},
			{
				Name:   "run-schedules",
				Usage:  "Enqueue jobs for every due schedule",
				Action: runSchedules,
			},
			{
				Name:   "drain",
				Usage:  "Process queued jobs within a time budget",
				Action: drain,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "budget",
						Usage: "Time budget (default: sync.drain_budget)",
					},
				},
			},
			{
				Name:      "process-day",
				Usage:     "Process the next batch of days of one job",
				ArgsUsage: "<job-id>",
				Action:    processDay,
			},
			{
				Name:      "enqueue",
				Usage:     "Enqueue a job for a config",
				ArgsUsage: "<config-id>",
				Action:    enqueue,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "start", Usage: "First date, YYYY-MM-DD"},
					&cli.StringFlag{Name: "end", Usage: "Last date, YYYY-MM-DD"},
					&cli.StringFlag{Name: "type", Usage: "Sync type: full or incremental"},
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending or processing job",
				ArgsUsage: "<job-id>",
				Action:    cancelJob,
			},
			{
				Name:      "requeue",
				Usage:     "Create a fresh job over the range of a finished one",
				ArgsUsage: "<job-id>",
				Action:    requeueJob,
			},
			{
				Name:   "jobs",
				Usage:  "List jobs, oldest first",
				Action: listJobs,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "status", Usage: "Only jobs in these statuses"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of jobs"},
				},
			},
			{
				Name:      "stats",
				Usage:     "Per-company record counts for a config",
				ArgsUsage: "<config-id>",
				Action:    stats,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withManager loads config, connects to the state store and hands a manager
// to fn. The result of fn is printed to stdout as JSON.
func withManager(c *cli.Context, fn func(ctx context.Context, m *sync.Manager) (any, error)) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if v := c.String("verbosity"); v != "" {
		level = v
	}
	if err := logger.InitLogger(level, cfg.Logging.Format); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLStore(ctx, cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("connecting to state store: %w", err)
	}
	m := sync.NewManager(cfg, st)
	defer m.Close()

	out, err := fn(ctx, m)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one argument: <%s>", name)
	}
	return c.Args().First(), nil
}

func migrate(c *cli.Context) error {
	// NewSQLStore migrates on connect.
	return withManager(c, func(context.Context, *sync.Manager) (any, error) {
		return map[string]string{"status": "migrated"}, nil
	})
}

func runSchedules(c *cli.Context) error {
	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		return m.RunSchedules(ctx)
	})
}

func drain(c *cli.Context) error {
	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		return m.Drain(ctx, c.Duration("budget"))
	})
}

func processDay(c *cli.Context) error {
	jobID, err := requireArg(c, "job-id")
	if err != nil {
		return err
	}
	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		return m.ProcessDay(ctx, jobID)
	})
}

func enqueue(c *cli.Context) error {
	configID, err := requireArg(c, "config-id")
	if err != nil {
		return err
	}

	var opts sync.EnqueueOptions
	if s := c.String("start"); s != "" {
		if opts.Start, err = time.Parse(store.DateLayout, s); err != nil {
			return fmt.Errorf("invalid --start %q", s)
		}
	}
	if s := c.String("end"); s != "" {
		if opts.End, err = time.Parse(store.DateLayout, s); err != nil {
			return fmt.Errorf("invalid --end %q", s)
		}
	}
	switch t := store.SyncType(c.String("type")); t {
	case "", store.SyncFull, store.SyncIncremental:
		opts.SyncType = t
	default:
		return fmt.Errorf("invalid --type %q", t)
	}

	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		job, created, err := m.Enqueue(ctx, configID, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"created": created, "job": api.NewJobView(job)}, nil
	})
}

func cancelJob(c *cli.Context) error {
	jobID, err := requireArg(c, "job-id")
	if err != nil {
		return err
	}
	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		job, err := m.Cancel(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return api.NewJobView(job), nil
	})
}

func requeueJob(c *cli.Context) error {
	jobID, err := requireArg(c, "job-id")
	if err != nil {
		return err
	}
	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		job, created, err := m.Requeue(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"created": created, "job": api.NewJobView(job)}, nil
	})
}

func listJobs(c *cli.Context) error {
	var statuses []store.JobStatus
	for _, s := range c.StringSlice("status") {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, store.JobStatus(part))
			}
		}
	}
	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		jobs, err := m.Jobs(ctx, statuses, c.Int("limit"))
		if err != nil {
			return nil, err
		}
		views := make([]api.JobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, api.NewJobView(j))
		}
		return views, nil
	})
}

func stats(c *cli.Context) error {
	configID, err := requireArg(c, "config-id")
	if err != nil {
		return err
	}
	return withManager(c, func(ctx context.Context, m *sync.Manager) (any, error) {
		return m.Stats(ctx, configID)
	})
}
