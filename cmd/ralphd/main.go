package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uesteibar/ralphd/internal/agent"
	"github.com/uesteibar/ralphd/internal/config"
	"github.com/uesteibar/ralphd/internal/daemon"
	"github.com/uesteibar/ralphd/internal/github"
	"github.com/uesteibar/ralphd/internal/queue"
	"github.com/uesteibar/ralphd/internal/reconcile"
	"github.com/uesteibar/ralphd/internal/relations"
	"github.com/uesteibar/ralphd/internal/scheduler"
	"github.com/uesteibar/ralphd/internal/server"
	"github.com/uesteibar/ralphd/internal/store"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `ralphd — GitHub issue queue daemon for coding agents

Usage:
  ralphd run     [--config path]            Start the daemon
  ralphd doctor  [--config path] [--json] [--repair]
                                            Diagnose daemon records and state
  ralphd pause   [--config path] [--at checkpoint]
                                            Request a pause at the next (or named) checkpoint
  ralphd resume  [--config path]            Clear pause and draining state
  ralphd drain   [--config path] [--timeout duration]
                                            Stop claiming new tasks, finish running ones
  ralphd status  [--config path] [--json]   Show daemon and task state
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "run":
		err = runRun(rest)
	case "doctor":
		err = runDoctor(rest)
	case "pause":
		err = runPause(rest)
	case "resume":
		err = runResume(rest)
	case "drain":
		err = runDrain(rest)
	case "status":
		err = runStatus(rest)
	case "--version", "version":
		fmt.Println("ralphd " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ralphd %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "path to ralphd.yaml")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Resolve(*configPath)
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.ControlRoot, 0o755); err != nil {
		return fmt.Errorf("creating control root: %w", err)
	}

	st, err := store.Open(store.Path(cfg.ControlRoot))
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()

	rec := daemon.NewRecord(cfg.ControlRoot, version)
	recordPath := daemon.RecordPath(cfg.ControlRoot)
	if err := daemon.WriteRecord(recordPath, rec); err != nil {
		return err
	}
	defer os.Remove(recordPath)
	logger.Info("daemon started", "daemon_id", rec.DaemonID, "pid", rec.PID, "version", version)

	gc, err := newGitHubClient(cfg)
	if err != nil {
		return err
	}

	driver := queue.New(queue.Config{
		Store:          st,
		GitHub:         gc,
		Logger:         logger,
		CoalesceWindow: config.CoalesceWindow,
	})

	invoker, err := agent.New(agent.Config{
		Command:     cfg.Agent.Command,
		SessionsDir: cfg.Agent.SessionsDir,
		Guardrails: agent.Guardrails{
			WallSoft:      cfg.Agent.WallSoft,
			WallHard:      cfg.Agent.WallHard,
			ToolCallsSoft: cfg.Agent.ToolCallsSoft,
			ToolCallsHard: cfg.Agent.ToolCallsHard,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("configuring agent: %w", err)
	}
	runner := scheduler.NewAgentRunner(invoker, st, cfg.Agent.SessionsDir, logger)

	controlPath := daemon.ControlPath(cfg.ControlRoot)
	controlFn := func() (daemon.Control, error) {
		return daemon.ReadControl(controlPath)
	}

	hub := server.NewHub(logger)

	prober := daemon.OSProber{}
	ownerAlive := func(daemonID string) bool {
		other, err := daemon.ReadRecord(recordPath)
		if err != nil {
			return false
		}
		return other.DaemonID == daemonID && prober.Alive(other.PID) &&
			daemon.VerifyIdentity(prober, other.PID, other.Command)
	}

	sched := scheduler.New(scheduler.Config{
		Cfg:        cfg,
		DaemonID:   rec.DaemonID,
		Store:      st,
		Driver:     driver,
		Issues:     gc,
		Runner:     runner,
		Control:    controlFn,
		Checks:     gc,
		Logger:     logger,
		OnEvent: func(kind string, detail map[string]any) {
			hub.Publish(kind, detail)
		},
		OwnerAlive: ownerAlive,
	})

	var srv *server.Server
	if cfg.Server.Enabled {
		srv, err = server.New(cfg.Server.Addr, server.Config{
			DaemonID:  rec.DaemonID,
			StartedAt: time.Now(),
			Hub:       hub,
			Tasks:     func() ([]store.Task, error) { return st.ListTasks(store.TaskFilter{}) },
			Control:   controlFn,
		})
		if err != nil {
			return fmt.Errorf("starting observability server: %w", err)
		}
		logger.Info("observability server listening", "addr", srv.Addr())
		go func() {
			if serveErr := srv.Serve(); serveErr != nil {
				logger.Debug("server stopped", "error", serveErr)
			}
		}()
	}

	go recordHeartbeatLoop(ctx, recordPath, &rec, cfg.Workers.HeartbeatInterval, logger)
	go reconcileLoop(ctx, cfg, st, gc, driver, hub, logger)

	sched.Run(ctx)

	logger.Info("shutting down")
	if srv != nil {
		srv.Close()
	}
	return nil
}

func newGitHubClient(cfg *config.Config) (*github.Client, error) {
	var opts []github.Option
	if base := os.Getenv("RALPHD_GITHUB_URL"); base != "" {
		opts = append(opts, github.WithBaseURL(base))
	}
	if cfg.App.AppID != 0 {
		opts = append(opts, github.WithAppAuth(github.AppCredentials{
			AppID:          cfg.App.AppID,
			InstallationID: cfg.App.InstallationID,
			PrivateKeyPath: config.ExpandHome(cfg.App.PrivateKeyPath),
		}))
		gc, err := github.New("", opts...)
		if err != nil {
			return nil, fmt.Errorf("creating GitHub App client: %w", err)
		}
		return gc, nil
	}
	token := os.Getenv("RALPHD_GITHUB_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("no GitHub App configured and RALPHD_GITHUB_TOKEN is unset")
	}
	gc, err := github.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitHub client: %w", err)
	}
	return gc, nil
}

// recordHeartbeatLoop keeps the daemon record's heartbeat fresh so doctor and
// foreign daemons can tell this process is alive.
func recordHeartbeatLoop(ctx context.Context, path string, rec *daemon.Record, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := daemon.TouchHeartbeat(path, rec, time.Now()); err != nil {
				logger.Warn("touching daemon record heartbeat", "error", err)
			}
		}
	}
}

// reconcileLoop runs the GitHub reconcilers for every repo on the shared tick
// interval. Each reconciler failure is logged and retried next tick.
func reconcileLoop(ctx context.Context, cfg *config.Config, st *store.Store, gc *github.Client, driver *queue.Driver, hub *server.Hub, logger *slog.Logger) {
	type repoReconcilers struct {
		slug       string
		done       *reconcile.Done
		inBot      *reconcile.InBot
		escalation *reconcile.Escalation
		parents    *reconcile.ParentVerify
	}
	deps := relations.NewEngine(gc, logger)
	var repos []repoReconcilers
	for _, repo := range cfg.Repos {
		repos = append(repos, repoReconcilers{
			slug: repo.Slug(),
			done: &reconcile.Done{Repo: repo, Store: st, GitHub: gc, Driver: driver, Logger: logger},
			inBot: &reconcile.InBot{
				Repo: repo, Store: st, GitHub: gc, Driver: driver, Logger: logger,
				Midpoint: &reconcile.Midpoint{Repo: repo, Labels: gc, Logger: logger},
			},
			escalation: &reconcile.Escalation{Repo: repo, Store: st, GitHub: gc, Driver: driver, Logger: logger},
			parents: &reconcile.ParentVerify{
				Repo: repo, Store: st, GitHub: gc, Deps: deps, Logger: logger,
				Writeback: &reconcile.Verify{Repo: repo, Store: st, GitHub: gc, Driver: driver, Logger: logger},
			},
		})
	}

	ticker := time.NewTicker(cfg.Workers.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range repos {
				doneStats, err := r.done.Run(ctx)
				if err != nil {
					logger.Warn("done reconcile failed", "repo", r.slug, "error", err)
				}
				inBotStats, err := r.inBot.Run(ctx)
				if err != nil {
					logger.Warn("in-bot reconcile failed", "repo", r.slug, "error", err)
				}
				escStats, err := r.escalation.Run(ctx)
				if err != nil {
					logger.Warn("escalation reconcile failed", "repo", r.slug, "error", err)
				}
				parentStats, err := r.parents.Run(ctx)
				if err != nil {
					logger.Warn("parent verification failed", "repo", r.slug, "error", err)
				}
				hub.Publish(server.MsgReconcilePass, map[string]any{
					"repo":              r.slug,
					"done_issues":       doneStats.UpdatedIssues,
					"in_bot_issues":     inBotStats.UpdatedIssues,
					"pending_added":     inBotStats.PendingAdded,
					"pending_resolved":  inBotStats.PendingResolved,
					"resolved":          escStats.Resolved,
					"parents_satisfied": parentStats.Satisfied,
				})
			}
		}
	}
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	repair := fs.Bool("repair", false, "apply the safe repairs")
	configPath := fs.String("config", "", "path to ralphd.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}

	d := &daemon.Doctor{
		ControlRoot: cfg.ControlRoot,
		StatePath:   store.Path(cfg.ControlRoot),
		Prober:      daemon.OSProber{},
	}
	report := d.Run(*repair)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("overall: %s\n", report.OverallStatus)
		for _, f := range report.Findings {
			fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Code, f.Message)
		}
		for _, r := range report.AppliedRepairs {
			fmt.Printf("  repaired %s: %s\n", r.Code, r.Path)
		}
		for _, r := range report.RecommendedRepairs {
			fmt.Printf("  recommend %s: %s (run with --repair)\n", r.Code, r.Path)
		}
	}
	os.Exit(report.ExitCode())
	return nil
}

func updateControl(args []string, extraFlags func(*flag.FlagSet), mutate func(*daemon.Control)) error {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to ralphd.yaml")
	if extraFlags != nil {
		extraFlags(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}

	path := daemon.ControlPath(cfg.ControlRoot)
	ctl, err := daemon.ReadControl(path)
	if err != nil {
		return err
	}
	mutate(&ctl)
	if err := daemon.WriteControl(path, ctl); err != nil {
		return err
	}
	fmt.Printf("control updated: mode=%s\n", ctl.Mode)
	return nil
}

func runPause(args []string) error {
	var at string
	return updateControl(args, func(fs *flag.FlagSet) {
		fs.StringVar(&at, "at", "", "pause only at this checkpoint")
	}, func(ctl *daemon.Control) {
		requested := true
		ctl.Mode = daemon.ModePaused
		ctl.PauseRequested = &requested
		if at != "" {
			ctl.PauseAtCheckpoint = &at
		} else {
			ctl.PauseAtCheckpoint = nil
		}
	})
}

func runResume(args []string) error {
	return updateControl(args, nil, func(ctl *daemon.Control) {
		requested := false
		ctl.Mode = daemon.ModeRunning
		ctl.PauseRequested = &requested
		ctl.PauseAtCheckpoint = nil
		ctl.DrainTimeoutMs = nil
	})
}

func runDrain(args []string) error {
	var timeout time.Duration
	return updateControl(args, func(fs *flag.FlagSet) {
		fs.DurationVar(&timeout, "timeout", 0, "drain deadline (e.g. 10m)")
	}, func(ctl *daemon.Control) {
		ctl.Mode = daemon.ModeDraining
		if timeout > 0 {
			ms := timeout.Milliseconds()
			ctl.DrainTimeoutMs = &ms
		}
	})
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit JSON")
	configPath := fs.String("config", "", "path to ralphd.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}

	out := struct {
		Daemon  *daemon.Record `json:"daemon,omitempty"`
		Alive   bool           `json:"alive"`
		Mode    string         `json:"mode"`
		Tasks   map[string]int `json:"tasks"`
		Control daemon.Control `json:"control"`
	}{Tasks: map[string]int{}}

	if rec, err := daemon.ReadRecord(daemon.RecordPath(cfg.ControlRoot)); err == nil {
		out.Daemon = &rec
		out.Alive = daemon.OSProber{}.Alive(rec.PID)
	}
	ctl, err := daemon.ReadControl(daemon.ControlPath(cfg.ControlRoot))
	if err != nil {
		return err
	}
	out.Control = ctl
	out.Mode = ctl.Mode

	st, err := store.Open(store.Path(cfg.ControlRoot))
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer st.Close()
	tasks, err := st.ListTasks(store.TaskFilter{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		out.Tasks[t.Status]++
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if out.Daemon != nil {
		liveness := "dead"
		if out.Alive {
			liveness = "alive"
		}
		fmt.Printf("daemon %s pid %d (%s), started %s\n", out.Daemon.DaemonID, out.Daemon.PID, liveness, out.Daemon.StartedAt)
	} else {
		fmt.Println("no daemon record")
	}
	fmt.Printf("mode: %s\n", out.Mode)
	for status, n := range out.Tasks {
		fmt.Printf("  %-12s %d\n", status, n)
	}
	return nil
}
