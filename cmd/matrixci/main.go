// Command matrixci is the workflow CLI: validate definition files, preview
// their matrix expansion and execute them locally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/service"
	"github.com/example/matrixci/internal/storage/sqlite"
	"github.com/example/matrixci/internal/web"
	"github.com/example/matrixci/internal/workflow"
)

var log = logrus.New()

func main() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()
	ctx = listenOSKillSignalsContext(ctx)

	app := &cli.App{
		Name:  "matrixci",
		Usage: "validate and run workflow definitions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: cli.Commands{
			&cli.Command{
				Name:      "validate",
				Usage:     "parse and validate workflow files",
				ArgsUsage: "<file>...",
				Action: func(c *cli.Context) error {
					return validate(c.Args().Slice())
				},
			},
			&cli.Command{
				Name:      "expand",
				Usage:     "show the matrix expansion of a workflow",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "job",
						Usage: "only expand this job",
					},
				},
				Action: func(c *cli.Context) error {
					return expand(c.Args().First(), c.String("job"))
				},
			},
			&cli.Command{
				Name:      "run",
				Usage:     "execute a workflow locally for a simulated event",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "event",
						Value: "push",
						Usage: "event type (push or pull_request)",
					},
					&cli.StringFlag{
						Name:  "branch",
						Value: "main",
						Usage: "branch the event refers to",
					},
					&cli.StringFlag{
						Name:  "sha",
						Usage: "commit SHA of the event",
					},
					&cli.StringFlag{
						Name:  "repo",
						Usage: "repository URL for the checkout action",
					},
					&cli.IntFlag{
						Name:  "max-concurrent",
						Value: 4,
						Usage: "how many job instances run in parallel",
					},
					&cli.BoolFlag{
						Name:  "serve",
						Usage: "keep the API server running after the run finishes",
					},
					&cli.IntFlag{
						Name:  "port",
						Value: 8080,
						Usage: "API port when --serve is set",
					},
				},
				Action: func(c *cli.Context) error {
					return run(c.Context, runOptions{
						file:          c.Args().First(),
						event:         c.String("event"),
						branch:        c.String("branch"),
						sha:           c.String("sha"),
						repo:          c.String("repo"),
						maxConcurrent: c.Int("max-concurrent"),
						serve:         c.Bool("serve"),
						port:          c.Int("port"),
					})
				},
			},
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.WithError(err).Fatal("failed execute command " + strings.Join(os.Args[1:], " "))
	}
}

func validate(paths []string) error {
	if len(paths) == 0 {
		return cli.Exit("validate: at least one workflow file is required", 2)
	}
	failed := false
	for _, path := range paths {
		wf, err := workflow.Load(path)
		if err != nil {
			log.WithField("file", path).Error(err)
			failed = true
			continue
		}
		log.WithFields(logrus.Fields{
			"file":     path,
			"workflow": wf.Name,
			"jobs":     len(wf.Jobs),
		}).Info("workflow is valid")
	}
	if failed {
		return cli.Exit("validation failed", 1)
	}
	return nil
}

func expand(path, onlyJob string) error {
	if path == "" {
		return cli.Exit("expand: a workflow file is required", 2)
	}
	wf, err := workflow.Load(path)
	if err != nil {
		return err
	}

	for _, jobID := range wf.JobIDs() {
		if onlyJob != "" && jobID != onlyJob {
			continue
		}
		job := wf.Jobs[jobID]
		combos := job.Combinations()
		fmt.Printf("%s: %d instance(s)\n", jobID, len(combos))
		for _, combo := range combos {
			inst := domain.JobInstance{JobID: jobID, Combination: make(map[string]string)}
			for axis, val := range combo {
				inst.Combination[axis] = val.String()
			}
			fmt.Printf("  %s\n", inst.InstanceName())
		}
	}
	return nil
}

type runOptions struct {
	file          string
	event         string
	branch        string
	sha           string
	repo          string
	maxConcurrent int
	serve         bool
	port          int
}

func run(ctx context.Context, opts runOptions) error {
	if opts.file == "" {
		return cli.Exit("run: a workflow file is required", 2)
	}
	wf, err := workflow.Load(opts.file)
	if err != nil {
		return err
	}
	event := workflow.Event{
		Type:   workflow.EventType(opts.event),
		Branch: opts.branch,
		SHA:    opts.sha,
		Repo:   opts.repo,
	}
	workDir, err := os.MkdirTemp("", "matrixci-run-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	store, err := sqlite.New(filepath.Join(workDir, "run.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	registry := service.NewWorkflowRegistry()
	if err := registry.Register(wf); err != nil {
		return err
	}
	orchestrator := service.NewOrchestratorService(store, registry, nil)

	runner := service.NewLocalRunner(filepath.Join(workDir, "workspaces"), service.NewActionRegistry())
	schedulerCfg := service.DefaultSchedulerConfig()
	schedulerCfg.PollInterval = 100 * time.Millisecond
	schedulerCfg.MaxConcurrent = opts.maxConcurrent
	scheduler := service.NewSchedulerService(store, registry, runner, nil, schedulerCfg)
	orchestrator.SetCanceller(scheduler)
	scheduler.Start()
	defer scheduler.Stop()

	runs, err := orchestrator.SubmitEvent(ctx, event)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("%w: %s on branch %s", domain.ErrNoTrigger, opts.event, opts.branch)
	}
	runID := runs[0].ID
	log.WithFields(logrus.Fields{"run": runID, "workflow": wf.Name}).Info("run started")

	run, err := waitForRun(ctx, orchestrator, runID)
	if err != nil {
		return err
	}
	if err := report(ctx, orchestrator, runID); err != nil {
		return err
	}

	if opts.serve {
		srv := web.NewServer(fmt.Sprintf(":%d", opts.port), orchestrator)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.WithField("port", opts.port).Info("serving run results, Ctrl-C to stop")
		if err := srv.Start(); err != nil {
			return err
		}
	}

	if run.State != domain.RunStateSucceeded {
		return cli.Exit(fmt.Sprintf("run %s", strings.ToLower(run.State.String())), 1)
	}
	return nil
}

func waitForRun(ctx context.Context, orchestrator *service.OrchestratorService, runID string) (*domain.WorkflowRun, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best effort: tell the scheduler to stop what it can.
			if err := orchestrator.CancelRun(context.Background(), runID); err != nil {
				log.WithError(err).Debug("cancel on interrupt failed")
			}
			return nil, ctx.Err()
		case <-ticker.C:
			run, _, err := orchestrator.GetRun(ctx, runID)
			if err != nil {
				return nil, err
			}
			if run.State.IsFinal() {
				return run, nil
			}
		}
	}
}

func report(ctx context.Context, orchestrator *service.OrchestratorService, runID string) error {
	run, instances, err := orchestrator.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		entry := log.WithFields(logrus.Fields{
			"job":   inst.InstanceName(),
			"state": inst.State.String(),
		})
		switch inst.State {
		case domain.JobStateSucceeded:
			entry.Info("job finished")
		case domain.JobStateSkipped, domain.JobStateCancelled:
			entry.Warn("job did not run")
		default:
			if inst.Failure != nil {
				entry = entry.WithField("reason", inst.Failure.Message)
			}
			entry.Error("job failed")
		}

		steps, err := orchestrator.GetJobLogs(ctx, runID, inst.ID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			if step.State == domain.StepStateFailed && step.Output != "" {
				fmt.Fprintf(os.Stderr, "--- %s / %s (exit %d)\n%s\n",
					inst.InstanceName(), step.Name, step.ExitCode, step.Output)
			} else {
				log.WithFields(logrus.Fields{
					"job":   inst.InstanceName(),
					"step":  step.Name,
					"state": step.State.String(),
				}).Debug("step result")
			}
		}
	}

	log.WithFields(logrus.Fields{
		"run":   runID,
		"state": run.State.String(),
	}).Info("run finished")
	return nil
}

func listenOSKillSignalsContext(ctx context.Context) context.Context {
	var cancelFunc context.CancelFunc
	ctx, cancelFunc = context.WithCancel(ctx)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-ch:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
	return ctx
}
