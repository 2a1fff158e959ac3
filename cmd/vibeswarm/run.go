package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/coord"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/log"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/model"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/store"
	"github.com/NorthRiverDesign/VibeSwarm-sub003/internal/supervise"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run schedules pending jobs and supervises their agent processes",
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("vibeswarm",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	st, err := store.Open(ctx, storePath())
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	sup := supervise.New(superviseConfig())

	coordinator, err := coord.New(coordConfig(), st, sup)
	if err != nil {
		return err
	}

	return coordinator.Run(ctx)
}

func superviseConfig() supervise.Config {
	var cfg supervise.Config
	if config.Supervise != nil && config.Supervise.HealthSeconds != nil {
		cfg.HealthInterval = time.Duration(*config.Supervise.HealthSeconds) * time.Second
	}
	return cfg
}

func coordConfig() coord.Config {
	cfg := coord.Config{
		Schedule:   config.Schedule,
		OptionsFor: optionsFor,
	}
	if config.Worker != nil {
		if config.Worker.ID != nil {
			cfg.WorkerID = *config.Worker.ID
		}
		if config.Worker.Slots != nil {
			cfg.Slots = *config.Worker.Slots
		}
	}
	if config.Recovery != nil {
		if d, err := config.Recovery.Interval(); err == nil {
			cfg.RecoveryInterval = d
		}
	}
	if config.Supervise != nil && config.Supervise.StallSeconds != nil {
		cfg.StallTimeout = time.Duration(*config.Supervise.StallSeconds) * time.Second
	}
	return cfg
}

// optionsFor resolves a job to launch options: the agent profile when one is
// named and present, the job's own command otherwise. Config-wide supervise
// settings fill whatever the profile leaves unset.
func optionsFor(job model.Job) supervise.Options {
	var opts supervise.Options
	if job.Agent != "" && viper.IsSet("agents."+job.Agent) {
		profile, err := supervise.ParseProfile("agents." + job.Agent)
		if err != nil {
			slog.Warn("agent profile unusable, falling back to job command",
				"agent", job.Agent, "error", err)
		} else {
			opts = profile.Options()
			opts.Args = append(opts.Args, job.Args...)
		}
	}
	if opts.Path == "" {
		opts.Path = job.Command
		opts.Args = job.Args
		opts.Env = job.Env
	}
	opts.Dir = job.WorkDir
	if opts.StallTimeout == 0 {
		opts.StallTimeout = job.StallTimeout(0)
	}

	if config.Supervise != nil {
		if opts.MaxRestarts == 0 && config.Supervise.MaxRestarts != nil {
			opts.MaxRestarts = *config.Supervise.MaxRestarts
		}
		if opts.MemoryLimitMB == 0 && config.Supervise.MemoryLimitMB != nil {
			opts.MemoryLimitMB = uint64(*config.Supervise.MemoryLimitMB)
		}
		if opts.StallTimeout == 0 && config.Supervise.StallSeconds != nil {
			opts.StallTimeout = time.Duration(*config.Supervise.StallSeconds) * time.Second
		}
	}
	return opts
}
