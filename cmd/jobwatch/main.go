// Command jobwatch follows one job's push stream until it finishes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeforge-sync/internal/config"
	"codeforge-sync/internal/domain/model"
	"codeforge-sync/internal/infra/auth"
	"codeforge-sync/internal/infra/gateway"
	"codeforge-sync/internal/infra/logging"
	"codeforge-sync/internal/infra/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	jobID := flag.String("job", "", "job id to follow")
	devMode := flag.Bool("dev", false, "console logs")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "usage: jobwatch -job <id> [-config config.yaml]")
		return 2
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	creds, err := auth.NewStaticSource(cfg.Auth.Token, cfg.Auth.UserID)
	if err != nil {
		logger.Error().Err(err).Msg("auth")
		return 2
	}
	gw := gateway.New(cfg.Gateway.BaseURL, creds, cfg.Gateway.Timeout, gateway.WithLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Print the current status first; a finished job has nothing to stream.
	job, err := gw.GetJobStatus(ctx, *jobID)
	if err != nil {
		logger.Error().Err(err).Str("job_id", *jobID).Msg("job status")
		return 1
	}
	logger.Info().Str("job_id", job.JobID).Str("agent_type", string(job.AgentType)).Str("status", string(job.Status)).Int("progress", job.Progress).Msg("job")
	if model.IsTerminal(job.Status) {
		return exitCode(job.Status)
	}

	closed := make(chan stream.State, 1)
	c := stream.New(gw.APIBase(), creds,
		stream.WithLogger(logger),
		stream.WithIdleTimeout(cfg.Stream.IdleTimeout),
		stream.OnEvent(func(id string, ev model.JobEvent) {
			e := logger.Info().Str("job_id", id).Str("status", string(model.EventStatus(ev)))
			switch v := ev.(type) {
			case model.ProgressEvent:
				e = e.Int("progress", v.Progress).Str("message", v.Message)
			case model.CompleteEvent:
				if len(v.Result) > 0 {
					e = e.RawJSON("result", v.Result)
				}
			case model.ErrorEvent:
				e = e.Str("error", v.Error)
			case model.WaitingEvent:
				if len(v.Questions) > 0 {
					e = e.RawJSON("questions", v.Questions)
				}
			}
			e.Msg("event")
		}),
		stream.OnState(func(id string, s stream.State) {
			switch s {
			case stream.StateTerminalClosed, stream.StateErrorClosed:
				select {
				case closed <- s:
				default:
				}
			}
		}),
	)
	c.Activate(*jobID)
	defer c.Close()

	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupted")
		return 130
	case s := <-closed:
		ev, ok := c.LatestEvent()
		if s == stream.StateErrorClosed || !ok {
			logger.Error().Err(c.Err()).Msg("stream closed before the job finished")
			return 1
		}
		return exitCode(model.EventStatus(ev))
	}
}

func exitCode(s model.JobStatus) int {
	if s == model.JobStatusCompleted {
		return 0
	}
	return 1
}
