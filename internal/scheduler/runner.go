package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/jobs"
	"github.com/dvloznov/invoice-ingest/internal/logger"
)

// RunIDEnv passes the job id to the child so its log lines carry the same run_id.
const RunIDEnv = "INGEST_RUN_ID"

// CommandRunner executes the extraction binary as an independent process.
type CommandRunner struct {
	Command string
	Args    []string
	// Stdout and Stderr receive the child's output; nil means the parent's.
	Stdout, Stderr io.Writer
	// Observe is called after every attempt with its result and duration.
	Observe func(success bool, d time.Duration)
}

// Handle runs the command once for job. It is a jobs.JobHandler.
func (r *CommandRunner) Handle(ctx context.Context, job *jobs.ExtractRunJob) error {
	log := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"command": r.Command,
		"args":    r.Args,
	})

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Env = append(os.Environ(), RunIDEnv+"="+job.JobID)
	cmd.Stdout = orDefault(r.Stdout, os.Stdout)
	cmd.Stderr = orDefault(r.Stderr, os.Stderr)

	log.Info().Msg("starting extraction run")
	start := time.Now()
	err := cmd.Run()
	job.Duration = time.Since(start)
	job.ExitCode = exitCode(cmd, err)

	if r.Observe != nil {
		r.Observe(err == nil, job.Duration)
	}

	if err != nil {
		log.Error().Err(err).Int("exit_code", job.ExitCode).Dur("duration", job.Duration).Msg("extraction run failed")
		return fmt.Errorf("Handle: running %s: %w", r.Command, err)
	}
	log.Info().Dur("duration", job.Duration).Msg("extraction run succeeded")
	return nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case cmd.ProcessState != nil:
		return cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
