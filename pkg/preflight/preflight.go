// Package preflight executes the ordered quality-gate stages in a job
// worktree: lint, typecheck, test, smoke. The first failing stage stops
// the pipeline.
package preflight

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/vibeworks/vibed/pkg/config"
	"github.com/vibeworks/vibed/pkg/metrics"
)

// Stage names, in execution order.
const (
	StageLint      = "lint"
	StageTypecheck = "typecheck"
	StageTest      = "test"
	StageSmoke     = "smoke"
)

// maxOutputBytes bounds captured output per command.
const maxOutputBytes = 10 << 20 // 10 MiB

// defaultStageTimeout applies when configuration leaves the timeout unset.
const defaultStageTimeout = 300 * time.Second

// Stage is one configured quality gate.
type Stage struct {
	Name    string
	Command string
}

// StagesFromConfig builds the ordered stage list. Stages with an empty
// command are omitted; an empty result means preflight is skipped.
func StagesFromConfig(cfg config.PreflightConfig) []Stage {
	ordered := []Stage{
		{Name: StageLint, Command: cfg.LintCommand},
		{Name: StageTypecheck, Command: cfg.TypecheckCommand},
		{Name: StageTest, Command: cfg.TestCommand},
		{Name: StageSmoke, Command: cfg.SmokeCommand},
	}
	var stages []Stage
	for _, s := range ordered {
		if strings.TrimSpace(s.Command) != "" {
			stages = append(stages, s)
		}
	}
	return stages
}

// StageResult captures one executed stage.
type StageResult struct {
	Stage    string
	Output   string
	Duration time.Duration
	Err      error
}

// Result is the outcome of a preflight run. When Success is false, Failed
// points at the stage that stopped the pipeline.
type Result struct {
	Success bool
	Failed  *StageResult
	Stages  []StageResult
}

// ProgressFunc receives output lines as stages produce them.
type ProgressFunc func(stage, line string)

// Runner executes preflight stages with a per-stage timeout.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a stage runner. A non-positive timeout falls back to
// the default of 300 seconds.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return &Runner{
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// Run executes stages in order inside dir, failing fast. progress may be
// nil. A nil or empty stage list succeeds immediately.
func (r *Runner) Run(ctx context.Context, dir string, stages []Stage, progress ProgressFunc) *Result {
	result := &Result{Success: true}

	for _, stage := range stages {
		r.logger.Info("Running preflight stage", "stage", stage.Name, "dir", dir)

		var lineFn func(string)
		if progress != nil {
			name := stage.Name
			lineFn = func(line string) { progress(name, line) }
		}

		cmd := RunShell(ctx, dir, stage.Command, r.timeout, lineFn)
		metrics.PreflightDuration.WithLabelValues(stage.Name).Observe(cmd.Duration.Seconds())

		sr := StageResult{
			Stage:    stage.Name,
			Output:   cmd.Output,
			Duration: cmd.Duration,
			Err:      cmd.Err,
		}
		result.Stages = append(result.Stages, sr)

		if cmd.Err != nil {
			r.logger.Warn("Preflight stage failed",
				"stage", stage.Name,
				"duration", cmd.Duration,
				"error", cmd.Err)
			result.Success = false
			result.Failed = &result.Stages[len(result.Stages)-1]
			return result
		}
	}

	return result
}

// CommandResult is the captured outcome of one shell command.
type CommandResult struct {
	Output   string
	Duration time.Duration
	Err      error
}

// RunShell runs command through `sh -c` inside dir with the given timeout,
// capturing combined stdout+stderr up to 10 MiB. onLine, when non-nil,
// receives each output line as it is produced.
func RunShell(ctx context.Context, dir, command string, timeout time.Duration, onLine func(string)) CommandResult {
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var buf strings.Builder
	truncated := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if buf.Len() < maxOutputBytes {
				remaining := maxOutputBytes - buf.Len()
				if len(line)+1 > remaining {
					line = line[:remaining]
					truncated = true
				}
				buf.WriteString(line)
				buf.WriteByte('\n')
			} else {
				truncated = true
			}
			if onLine != nil && line != "" {
				onLine(line)
			}
		}
		// Drain anything the scanner gave up on so the command is not
		// blocked writing to the pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	start := time.Now()
	err := cmd.Run()
	_ = pw.Close()
	<-done
	duration := time.Since(start)

	output := buf.String()
	if truncated {
		output += "[output truncated]\n"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("command timed out after %s", timeout)
	} else if err != nil {
		err = fmt.Errorf("command failed: %w", err)
	}

	return CommandResult{Output: output, Duration: duration, Err: err}
}
