// Package runner invokes the external reconstruction tool for one frame.
//
// Each run writes a one-shot script holding a single headless tool
// invocation, executes it as a child process, waits for it and removes the
// script. The exit status is surfaced as a *ToolFailureError.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/framefarm/pkg/frames"
)

// DefaultModelName is the model exported from the project.
const DefaultModelName = "Model 1"

// waitDelay bounds how long Wait blocks on output pipes once the process
// tree was killed.
const waitDelay = 5 * time.Second

// Config configures a Runner.
type Config struct {
	// ToolPath is the reconstruction executable.
	ToolPath string

	// ModelName is the model passed to -exportModel. Defaults to DefaultModelName.
	ModelName string

	// ExtraArgs are inserted before the export step.
	ExtraArgs []string

	// ScriptDir receives the one-shot scripts. Defaults to os.TempDir().
	ScriptDir string

	// Windows selects .bat scripts run by cmd.exe. Defaults to runtime.GOOS.
	Windows *bool
}

// Job is one tool invocation.
type Job struct {
	Frame      int
	Descriptor string
	OutputPath string

	// Stdout and Stderr receive the tool's output. Optional.
	Stdout io.Writer
	Stderr io.Writer

	// OnStart is called with the child's pid once it started. Optional.
	OnStart func(pid int)
}

// Result describes a finished invocation.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	ScriptPath string
}

// Runner executes the reconstruction tool.
type Runner struct {
	cfg     Config
	windows bool
	logger  *zap.Logger
}

// New creates a Runner.
func New(cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ModelName == "" {
		cfg.ModelName = DefaultModelName
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = os.TempDir()
	}
	windows := runtime.GOOS == "windows"
	if cfg.Windows != nil {
		windows = *cfg.Windows
	}
	return &Runner{cfg: cfg, windows: windows, logger: logger}
}

// Args returns the tool arguments for one export.
func (r *Runner) Args(descriptor, output string) []string {
	args := []string{
		"-headless",
		"-load", descriptor,
		"-deleteAutosave",
		"-set", "appAutoClearCache=0",
		"-set", "appCacheImageMetadata=false",
		"-calculateHighModel",
		"-calculateTexture",
	}
	args = append(args, r.cfg.ExtraArgs...)
	return append(args, "-exportModel", r.cfg.ModelName, output, "-quit")
}

// Script renders the one-shot script for a job.
func (r *Runner) Script(descriptor, output string) string {
	quote := shellQuote
	if r.windows {
		quote = batchQuote
	}

	parts := make([]string, 0, 16)
	parts = append(parts, quote(r.cfg.ToolPath))
	for _, a := range r.Args(descriptor, output) {
		parts = append(parts, quote(a))
	}
	line := strings.Join(parts, " ")

	if r.windows {
		return "@echo off\r\n" + line + "\r\n"
	}
	return "#!/bin/sh\n" + line + "\n"
}

// ScriptPath returns where the script for frame is written.
func (r *Runner) ScriptPath(frame int) string {
	ext := ".sh"
	if r.windows {
		ext = ".bat"
	}
	return filepath.Join(r.cfg.ScriptDir, "run_"+frames.FolderName(frame)+ext)
}

// Run executes the tool for job and blocks until it exits.
//
// A nonzero exit yields a *ToolFailureError alongside the Result. The script
// is removed in every case.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	if err := os.MkdirAll(r.cfg.ScriptDir, 0755); err != nil {
		return nil, fmt.Errorf("create script dir: %w", err)
	}
	if job.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	scriptPath := r.ScriptPath(job.Frame)
	if err := os.WriteFile(scriptPath, []byte(r.Script(job.Descriptor, job.OutputPath)), 0700); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	defer func() {
		if err := os.Remove(scriptPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("Failed to remove script", zap.String("path", scriptPath), zap.Error(err))
		}
	}()

	cmd := r.command(ctx, scriptPath)
	cmd.Stdout = job.Stdout
	cmd.Stderr = job.Stderr
	cmd.Dir = r.cfg.ScriptDir
	cmd.WaitDelay = waitDelay

	r.logger.Info("Running reconstruction tool",
		zap.Int("frame", job.Frame),
		zap.String("descriptor", job.Descriptor),
		zap.String("output", job.OutputPath))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tool: %w", err)
	}
	if job.OnStart != nil {
		job.OnStart(cmd.Process.Pid)
	}
	waitErr := cmd.Wait()

	res := &Result{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Duration:   time.Since(start),
		ScriptPath: scriptPath,
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("tool interrupted: %w", ctx.Err())
	}
	if waitErr != nil || res.ExitCode != 0 {
		return res, &ToolFailureError{Frame: job.Frame, ExitCode: res.ExitCode, Err: waitErr}
	}

	r.logger.Info("Reconstruction tool finished",
		zap.Int("frame", job.Frame),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (r *Runner) command(ctx context.Context, scriptPath string) *exec.Cmd {
	var cmd *exec.Cmd
	if r.windows {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", scriptPath)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", scriptPath)
	}
	killTree(cmd)
	return cmd
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`&|;<>()*?[]#~=%!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// batchQuote double-quotes arguments with spaces. '=' is also a cmd.exe
// separator. '%' is doubled so batch files do not expand it.
func batchQuote(s string) string {
	escaped := strings.ReplaceAll(s, "%", "%%")
	if s != "" && !strings.ContainsAny(s, " \t&|<>^=,;\"") {
		return escaped
	}
	return `"` + strings.ReplaceAll(escaped, `"`, `""`) + `"`
}
