// Package cmd implements the framefarm command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/framefarm/internal/config"
	"github.com/3leaps/framefarm/internal/observability"
	"github.com/3leaps/framefarm/internal/server/handlers"
	"github.com/3leaps/framefarm/pkg/manifest"
)

var (
	cfgFile string
	verbose bool

	projectRoot       string
	projectDescriptor string
	projectImages     string
	projectOutput     string
	projectTool       string
	projectJob        string

	// projectPublishURI is set by commands that accept --publish.
	projectPublishURI string

	appIdentity *config.Identity
	appConfig   *config.Config

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}
)

var rootCmd = &cobra.Command{
	Use:   "framefarm",
	Short: "Distribute per-frame photogrammetry jobs across a render farm",
	Long: `framefarm splits a captured image sequence into per-frame reconstruction
jobs and hands them out to worker machines.

Run one dispatcher next to the shared project:
  framefarm serve --root D:\captures\take-04

and one node per worker machine:
  framefarm node --root D:\captures\take-04 --ip 10.0.0.5

The project root holds the descriptor (scan.rcproj), the images folder with
Sequence/frame_NNNNN subfolders, and the output folder receiving Frame_N.obj.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./framefarm.yaml or the user config dir)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	pf.StringVarP(&projectRoot, "root", "r", "", "Project root directory")
	pf.StringVarP(&projectDescriptor, "project", "p", "", "Project descriptor relative to root (default \""+manifest.DefaultDescriptor+"\")")
	pf.StringVarP(&projectImages, "images", "i", "", "Images directory relative to root (default \""+manifest.DefaultImages+"\")")
	pf.StringVarP(&projectOutput, "output", "o", "", "Output directory relative to root (default \""+manifest.DefaultOutput+"\")")
	pf.StringVar(&projectTool, "realitycapture", "", "Reconstruction tool executable (default: stock RealityCapture path)")
	pf.StringVarP(&projectJob, "job", "j", "", "Farm manifest (YAML or JSON); flags override its values")

	// --rc is the short spelling operators know from the batch scripts.
	pf.StringVar(&projectTool, "rc", "", "Alias for --realitycapture")
	_ = pf.MarkHidden("rc")
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity, or nil before the CLI initialized.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initApp(cmd *cobra.Command, args []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	opts := observability.Options{Level: cfg.Logging.Level, Profile: cfg.Logging.Profile}
	if verbose {
		opts.Level = "debug"
	}
	if err := observability.InitLogger(appIdentity.BinaryName, opts); err != nil {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// loadManifest builds the farm manifest from --job and the project flags.
func loadManifest() (*manifest.Manifest, error) {
	m := manifest.Default()
	if projectJob != "" {
		loaded, err := manifest.Load(projectJob)
		if err != nil {
			return nil, err
		}
		m = loaded
	}

	m.Apply(manifest.Overrides{
		Root:       projectRoot,
		Descriptor: projectDescriptor,
		Images:     projectImages,
		Output:     projectOutput,
		ToolPath:   projectTool,
		PublishURI: projectPublishURI,
	})
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveLayout loads the manifest, derives its paths and checks them.
func resolveLayout(opts manifest.CheckOptions) (*manifest.Manifest, manifest.Layout, error) {
	m, err := loadManifest()
	if err != nil {
		return nil, manifest.Layout{}, exitError(foundry.ExitInvalidArgument, "Invalid farm manifest", err)
	}

	layout, err := m.Layout()
	if err != nil {
		return nil, manifest.Layout{}, exitError(foundry.ExitInvalidArgument, "Invalid project layout", err)
	}

	if err := manifest.CheckLayout(layout, opts); err != nil {
		observability.CLILogger.Error("Project layout check failed", zap.Error(err))
		return nil, manifest.Layout{}, exitError(layoutExitCode(err), "Invalid project layout", err)
	}

	observability.CLILogger.Debug("Resolved project layout",
		zap.String("root", layout.Root),
		zap.String("descriptor", layout.Descriptor),
		zap.String("images", layout.ImagesDir),
		zap.String("output", layout.OutputDir),
		zap.String("tool", layout.ToolPath))
	return m, layout, nil
}

func layoutExitCode(err error) int {
	var ce *manifest.ConfigurationError
	if errors.As(err, &ce) {
		switch {
		case ce.Field == "output":
			return foundry.ExitFileWriteError
		case errors.Is(ce.Err, os.ErrNotExist):
			return foundry.ExitFileNotFound
		}
	}
	return foundry.ExitInvalidArgument
}

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// ExitWithCode logs and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
