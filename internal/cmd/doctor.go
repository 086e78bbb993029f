package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/framefarm/internal/errors"
	"github.com/3leaps/framefarm/internal/observability"
	"github.com/3leaps/framefarm/pkg/frames"
	"github.com/3leaps/framefarm/pkg/manifest"
)

var (
	doctorProvider string
)

// minFreeMemory is the available memory below which a node is flagged.
const minFreeMemory = 8 << 30

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

With --root or --job the project layout is checked as well: the tool
executable, the descriptor, the image sequence and the output folder.

Examples:
  framefarm doctor                              # Environment and host checks
  framefarm doctor --root D:\captures\take-04   # Plus project layout
  framefarm doctor --provider s3                # Plus S3 credentials for --publish`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorRun numbers and logs checks.
type doctorRun struct {
	num   int
	total int
	ok    bool
}

func (d *doctorRun) pass(name, detail string, fields ...zap.Field) {
	d.num++
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", d.num, d.total, name, detail), fields...)
}

func (d *doctorRun) warn(name, detail string, fields ...zap.Field) {
	d.num++
	d.ok = false
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", d.num, d.total, name, detail), fields...)
}

func (d *doctorRun) fail(name, detail string, fields ...zap.Field) {
	d.num++
	d.ok = false
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", d.num, d.total, name, detail), fields...)
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	checkProject := projectRoot != "" || projectJob != ""
	d := &doctorRun{total: 6, ok: true}
	if checkProject {
		d.total += 5
	}
	if doctorProvider == "s3" {
		d.total += 2
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		d.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		d.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible != "" {
		d.pass("Crucible access", "v"+version.Crucible, zap.String("crucible_version", version.Crucible))
	} else {
		d.fail("Crucible access", "Cannot access Crucible")
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			apperrors.NewExternalServiceError("Crucible service unavailable"))
	}

	if version.Gofulmen != "" {
		d.pass("Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		d.fail("Gofulmen access", "Cannot access Gofulmen")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		d.fail("config directory", "Cannot find config directory", zap.Error(err))
	} else {
		d.pass("config directory", configDir, zap.String("config_dir", configDir))
	}

	d.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	checkHost(d)

	if checkProject {
		checkProjectLayout(cmd.Context(), d)
	}

	if doctorProvider == "s3" {
		runS3Checks(cmd.Context(), d)
	}

	observability.CLILogger.Info("")
	if d.ok {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkHost reports CPU and memory. Reconstruction of a single frame can use
// most of a machine's RAM.
func checkHost(d *doctorRun) {
	report, err := collectHostReport()
	if report.MemTotal == 0 {
		d.warn("host resources", "Cannot read host statistics", zap.Error(err))
		return
	}
	detail := fmt.Sprintf("%d CPUs, %s available of %s",
		report.LogicalCPUs, formatBytes(report.MemAvailable), formatBytes(report.MemTotal))
	if report.MemAvailable < minFreeMemory {
		d.warn("host resources", detail+" (recommended: 8 GiB free)", report.fields()...)
		return
	}
	d.pass("host resources", detail, report.fields()...)
}

func checkProjectLayout(ctx context.Context, d *doctorRun) {
	m, err := loadManifest()
	if err != nil {
		d.fail("farm manifest", "Invalid", zap.Error(err))
		d.num += 4
		return
	}
	d.pass("farm manifest", m.Project.Root)

	layout, err := m.Layout()
	if err != nil {
		d.fail("project layout", "Invalid", zap.Error(err))
		d.num += 3
		return
	}

	checkLayoutField(d, "reconstruction tool", layout, manifest.CheckOptions{RequireTool: true}, layout.ToolPath)
	checkLayoutField(d, "project descriptor", layout, manifest.CheckOptions{RequireDescriptor: true}, layout.Descriptor)

	plan, err := frames.NewRegistry(layout.ImagesDir, layout.OutputDir, observability.CLILogger).Scan(ctx)
	switch {
	case errors.Is(err, frames.ErrNoFrames):
		d.fail("image sequence", "No frame folders in "+layout.SequenceDir)
	case err != nil:
		d.fail("image sequence", "Cannot scan "+layout.SequenceDir, zap.Error(err))
	default:
		d.pass("image sequence", fmt.Sprintf("%d frames, %d pending", len(plan.Available), len(plan.Pending)),
			zap.Int("available", len(plan.Available)),
			zap.Int("pending", len(plan.Pending)))
	}

	if err := manifest.CheckLayout(layout, manifest.CheckOptions{}); err != nil {
		d.fail("output directory", "Not writable", zap.Error(err))
	} else {
		d.pass("output directory", layout.OutputDir)
	}
}

func checkLayoutField(d *doctorRun, name string, layout manifest.Layout, opts manifest.CheckOptions, path string) {
	err := manifest.CheckLayout(layout, opts)
	var ce *manifest.ConfigurationError
	if errors.As(err, &ce) && (ce.Field == "tool" || ce.Field == "descriptor") {
		d.fail(name, "Missing "+path, zap.Error(err))
		return
	}
	d.pass(name, path)
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, d *doctorRun) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		d.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		d.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	d.pass("AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	d.pass("credential source", source, zap.String("credential_source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for publishing:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - publish.endpoint in the farm manifest")
	observability.CLILogger.Info("")
}
