package cmd

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/framefarm/internal/config"
	"github.com/3leaps/framefarm/internal/observability"
	"github.com/3leaps/framefarm/pkg/jobregistry"
	"github.com/3leaps/framefarm/pkg/manifest"
	"github.com/3leaps/framefarm/pkg/node"
	"github.com/3leaps/framefarm/pkg/provider"
	"github.com/3leaps/framefarm/pkg/provider/file"
	"github.com/3leaps/framefarm/pkg/provider/s3"
	"github.com/3leaps/framefarm/pkg/publish"
	"github.com/3leaps/framefarm/pkg/runner"
	"github.com/3leaps/framefarm/pkg/workspace"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a worker node",
	Long: `Run a worker node: connect to the dispatcher, report idle, and reconstruct
each frame it is assigned.

For every frame the node copies the descriptor, the project folder and the
frame's images into <root>/temp/frame_NNNNN, points the descriptor at that
frame, runs the reconstruction tool headless and exports Frame_N.obj into the
output folder. A failed run is logged and the node asks for the next frame.

Examples:
  framefarm node --root D:\captures\take-04 --ip 10.0.0.5
  framefarm node --job farm.yaml --ip dispatcher.local --port 5100
  framefarm node --root /srv/take-04 --publish s3://renders/take-04/
  framefarm node --root /srv/take-04 --publish file:///mnt/nas/renders/take-04`,
	RunE: runNode,
}

var (
	nodeIP         string
	nodePort       int
	nodeID         string
	nodePublishURI string
	nodeNoAttempts bool
	nodeCleanTemp  bool
)

func init() {
	rootCmd.AddCommand(nodeCmd)

	nodeCmd.Flags().StringVar(&nodeIP, "ip", "", "Dispatcher address (default from config)")
	nodeCmd.Flags().IntVar(&nodePort, "port", 0, "Dispatcher port (default from config, 5000)")
	nodeCmd.Flags().StringVar(&nodeID, "id", "", "Node id reported to the dispatcher (default: hostname)")
	nodeCmd.Flags().StringVar(&nodePublishURI, "publish", "", "Copy finished models to this s3:// or file:// URI")
	nodeCmd.Flags().BoolVar(&nodeNoAttempts, "no-attempts", false, "Do not keep per-frame attempt records")
	nodeCmd.Flags().BoolVar(&nodeCleanTemp, "clean-temp", false, "Remove all workspaces under <root>/temp first (unsafe when nodes share a root)")
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := appConfig
	logger := observability.CLILogger

	projectPublishURI = nodePublishURI
	m, layout, err := resolveLayout(manifest.CheckOptions{RequireTool: true, RequireDescriptor: true})
	if err != nil {
		return err
	}

	if report, err := collectHostReport(); err == nil {
		logger.Info("Node host", report.fields()...)
	} else {
		logger.Debug("Host report incomplete", zap.Error(err))
	}

	preparer := workspace.NewPreparer(workspace.Config{
		Root:          layout.Root,
		Descriptor:    layout.Descriptor,
		ImagesDir:     layout.ImagesDir,
		ImagesSubpath: layout.ImagesSubpath,
	}, logger)
	if nodeCleanTemp {
		if err := preparer.CleanupAll(); err != nil {
			logger.Warn("Failed to remove stale workspaces", zap.String("dir", preparer.TempDir()), zap.Error(err))
		}
	}

	tool := newToolRunner(m, layout, logger)

	ncfg := node.Config{
		Addr:         dispatcherAddr(cfg),
		NodeID:       cfg.Node.ID,
		OutputDir:    layout.OutputDir,
		PollInterval: cfg.Node.PollInterval,
		DialAttempts: cfg.Node.DialAttempts,
		DialInterval: cfg.Node.DialInterval,
		Workspace:    preparer,
		Tool:         tool,
		Logger:       logger,
	}
	if nodeID != "" {
		ncfg.NodeID = nodeID
	}
	if !nodeNoAttempts {
		ncfg.Attempts = jobregistry.NewStore(attemptsDir(cfg))
	}

	if m.Publish != nil && m.Publish.URI != "" {
		pub, closePub, err := buildPublisher(ctx, m.Publish)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure publishing", err)
		}
		defer closePub()
		ncfg.Publisher = pub
	}

	client, err := node.New(ncfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid node configuration", err)
	}

	err = client.Run(ctx)
	stats := client.Stats()
	logger.Info("Node stopped",
		zap.Int("assigned", stats.Assigned),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("published", stats.Published))

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Node cancelled", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Node failed", err)
	}
	return nil
}

// newToolRunner writes its invocation scripts next to the frame workspaces
// under <root>/temp.
func newToolRunner(m *manifest.Manifest, layout manifest.Layout, logger *zap.Logger) *runner.Runner {
	return runner.New(runner.Config{
		ToolPath:  layout.ToolPath,
		ModelName: m.Tool.ModelName,
		ExtraArgs: m.Tool.ExtraArgs,
		ScriptDir: layout.TempDir,
	}, logger)
}

// dispatcherAddr picks the address to dial. A wildcard listen host from the
// shared config means "this machine".
func dispatcherAddr(cfg *config.Config) string {
	host := cfg.Dispatcher.Host
	if nodeIP != "" {
		host = nodeIP
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := cfg.Dispatcher.Port
	if nodePort != 0 {
		port = nodePort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func attemptsDir(cfg *config.Config) string {
	if cfg.Attempts.Dir != "" {
		return cfg.Attempts.Dir
	}
	return filepath.Join(gfconfig.GetAppDataDir(appIdentity.BinaryName), "attempts")
}

func buildPublisher(ctx context.Context, pc *manifest.PublishConfig) (*publish.Publisher, func(), error) {
	target, err := publish.ParseURI(pc.URI)
	if err != nil {
		return nil, nil, err
	}

	var (
		putter  provider.ObjectPutter
		closeFn func()
	)
	switch provider.ProviderType(target.Scheme) {
	case provider.ProviderFile:
		prov, err := file.New(file.Config{BaseDir: filepath.FromSlash(target.Bucket)})
		if err != nil {
			return nil, nil, err
		}
		putter, closeFn = prov, func() { _ = prov.Close() }
	default:
		prov, err := s3.New(ctx, s3.Config{
			Bucket:         target.Bucket,
			Region:         pc.Region,
			Endpoint:       pc.Endpoint,
			Profile:        pc.Profile,
			ForcePathStyle: pc.ForcePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		putter, closeFn = prov, func() { _ = prov.Close() }
	}

	observability.CLILogger.Info("Publishing finished models",
		zap.String("uri", pc.URI),
		zap.String("scheme", target.Scheme),
		zap.String("bucket", target.Bucket))
	return publish.New(target, putter, observability.CLILogger), closeFn, nil
}
