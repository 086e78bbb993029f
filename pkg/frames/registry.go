// Package frames discovers which frames of a capture sequence still need
// reconstruction.
//
// Frames live as folders under <images>/Sequence/frame_NNNNN. A frame is
// complete when <output>/Frame_<id>.obj exists. The pending set is computed
// once per dispatcher run.
package frames

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/framefarm/pkg/protocol"
)

const (
	// SequenceDir is the folder under the images root holding frame folders.
	SequenceDir = "Sequence"

	// FolderPattern matches frame folder names.
	FolderPattern = "frame_*"

	// OutputPattern matches completed output file names.
	OutputPattern = "Frame_*.obj"

	folderPrefix = "frame_"
	outputPrefix = "Frame_"
	outputExt    = ".obj"
)

// ErrNoFrames is returned when the sequence directory holds no frame folders.
var ErrNoFrames = errors.New("no frames found in sequence directory")

// FolderName returns the zero-padded folder name for a frame id.
func FolderName(id int) string {
	return fmt.Sprintf("%s%05d", folderPrefix, id)
}

// OutputName returns the completed-output file name for a frame id.
func OutputName(id int) string {
	return fmt.Sprintf("%s%d%s", outputPrefix, id, outputExt)
}

// ParseFolderName extracts the frame id from a folder name like frame_00012.
func ParseFolderName(name string) (int, error) {
	if !strings.HasPrefix(name, folderPrefix) {
		return 0, fmt.Errorf("unexpected frame folder name %q", name)
	}
	return parseDigits(strings.TrimPrefix(name, folderPrefix), name)
}

// ParseOutputName extracts the frame id from an output name like Frame_12.obj.
func ParseOutputName(name string) (int, error) {
	if !strings.HasPrefix(name, outputPrefix) || !strings.HasSuffix(name, outputExt) {
		return 0, fmt.Errorf("unexpected output file name %q", name)
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, outputPrefix), outputExt)
	return parseDigits(digits, name)
}

func parseDigits(digits, name string) (int, error) {
	if digits == "" {
		return 0, fmt.Errorf("missing frame number in %q", name)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid frame number in %q", name)
		}
	}
	id, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("invalid frame number in %q: %w", name, err)
	}
	return id, nil
}

// Plan is the outcome of a registry scan.
type Plan struct {
	// Available lists every frame found in the sequence directory, ascending.
	Available []int

	// Completed lists frames that already have an output, ascending.
	Completed []int

	// Pending is Available minus Completed, ascending and duplicate-free.
	Pending []int
}

// HasWork reports whether any frame folders exist at all.
//
// A plan with frames but nothing pending still runs a dispatcher; workers
// receive the idle sentinel.
func (p *Plan) HasWork() bool {
	return p != nil && len(p.Available) > 0
}

// Pending returns the ascending, duplicate-free set of available ids that are
// not in completed.
func Pending(available, completed []int) []int {
	done := make(map[int]struct{}, len(completed))
	for _, id := range completed {
		done[id] = struct{}{}
	}

	out := make([]int, 0, len(available))
	for _, id := range uniqueSorted(available) {
		if _, ok := done[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

func uniqueSorted(ids []int) []int {
	if len(ids) == 0 {
		return []int{}
	}
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// Registry scans the filesystem for frames.
type Registry struct {
	imagesDir string
	outputDir string
	logger    *zap.Logger
}

// NewRegistry creates a registry over an images root and an output root.
func NewRegistry(imagesDir, outputDir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		imagesDir: imagesDir,
		outputDir: outputDir,
		logger:    logger,
	}
}

// SequencePath returns <images>/Sequence.
func (r *Registry) SequencePath() string {
	return filepath.Join(r.imagesDir, SequenceDir)
}

// Scan computes the plan.
//
// The sequence directory is created when missing so operators can drop frames
// into it. ErrNoFrames is returned alongside the (empty) plan when no frame
// folders exist; callers must not start dispatching in that case.
func (r *Registry) Scan(ctx context.Context) (*Plan, error) {
	seq := r.SequencePath()
	if _, err := os.Stat(seq); os.IsNotExist(err) {
		if err := os.MkdirAll(seq, 0755); err != nil {
			return nil, fmt.Errorf("create sequence directory: %w", err)
		}
		r.logger.Info("Created sequence directory", zap.String("path", seq))
	}

	available, err := r.scanFolders(ctx, seq)
	if err != nil {
		return nil, err
	}
	completed, err := r.scanOutputs(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Available: available,
		Completed: completed,
		Pending:   Pending(available, completed),
	}
	if !plan.HasWork() {
		return plan, ErrNoFrames
	}
	return plan, nil
}

func (r *Registry) scanFolders(ctx context.Context, seq string) ([]int, error) {
	entries, err := os.ReadDir(seq)
	if err != nil {
		return nil, fmt.Errorf("read sequence directory: %w", err)
	}

	ids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if ok, _ := doublestar.Match(FolderPattern, name); !ok {
			r.logger.Warn("Skipping directory with unexpected format", zap.String("name", name))
			continue
		}
		id, err := ParseFolderName(name)
		if err != nil {
			r.logger.Warn("Error parsing frame number from directory", zap.String("name", name), zap.Error(err))
			continue
		}
		if id == protocol.NoWork {
			// Indistinguishable from the idle sentinel on the wire.
			r.logger.Warn("Skipping frame that collides with the no-work reply", zap.String("name", name))
			continue
		}
		ids = append(ids, id)
	}
	return uniqueSorted(ids), nil
}

func (r *Registry) scanOutputs(ctx context.Context) ([]int, error) {
	names, err := doublestar.Glob(os.DirFS(r.outputDir), OutputPattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scan output directory: %w", err)
	}

	ids := make([]int, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := ParseOutputName(name)
		if err != nil {
			r.logger.Warn("Skipping output with unexpected name", zap.String("name", name), zap.Error(err))
			continue
		}
		r.logger.Debug("Found already processed frame", zap.Int("frame", id))
		ids = append(ids, id)
	}
	return uniqueSorted(ids), nil
}
