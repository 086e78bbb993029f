// Package workspace builds the isolated per-frame copy of a project that a
// reconstruction run works on.
//
// A workspace lives at <root>/temp/frame_NNNNN and mirrors the parts of the
// project the descriptor references:
//
//	<ws>/<descriptor file>
//	<ws>/<project folder>/                    when present next to the descriptor
//	<ws>/<images>/Sequence/frame_NNNNN/       the frame's images
//
// Workspaces are removed before and after use.
package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/framefarm/pkg/frames"
)

// TempDirName is the directory under the project root holding workspaces.
const TempDirName = "temp"

// Config describes the project a Preparer copies from.
type Config struct {
	// Root is the project root. Workspaces live under Root/temp.
	Root string

	// Descriptor is the absolute path of the project descriptor.
	Descriptor string

	// ImagesDir is the absolute images root holding Sequence/.
	ImagesDir string

	// ImagesSubpath is ImagesDir relative to Root. It is reproduced inside
	// each workspace so relative paths in the descriptor keep resolving.
	ImagesSubpath string
}

// Instance is a prepared workspace.
type Instance struct {
	Frame      int
	Dir        string
	Descriptor string

	// ProjectDir is empty when the project had no companion folder.
	ProjectDir string

	// FrameDir is empty when the source frame folder was missing.
	FrameDir string
}

// Preparer creates and removes per-frame workspaces.
type Preparer struct {
	cfg    Config
	logger *zap.Logger
}

// NewPreparer creates a Preparer.
func NewPreparer(cfg Config, logger *zap.Logger) *Preparer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ImagesSubpath == "" {
		cfg.ImagesSubpath = filepath.Base(cfg.ImagesDir)
	}
	return &Preparer{cfg: cfg, logger: logger}
}

// TempDir returns <root>/temp.
func (p *Preparer) TempDir() string {
	return filepath.Join(p.cfg.Root, TempDirName)
}

// Dir returns the workspace directory for frame.
func (p *Preparer) Dir(frame int) string {
	return filepath.Join(p.TempDir(), frames.FolderName(frame))
}

// ProjectFolderName is the descriptor's base name up to its first '.'.
func ProjectFolderName(descriptor string) string {
	base := filepath.Base(descriptor)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// Prepare builds a fresh workspace for frame.
//
// An existing workspace for the same frame is removed first. A missing
// source frame folder is logged and the workspace is still returned, with
// an empty FrameDir.
func (p *Preparer) Prepare(ctx context.Context, frame int) (*Instance, error) {
	if err := p.Cleanup(frame); err != nil {
		return nil, err
	}

	dir := p.Dir(frame)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &WorkspaceError{Op: "create", Frame: frame, Path: dir, Err: err}
	}

	inst := &Instance{
		Frame:      frame,
		Dir:        dir,
		Descriptor: filepath.Join(dir, filepath.Base(p.cfg.Descriptor)),
	}

	if err := copyFile(p.cfg.Descriptor, inst.Descriptor); err != nil {
		return nil, &WorkspaceError{Op: "copy_descriptor", Frame: frame, Path: p.cfg.Descriptor, Err: err}
	}

	folder := ProjectFolderName(p.cfg.Descriptor)
	srcProject := filepath.Join(filepath.Dir(p.cfg.Descriptor), folder)
	if isDir(srcProject) {
		inst.ProjectDir = filepath.Join(dir, folder)
		if err := copyDir(ctx, srcProject, inst.ProjectDir); err != nil {
			return nil, &WorkspaceError{Op: "copy_project", Frame: frame, Path: srcProject, Err: err}
		}
	} else {
		p.logger.Debug("No project folder next to descriptor", zap.String("path", srcProject))
	}

	srcFrame := filepath.Join(p.cfg.ImagesDir, frames.SequenceDir, frames.FolderName(frame))
	if !isDir(srcFrame) {
		p.logger.Warn("Frame folder not found; continuing without images",
			zap.Int("frame", frame),
			zap.String("path", srcFrame),
			zap.Error(&WorkspaceError{Op: "copy_frame", Frame: frame, Path: srcFrame, Err: ErrFrameMissing}))
		return inst, nil
	}

	dstSequence := filepath.Join(dir, p.cfg.ImagesSubpath, frames.SequenceDir)
	if err := os.MkdirAll(dstSequence, 0755); err != nil {
		return nil, &WorkspaceError{Op: "create", Frame: frame, Path: dstSequence, Err: err}
	}
	inst.FrameDir = filepath.Join(dstSequence, frames.FolderName(frame))
	if err := copyDir(ctx, srcFrame, inst.FrameDir); err != nil {
		return nil, &WorkspaceError{Op: "copy_frame", Frame: frame, Path: srcFrame, Err: err}
	}

	p.logger.Debug("Workspace prepared",
		zap.Int("frame", frame),
		zap.String("dir", dir))
	return inst, nil
}

// Cleanup removes the workspace for frame. A missing workspace is not an error.
func (p *Preparer) Cleanup(frame int) error {
	dir := p.Dir(frame)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &WorkspaceError{Op: "cleanup", Frame: frame, Path: dir, Err: err}
	}
	return nil
}

// CleanupAll removes every workspace under <root>/temp.
func (p *Preparer) CleanupAll() error {
	if err := os.RemoveAll(p.TempDir()); err != nil {
		return &WorkspaceError{Op: "cleanup_all", Path: p.TempDir(), Err: err}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
