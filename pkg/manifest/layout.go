package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/framefarm/pkg/frames"
	"github.com/3leaps/framefarm/pkg/workspace"
)

// ErrRootRequired is returned when no project root was given.
var ErrRootRequired = errors.New("project root is required")

// ConfigurationError reports an unusable project layout. It is fatal at
// startup.
type ConfigurationError struct {
	// Field names the setting at fault (e.g. "tool", "descriptor").
	Field string
	Path  string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("configuration: %s %s: %v", e.Field, e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Layout holds the absolute paths a run works with.
type Layout struct {
	Root       string
	Descriptor string
	ImagesDir  string

	// ImagesSubpath is where the frame folder lands inside a workspace,
	// relative to the workspace root.
	ImagesSubpath string

	SequenceDir string
	OutputDir   string
	TempDir     string
	ToolPath    string
}

// Layout resolves the project paths against the root.
func (m *Manifest) Layout() (Layout, error) {
	if m.Project.Root == "" {
		return Layout{}, &ConfigurationError{Field: "root", Err: ErrRootRequired}
	}
	root, err := filepath.Abs(m.Project.Root)
	if err != nil {
		return Layout{}, &ConfigurationError{Field: "root", Path: m.Project.Root, Err: err}
	}

	images := resolve(root, m.Project.Images)
	subpath := filepath.Clean(m.Project.Images)
	if filepath.IsAbs(subpath) || strings.HasPrefix(subpath, "..") {
		subpath = filepath.Base(images)
	}

	return Layout{
		Root:          root,
		Descriptor:    resolve(root, m.Project.Descriptor),
		ImagesDir:     images,
		ImagesSubpath: subpath,
		SequenceDir:   filepath.Join(images, frames.SequenceDir),
		OutputDir:     resolve(root, m.Project.Output),
		TempDir:       filepath.Join(root, workspace.TempDirName),
		ToolPath:      m.Tool.Path,
	}, nil
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

// CheckOptions selects which startup checks CheckLayout performs.
type CheckOptions struct {
	// RequireTool checks that the tool executable exists (node mode).
	RequireTool bool

	// RequireDescriptor checks that the project descriptor exists.
	RequireDescriptor bool
}

// CheckLayout verifies the project layout and creates the output directory
// when it is missing.
func CheckLayout(l Layout, opts CheckOptions) error {
	if opts.RequireTool {
		if err := requireFile("tool", l.ToolPath); err != nil {
			return err
		}
	}
	if opts.RequireDescriptor {
		if err := requireFile("descriptor", l.Descriptor); err != nil {
			return err
		}
	}

	info, err := os.Stat(l.ImagesDir)
	if err != nil {
		return &ConfigurationError{Field: "images", Path: l.ImagesDir, Err: err}
	}
	if !info.IsDir() {
		return &ConfigurationError{Field: "images", Path: l.ImagesDir, Err: errors.New("not a directory")}
	}

	if err := os.MkdirAll(l.OutputDir, 0755); err != nil {
		return &ConfigurationError{Field: "output", Path: l.OutputDir, Err: err}
	}
	return nil
}

func requireFile(field, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ConfigurationError{Field: field, Path: path, Err: err}
	}
	if info.IsDir() {
		return &ConfigurationError{Field: field, Path: path, Err: errors.New("is a directory")}
	}
	return nil
}
