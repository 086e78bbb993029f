package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyFile copies src to dst, keeping the mode and modification time.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// copyDir copies the tree rooted at src to dst. Symlinks, including src
// itself, are followed; a link back into a directory already being copied is
// skipped.
func copyDir(ctx context.Context, src, dst string) error {
	return copyTree(ctx, src, dst, make(map[string]bool))
}

func copyTree(ctx context.Context, src, dst string, visiting map[string]bool) error {
	root, err := filepath.EvalSymlinks(src)
	if err != nil {
		return err
	}
	if visiting[root] {
		return nil
	}
	visiting[root] = true
	defer delete(visiting, root)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case d.Type().IsRegular():
			return copyFile(path, target)
		case d.Type()&fs.ModeSymlink != 0:
			info, err := os.Stat(path)
			if err != nil {
				// Dangling link.
				return nil
			}
			if info.IsDir() {
				return copyTree(ctx, path, target, visiting)
			}
			if info.Mode().IsRegular() {
				return copyFile(path, target)
			}
			return nil
		default:
			return nil
		}
	})
}
