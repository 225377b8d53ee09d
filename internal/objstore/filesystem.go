package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// Directory and file permissions for the filesystem backend.
const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Filesystem is a Service rooted at a local directory. Each container is a
// subdirectory of the root.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem Service rooted at root.
func NewFilesystem(root string) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
	}

	return &Filesystem{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *Filesystem) Root() string {
	return f.root
}

// Container implements Service.
func (f *Filesystem) Container(name string) Container {
	return &fsContainer{dir: filepath.Join(f.root, filepath.FromSlash(name))}
}

// Close implements Service.
func (f *Filesystem) Close() error { return nil }

type fsContainer struct {
	dir string
}

func (c *fsContainer) resolve(name string) (string, error) {
	local := filepath.FromSlash(name)
	if name == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return filepath.Join(c.dir, local), nil
}

func (c *fsContainer) List(ctx context.Context, prefix string) iter.Seq2[model.ObjectInfo, error] {
	return func(yield func(model.ObjectInfo, error) bool) {
		_, statErr := os.Stat(c.dir)
		if statErr != nil {
			yield(model.ObjectInfo{}, fmt.Errorf("list %s: %w", c.dir, statErr))

			return
		}

		// Walk only the deepest directory implied by the prefix.
		start := c.dir
		if dir := path.Dir(prefix); dir != "." && dir != "/" {
			start = filepath.Join(c.dir, filepath.FromSlash(dir))
		}

		walkErr := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == start {
					return filepath.SkipAll
				}

				return err
			}

			ctxErr := ctx.Err()
			if ctxErr != nil {
				return ctxErr
			}

			if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
				return nil
			}

			rel, err := filepath.Rel(c.dir, p)
			if err != nil {
				return err
			}

			name := filepath.ToSlash(rel)
			if !strings.HasPrefix(name, prefix) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			if !yield(model.ObjectInfo{Name: name, LastModified: info.ModTime().UTC(), Size: info.Size()}, nil) {
				return filepath.SkipAll
			}

			return nil
		})
		if walkErr != nil {
			yield(model.ObjectInfo{}, fmt.Errorf("list %s: %w", c.dir, walkErr))
		}
	}
}

func (c *fsContainer) Read(_ context.Context, name string) ([]byte, error) {
	p, err := c.resolve(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", name, ErrNotExist)
	}

	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	return data, nil
}

// Write stages the content in a temporary file next to the target and renames
// it into place, which is atomic on POSIX filesystems.
func (c *fsContainer) Write(_ context.Context, name string, data []byte) error {
	p, err := c.resolve(name)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)

	err = os.MkdirAll(dir, dirPerm)
	if err != nil {
		return fmt.Errorf("create dir for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()

	err = errors.Join(writeErr, syncErr, closeErr)
	if err == nil {
		err = os.Chmod(tmpName, filePerm)
	}

	if err == nil {
		err = os.Rename(tmpName, p)
	}

	if err != nil {
		removeErr := os.Remove(tmpName)
		if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			err = errors.Join(err, removeErr)
		}

		return fmt.Errorf("write %s: %w", name, err)
	}

	return nil
}
