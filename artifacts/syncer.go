// Package artifacts mirrors run inputs and outputs between the local file
// system and a remote artifact location.
package artifacts

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Syncer copies a file or a directory tree from src to dst
type Syncer interface {
	Sync(ctx context.Context, src, dst string) error
}

// LocalSyncer syncs between paths reachable through the local file system,
// such as a mounted bucket. A "file://" prefix is accepted on either side.
type LocalSyncer struct {
	logger *slog.Logger
}

// NewLocalSyncer creates a syncer that logs every transfer
func NewLocalSyncer(logger *slog.Logger) *LocalSyncer {
	return &LocalSyncer{logger: logger}
}

// Sync copies src to dst. Directories are copied recursively and merged into
// an existing destination; files overwrite.
func (s *LocalSyncer) Sync(ctx context.Context, src, dst string) error {
	src, dst = localPath(src), localPath(dst)
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "sync source %s", src)
	}
	s.logger.Info("sync", "from", src, "to", dst)

	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode())
	})
}

// WeightsURL is where a checkpoint file is mirrored under the train URL
func WeightsURL(trainURL, file string) string {
	return strings.TrimRight(trainURL, "/") + "/weights/" + filepath.Base(file)
}

func localPath(p string) string {
	return strings.TrimPrefix(p, "file://")
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(dst))
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "copy %s", src)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", dst)
	}
	return errors.Wrap(os.Rename(tmp, dst), "finish copy")
}
