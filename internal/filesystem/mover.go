package filesystem

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
)

// rename is swappable so tests can simulate EXDEV without two devices.
var rename = os.Rename

// MoveFile moves src to dst, creating dst's parent. It renames when possible
// and falls back to copy + fsync + rename + unlink when src and dst are on
// different devices. fsync failures are logged, not fatal.
func MoveFile(src, dst string, log *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	err := rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}

	log.Debug("cross-device move, copying", "src", src, "dst", dst)
	return copyMove(src, dst, log)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV) || errors.Is(err, syscall.ENOTSUP)
}

func copyMove(src, dst string, log *slog.Logger) error {
	tmp := dst + ".tmpcopy"

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		log.Warn("fsync of copied file failed", "path", tmp, "error", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	dir := filepath.Dir(dst)
	fsyncDirLogged(dir, log)
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp copy: %w", err)
	}
	fsyncDirLogged(dir, log)

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func fsyncDirLogged(dir string, log *slog.Logger) {
	d, err := os.Open(dir)
	if err != nil {
		log.Warn("open dir for fsync failed", "dir", dir, "error", err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Warn("dir fsync failed", "dir", dir, "error", err)
	}
}
