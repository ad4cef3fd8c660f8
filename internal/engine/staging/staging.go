// Package staging owns the directory holding the verified update package.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/surge-downloader/otaupdate/internal/utils"
)

// Mode is applied to the staging directory and the staged package.
const Mode fs.FileMode = 0o770

// ErrPrecondition means the staging directory is missing or has the wrong
// permissions. It indicates a broken installation and is not retried.
var ErrPrecondition = errors.New("staging precondition failed")

// Staging places verified packages at dir/fileName.
type Staging struct {
	mu       sync.Mutex
	dir      string
	fileName string
}

// New returns a Staging rooted at dir that stages packages as fileName.
func New(dir, fileName string) *Staging {
	return &Staging{dir: dir, fileName: fileName}
}

// Dir returns the staging directory.
func (s *Staging) Dir() string { return s.dir }

// PackagePath returns where the staged package lives.
func (s *Staging) PackagePath() string {
	return filepath.Join(s.dir, s.fileName)
}

// Exists reports whether a package is currently staged.
func (s *Staging) Exists() bool {
	info, err := os.Stat(s.PackagePath())
	return err == nil && info.Mode().IsRegular()
}

// Prepare creates the staging directory with Mode if it does not exist.
func (s *Staging) Prepare() error {
	if err := os.MkdirAll(s.dir, Mode); err != nil {
		return err
	}
	// MkdirAll is subject to umask
	return os.Chmod(s.dir, Mode)
}

// CheckPreconditions verifies the staging directory exists with Mode.
func (s *Staging) CheckPreconditions() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrPrecondition, s.dir)
	}
	if perm := info.Mode().Perm(); perm != Mode {
		return fmt.Errorf("%w: %s has mode %#o, want %#o", ErrPrecondition, s.dir, perm, Mode)
	}
	return nil
}

// StageVerifiedPackage clears any staged package and copies src into place.
// It succeeds only once both the copy and the permission change succeed.
func (s *Staging) StageVerifiedPackage(src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wipeLocked(); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}

	dst := s.PackagePath()
	tmp := dst + ".tmp"
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copy package: %w", err)
	}
	if err := os.Chmod(tmp, Mode); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("set package permissions: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("place package: %w", err)
	}

	utils.Debug("Staging: staged %s", dst)
	return nil
}

// WipeStaging deletes every entry in the staging directory, stopping at the
// first entry that cannot be removed.
func (s *Staging) WipeStaging() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipeLocked()
}

func (s *Staging) wipeLocked() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		path := filepath.Join(s.dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			utils.Debug("Staging: failed to remove %s: %v", path, err)
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
