package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"arcfilter/logging"
	"arcfilter/types"
)

// ErrChangedUnderfoot means the archive's size or mtime changed between plan
// and commit; the commit is aborted and the file left untouched.
var ErrChangedUnderfoot = errors.New("archive changed underfoot")

// BakMode controls what happens to the backup after a successful commit.
type BakMode string

const (
	BakKeep    BakMode = "keep"
	BakRecycle BakMode = "recycle"
	BakDelete  BakMode = "delete"
)

// ValidBakMode reports whether s names a backup mode.
func ValidBakMode(s string) bool {
	switch BakMode(s) {
	case BakKeep, BakRecycle, BakDelete:
		return true
	}
	return false
}

// NextBackupPath picks the first free backup sibling: .bak, .bak1, .bak2, ...
// up to maxBackups total.
func NextBackupPath(originalPath string, maxBackups int) (string, error) {
	if maxBackups < 1 {
		maxBackups = 1
	}
	for k := 0; k < maxBackups; k++ {
		cand := originalPath + ".bak"
		if k > 0 {
			cand = fmt.Sprintf("%s.bak%d", originalPath, k)
		}
		if _, err := os.Lstat(cand); os.IsNotExist(err) {
			return cand, nil
		}
	}
	return "", fmt.Errorf("all %d backup slots for %s are taken", maxBackups, originalPath)
}

// AtomicReplace installs newPath at the identity's path, moving the original
// to bakPath. Both renames are same-filesystem and atomic; a failure after
// the first rename rolls it back, so the original path always holds either
// the old archive or the complete new one.
func AtomicReplace(identity types.ArchiveIdentity, newPath, bakPath string) error {
	info, err := os.Stat(identity.Path)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %v", identity.Path, err)
	}
	if info.Size() != identity.SizeAtPlan || !info.ModTime().Equal(identity.MTimeAtPlan) {
		return fmt.Errorf("%w: %s", ErrChangedUnderfoot, identity.Path)
	}

	if err := os.Rename(identity.Path, bakPath); err != nil {
		return fmt.Errorf("cannot move %s to backup: %v", identity.Path, err)
	}

	if err := os.Rename(newPath, identity.Path); err != nil {
		// Roll back so the original stays in place.
		if rbErr := os.Rename(bakPath, identity.Path); rbErr != nil {
			return fmt.Errorf("cannot install new archive (%v) and rollback failed: %v", err, rbErr)
		}
		return fmt.Errorf("cannot install new archive at %s: %v", identity.Path, err)
	}

	return nil
}

// DisposeBackup applies the backup mode after a successful commit.
func DisposeBackup(bakPath string, mode BakMode) error {
	switch mode {
	case BakKeep:
		return nil
	case BakDelete:
		if err := os.Remove(bakPath); err != nil {
			return fmt.Errorf("cannot delete backup %s: %v", bakPath, err)
		}
		return nil
	case BakRecycle:
		return recycleFile(bakPath)
	}
	return fmt.Errorf("unknown backup mode %q", mode)
}

// recycleFile moves a file to the platform trash. On Linux that is the
// freedesktop trash layout; elsewhere (and when no trash dir exists) the file
// is moved into a .arcfilter-trash sibling directory instead of being lost.
func recycleFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("cannot resolve %s: %v", path, err)
	}

	if runtime.GOOS == "linux" {
		if err := freedesktopTrash(abs); err == nil {
			return nil
		}
		logging.LogWarning("freedesktop trash unavailable for %s, using sibling trash dir", abs)
	}

	trashDir := filepath.Join(filepath.Dir(abs), ".arcfilter-trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return fmt.Errorf("cannot create trash dir: %v", err)
	}
	dest := filepath.Join(trashDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), filepath.Base(abs)))
	if err := os.Rename(abs, dest); err != nil {
		return fmt.Errorf("cannot recycle %s: %v", abs, err)
	}
	return nil
}

// freedesktopTrash implements the XDG trash spec well enough for backups:
// move into Trash/files and drop a .trashinfo sidecar.
func freedesktopTrash(abs string) error {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	filesDir := filepath.Join(dataHome, "Trash", "files")
	infoDir := filepath.Join(dataHome, "Trash", "info")
	if err := os.MkdirAll(filesDir, 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(infoDir, 0o700); err != nil {
		return err
	}

	base := filepath.Base(abs)
	dest := filepath.Join(filesDir, base)
	for n := 2; ; n++ {
		if _, err := os.Lstat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(filesDir, fmt.Sprintf("%s.%d", base, n))
	}

	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		abs, time.Now().Format("2006-01-02T15:04:05"))
	infoPath := filepath.Join(infoDir, filepath.Base(dest)+".trashinfo")
	if err := os.WriteFile(infoPath, []byte(info), 0o600); err != nil {
		return err
	}

	if err := os.Rename(abs, dest); err != nil {
		os.Remove(infoPath)
		return err
	}
	return nil
}
