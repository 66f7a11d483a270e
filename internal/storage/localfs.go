package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errFSUnknown means the platform cannot report a filesystem type; the
// check is skipped rather than failing startup.
var errFSUnknown = errors.New("filesystem type unknown on this platform")

var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "smbfs", "smb2", "webdav"}

// requireLocalFilesystem refuses database paths on network mounts, where
// SQLite's file locking cannot protect the lock table.
func requireLocalFilesystem(path string, fsName func(string) (string, error)) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	name, err := fsName(dir)
	if errors.Is(err, errFSUnknown) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if isRemote(name) {
		return fmt.Errorf("database path %q is on network filesystem %q; state.path must point at local disk", path, name)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}

func isRemote(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range remoteFilesystems {
		if name == r {
			return true
		}
	}
	return false
}
