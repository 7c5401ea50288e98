// Package pathmap translates (bucket, key, version) triples into
// filesystem paths and enforces bucket-boundary containment, per spec §4.1.
//
// Grounded on randilt-geckos3/storage.go's validateBucketPath /
// validateObjectPath / objectPath, generalized with the realpath-based
// symlink defeat spec invariant 1 requires that the teacher's textual-prefix
// check alone does not provide.
package pathmap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys spec §4.1 forbids outright.
var ErrInvalidKey = errors.New("invalid key")

// Mapper resolves paths within a single bucket root.
type Mapper struct {
	root             string // absolute, symlink-resolved bucket root
	folderObjectName string // conventionally ".folder"
	tmpDirName       string
	checkBoundary    bool
}

// New builds a Mapper rooted at root. root must already exist.
func New(root, folderObjectName, tmpDirName string, checkBoundary bool) (*Mapper, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve bucket root: %w", err)
	}
	if folderObjectName == "" {
		folderObjectName = ".folder"
	}
	return &Mapper{
		root:             resolved,
		folderObjectName: folderObjectName,
		tmpDirName:       tmpDirName,
		checkBoundary:    checkBoundary,
	}, nil
}

// Root returns the resolved bucket root.
func (m *Mapper) Root() string { return m.root }

// validateKey rejects any key containing "./" — spec §4.1 calls this out
// as catching relative-escape attempts normalize() alone would miss.
func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, "./") {
		return ErrInvalidKey
	}
	if strings.Contains(key, "\x00") {
		return ErrInvalidKey
	}
	return nil
}

// IsDirKey reports whether key denotes a directory object (ends with '/').
func IsDirKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// FilePath returns the path to key's latest file. Directory-object keys
// (ending in '/') resolve to the .folder sentinel inside the key directory.
func (m *Mapper) FilePath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(m.root, filepath.FromSlash(key))
	if IsDirKey(key) {
		p = filepath.Join(p, m.folderObjectName)
	}
	return p, nil
}

// MDPath returns the path whose xattrs carry key's metadata: the key path
// itself for regular keys, or the parent directory of .folder for
// directory-object keys (spec §4.1).
func (m *Mapper) MDPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if IsDirKey(key) {
		return filepath.Join(m.root, filepath.FromSlash(key)), nil
	}
	return filepath.Join(m.root, filepath.FromSlash(key)), nil
}

// VersionPath returns the path to a specific version of key.
// versionID == "null" and versionID matching the mtime-ino scheme are both
// accepted verbatim; callers validate the id format via xattrcodec.
func (m *Mapper) VersionPath(key, versionID string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	dir := filepath.Dir(filepath.FromSlash(strings.TrimSuffix(key, "/")))
	base := filepath.Base(filepath.FromSlash(strings.TrimSuffix(key, "/")))
	return filepath.Join(m.root, dir, ".versions", fmt.Sprintf("%s_%s", base, versionID)), nil
}

// VersionsDir returns the .versions/ directory that would hold versions of key.
func (m *Mapper) VersionsDir(key string) string {
	dir := filepath.Dir(filepath.FromSlash(strings.TrimSuffix(key, "/")))
	return filepath.Join(m.root, dir, ".versions")
}

// MpuPath returns the scratch directory for a multipart upload.
func (m *Mapper) MpuPath(objID string) string {
	return filepath.Join(m.root, m.tmpDirName, "multipart-uploads", objID)
}

// StagingPath returns a fresh staging path for uploadName (typically a uuid).
func (m *Mapper) StagingPath(uploadName string) string {
	return filepath.Join(m.root, m.tmpDirName, "uploads", uploadName)
}

// LostFoundPath returns the quarantine path safe_unlink uses for quarantineName.
func (m *Mapper) LostFoundPath(quarantineName string) string {
	return filepath.Join(m.root, m.tmpDirName, "lost+found", quarantineName)
}

// IsInBucket reports whether path, once resolved, lives under the bucket
// root. It resolves symlinks and, on ENOENT, recurses to the parent
// directory (new upload leaves don't exist yet) per spec §4.1.
func (m *Mapper) IsInBucket(path string) (bool, error) {
	if !m.checkBoundary {
		return true, nil
	}
	return m.isInBucket(path)
}

func (m *Mapper) isInBucket(path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	// Fast textual check first: a path that is not textually under the root
	// is rejected without touching the filesystem. Paths that pass are still
	// resolved with EvalSymlinks below.
	if !strings.HasPrefix(abs, m.root+string(filepath.Separator)) && abs != m.root {
		return false, nil
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			parent := filepath.Dir(abs)
			if parent == abs {
				return false, nil
			}
			return m.isInBucket(parent)
		}
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, err
	}

	return resolved == m.root || strings.HasPrefix(resolved, m.root+string(filepath.Separator)), nil
}

// CheckInBucket returns an error if path is not contained in the bucket
// root and boundary checking is enabled.
func (m *Mapper) CheckInBucket(path string) error {
	ok, err := m.IsInBucket(path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: path escapes bucket boundary", os.ErrPermission)
	}
	return nil
}
