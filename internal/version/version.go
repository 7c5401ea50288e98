// Package version implements the version-mode state machine spec §4.9
// describes: move-to-destination, delete-latest, delete-specific-version,
// promote-prior, and directory-object deletion. There is no teacher
// analogue for this — randilt-geckos3 has no versioning at all — so this
// package is built directly from the state tables in spec §4.9, dispatched
// by Mode as a single tagged switch rather than scattered per-call-site
// conditionals.
package version

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-nsfs/nsfs/internal/safefs"
	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

// Mode is a bucket's versioning mode.
type Mode int

const (
	Disabled Mode = iota
	Suspended
	Enabled
)

// Paths abstracts the filesystem layout a single key's versions live under,
// so this package never constructs paths itself — that's pathmap's job.
type Paths struct {
	LatestPath   string
	VersionsDir  string
	TmpDirRoot   string
	VersionPath  func(versionID string) string
}

// Deps are the filesystem primitives the state machine drives.
type Deps struct {
	Backend safefs.Backend
	Retrier safefs.Retrier
}

// LatestInfo is what readLatest returns about the current occupant of LatestPath.
type LatestInfo struct {
	Exists       bool
	Identity     safefs.Identity
	VersionID    string
	DeleteMarker bool
}

// readLatest stats and reads xattrs of LatestPath, returning a zero
// LatestInfo{Exists:false} if nothing is there.
func readLatest(p Paths) (LatestInfo, error) {
	id, err := safefs.StatIdentity(p.LatestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LatestInfo{}, nil
		}
		return LatestInfo{}, err
	}
	set, err := xattrcodec.Read(p.LatestPath)
	if err != nil {
		return LatestInfo{}, err
	}
	return LatestInfo{Exists: true, Identity: id, VersionID: set.VersionID, DeleteMarker: set.DeleteMarker}, nil
}

// Publish runs the move-to-destination state machine (spec §4.9) that
// places a freshly-staged file at LatestPath, displacing any existing
// latest according to mode. Returns the version id assigned to the new
// occupant.
func Publish(ctx context.Context, mode Mode, p Paths, d Deps, stagingPath string) (newVersionID string, err error) {
	if mode == Disabled {
		// Overwrite in place: rename atomically replaces any existing latest.
		if err := os.MkdirAll(filepath.Dir(p.LatestPath), 0o755); err != nil {
			return "", err
		}
		if err := os.Rename(stagingPath, p.LatestPath); err != nil {
			return "", err
		}
		return "", nil
	}

	latest, err := readLatest(p)
	if err != nil {
		return "", err
	}

	if latest.Exists && mode == Suspended && latest.VersionID == "null" {
		if err := safefs.SafeUnlink(ctx, p.TmpDirRoot, p.LatestPath, latest.Identity, d.Retrier); err != nil {
			return "", err
		}
		latest.Exists = false
	} else {
		// Drop any stray null-versioned sidecar: invariant 5 forbids more
		// than one null version existing at once.
		if err := removeNullSidecar(ctx, p, d); err != nil {
			return "", err
		}
	}

	if latest.Exists {
		versionedPath := p.VersionPath(latest.VersionID)
		if err := safefs.SafeMove(ctx, d.Backend, p.TmpDirRoot, p.LatestPath, versionedPath, d.Retrier); err != nil {
			return "", err
		}
	}

	newVersionID = "null"
	if mode == Enabled {
		sid, err := safefs.StatIdentity(stagingPath)
		if err != nil {
			return "", err
		}
		newVersionID = xattrcodec.FormatVersionID(sid.MtimeNs, sid.Ino)
	}
	if err := xattrcodec.Write(stagingPath, &xattrcodec.Set{VersionID: newVersionID, PrevVersionID: latest.VersionID}, false); err != nil {
		return "", err
	}

	if err := safefs.SafeMove(ctx, d.Backend, p.TmpDirRoot, stagingPath, p.LatestPath, d.Retrier); err != nil {
		return "", err
	}

	if mode == Suspended {
		return "null", nil
	}
	id, err := safefs.StatIdentity(p.LatestPath)
	if err != nil {
		return "", err
	}
	return xattrcodec.FormatVersionID(id.MtimeNs, id.Ino), nil
}

// removeNullSidecar safe-unlinks any version in .versions/ whose stored
// version id is the literal "null", if one exists.
func removeNullSidecar(ctx context.Context, p Paths, d Deps) error {
	entries, err := os.ReadDir(p.VersionsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), "_null") {
			continue
		}
		full := filepath.Join(p.VersionsDir, e.Name())
		id, statErr := safefs.StatIdentity(full)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				continue
			}
			return statErr
		}
		if err := safefs.SafeUnlink(ctx, p.TmpDirRoot, full, id, d.Retrier); err != nil {
			return err
		}
	}
	return nil
}

// DeleteLatest implements "delete_object without explicit version" for
// enabled/suspended modes: displace the current latest into .versions/ and
// leave a delete marker behind, per spec §4.9.
func DeleteLatest(ctx context.Context, mode Mode, p Paths, d Deps) error {
	if mode == Disabled {
		id, err := safefs.StatIdentity(p.LatestPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := safefs.SafeUnlink(ctx, p.TmpDirRoot, p.LatestPath, id, d.Retrier); err != nil {
			return err
		}
		return removeEmptyParents(p.LatestPath, filepath.Dir(p.TmpDirRoot))
	}

	latest, err := readLatest(p)
	if err != nil {
		return err
	}

	prevVersionID := ""
	if latest.Exists {
		prevVersionID = latest.VersionID
		if mode == Suspended && latest.VersionID == "null" {
			if err := safefs.SafeUnlink(ctx, p.TmpDirRoot, p.LatestPath, latest.Identity, d.Retrier); err != nil {
				return err
			}
		} else {
			versionedPath := p.VersionPath(latest.VersionID)
			if err := safefs.SafeMove(ctx, d.Backend, p.TmpDirRoot, p.LatestPath, versionedPath, d.Retrier); err != nil {
				return err
			}
		}
	}

	markerTmp := p.LatestPath + ".delete-marker-tmp"
	f, err := os.OpenFile(markerTmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	f.Close()

	var markerVersionID string
	if mode == Suspended {
		markerVersionID = "null"
	} else {
		id, err := safefs.StatIdentity(markerTmp)
		if err != nil {
			return err
		}
		markerVersionID = xattrcodec.FormatVersionID(id.MtimeNs, id.Ino)
	}

	if err := xattrcodec.Write(markerTmp, &xattrcodec.Set{
		DeleteMarker:  true,
		VersionID:     markerVersionID,
		PrevVersionID: prevVersionID,
	}, false); err != nil {
		return err
	}

	markerDest := p.VersionPath(markerVersionID)
	return safefs.SafeMove(ctx, d.Backend, p.TmpDirRoot, markerTmp, markerDest, d.Retrier)
}

// DeleteVersion safe-unlinks a specific version path. If it was the latest
// occupant or a delete marker, a promotion attempt follows.
func DeleteVersion(ctx context.Context, mode Mode, p Paths, d Deps, versionID string) error {
	if mode == Disabled {
		return nil // ignored per the state machine summary
	}

	target := p.VersionPath(versionID)
	isLatestPath := false
	targetIdentity, err := safefs.StatIdentity(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			latestIdentity, lerr := safefs.StatIdentity(p.LatestPath)
			if lerr == nil {
				set, serr := xattrcodec.Read(p.LatestPath)
				if serr == nil && set.VersionID == versionID {
					targetIdentity = latestIdentity
					isLatestPath = true
					target = p.LatestPath
				}
			}
			if target != p.LatestPath {
				return nil // nothing to delete, quietly succeeds
			}
		} else {
			return err
		}
	}

	set, err := xattrcodec.Read(target)
	wasDeleteMarker := err == nil && set.DeleteMarker
	wasLatest := isLatestPath

	unlinkRoot := p.TmpDirRoot
	if err := safefs.SafeUnlink(ctx, unlinkRoot, target, targetIdentity, d.Retrier); err != nil {
		return err
	}

	if wasLatest || wasDeleteMarker {
		prevVersionID := ""
		if err == nil {
			prevVersionID = set.PrevVersionID
		}
		return promote(ctx, p, d, prevVersionID)
	}
	return nil
}

// promote implements the promote-prior algorithm of spec §4.9.
func promote(ctx context.Context, p Paths, d Deps, preferredPrevVersionID string) error {
	if _, err := safefs.StatIdentity(p.LatestPath); err == nil {
		return nil // a concurrent writer already occupies latest
	}

	candidate := preferredPrevVersionID
	if candidate == "" {
		var err error
		candidate, err = findNewestVersion(p.VersionsDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if candidate == "" {
			return nil
		}
	}

	candidatePath := p.VersionPath(candidate)
	set, err := xattrcodec.Read(candidatePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if set.DeleteMarker {
		return nil
	}

	if err := safefs.SafeMove(ctx, d.Backend, p.TmpDirRoot, candidatePath, p.LatestPath, d.Retrier); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil // a new latest writer won the race; abort promotion silently
		}
		return err
	}
	return nil
}

// findNewestVersion scans VersionsDir for the entry with the maximum
// embedded mtime.
func findNewestVersion(versionsDir string) (string, error) {
	entries, err := os.ReadDir(versionsDir)
	if err != nil {
		return "", err
	}
	var bestVersionID string
	var bestMtime int64 = -1
	for _, e := range entries {
		idx := strings.LastIndex(e.Name(), "_")
		if idx < 0 {
			continue
		}
		versionID := e.Name()[idx+1:]
		mtimeNs, _, isNull, err := xattrcodec.ParseVersionID(versionID)
		if err != nil {
			continue
		}
		if isNull {
			continue // null versions carry no mtime ordering of their own
		}
		if mtimeNs > bestMtime {
			bestMtime = mtimeNs
			bestVersionID = versionID
		}
	}
	return bestVersionID, nil
}

// RemoveEmptyParents walks upward from the path of a deleted key removing
// empty directories until root, stopping on any error that means "this
// directory is not safely removable" (spec §4.9).
func RemoveEmptyParents(path, root string) error {
	return removeEmptyParents(path, root)
}

// PruneEmptyDirs removes dir itself (if empty) and then walks upward
// through its ancestors under root doing the same, used when a
// directory-object's body is deleted and the directory has no other
// children left (spec §4.9).
func PruneEmptyDirs(dir, root string) error {
	if dir == root || len(dir) <= len(root) {
		return nil
	}
	if err := os.Remove(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) || isBenignStop(err) {
			return nil
		}
		return err
	}
	return removeEmptyParents(filepath.Join(dir, "placeholder"), root)
}

func removeEmptyParents(path, root string) error {
	dir := filepath.Dir(path)
	for {
		if dir == root || len(dir) <= len(root) {
			return nil
		}
		err := os.Remove(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if isBenignStop(err) {
				return nil
			}
			return err
		}
		dir = filepath.Dir(dir)
	}
}

func isBenignStop(err error) bool {
	msg := err.Error()
	for _, stop := range []string{"directory not empty", "not a directory", "permission denied"} {
		if strings.Contains(msg, stop) {
			return true
		}
	}
	return false
}

// ClearDirectoryXattrs strips all user.* xattrs from a directory whose
// object body was deleted but that still has children — it is no longer an
// object (spec §4.9).
func ClearDirectoryXattrs(dirPath string) error {
	return xattrcodec.ClearAllUser(dirPath)
}

// IsDirEmpty reports whether dirPath currently has no children other than
// reserved names, used to decide between PruneEmptyDirs and
// ClearDirectoryXattrs when a directory object is deleted.
func IsDirEmpty(dirPath string, reserved ...string) (bool, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return false, err
	}
	skip := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		skip[r] = true
	}
	for _, e := range entries {
		if skip[e.Name()] {
			continue
		}
		return false, nil
	}
	return true, nil
}
