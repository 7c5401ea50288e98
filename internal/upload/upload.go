// Package upload implements upload_object (spec §4.7): staging write,
// optional server-side copy-by-link short circuit, digest computation, and
// atomic publish via the version package.
//
// Grounded on randilt-geckos3's PutObject/CopyObject (stage-to-temp-file,
// io.MultiWriter digest, rename-into-place), generalized with the
// hardlink-short-circuit copy path spec §4.7.1 adds and delegating
// publish to the version state machine instead of a bare os.Rename.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/go-nsfs/nsfs/internal/bufpool"
	"github.com/go-nsfs/nsfs/internal/safefs"
	"github.com/go-nsfs/nsfs/internal/version"
	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

// ErrReadOnly is returned when upload_object targets a read-only bucket.
var ErrReadOnly = errors.New("bucket is read-only")

// ErrMD5Mismatch is returned when the caller's declared md5 doesn't match
// the computed digest.
var ErrMD5Mismatch = errors.New("content md5 mismatch")

// ErrCopySourceIsDirObject is returned when a server-side copy's source
// resolves to a directory object; copying directory objects is left
// unresolved rather than guessed at.
var ErrCopySourceIsDirObject = errors.New("copy source is a directory object")

// CopyStatus reports the outcome of the server-side-copy short circuit.
type CopyStatus int

const (
	CopyNone CopyStatus = iota
	CopySameInode
	CopyLinked
	CopyStreamed
)

// Params bounds a single upload_object call.
type Params struct {
	ReadOnly       bool
	Key            string
	LatestPath     string
	StagingDir     string
	TmpDirRoot     string
	ContentType    string
	User           map[string]string
	DeclaredMD5    string // hex, empty if not supplied by the caller
	ForceMD5       bool   // compute content md5 even without a DeclaredMD5 to check (spec §6 NSFS_CALCULATE_MD5)
	IsDirObject    bool
	DirObjectSize  int64 // only meaningful when IsDirObject && declared size == 0
	FolderObjectName string

	// CopySource, when non-empty, is the filesystem path this upload should
	// attempt to satisfy via hardlink before falling back to streaming.
	CopySource       string
	CopyXattrs       bool
	VersioningDisabled bool
}

// Deps are the collaborators the pipeline drives.
type Deps struct {
	Pool        *bufpool.Pool
	BufSize     int
	Backend     safefs.Backend
	Retrier     safefs.Retrier
	Mode        version.Mode
	VersionPaths version.Paths
	TriggerFsync bool
}

// Result reports what upload_object actually did.
type Result struct {
	VersionID  string
	Etag       string
	CopyStatus CopyStatus
}

// Source is the input byte stream for a non-copy upload.
type Source interface {
	io.Reader
}

// Upload runs the full pipeline. src is nil when CopySource is set and a
// hardlink short-circuit is possible.
func Upload(ctx context.Context, p Params, d Deps, src Source) (*Result, error) {
	if p.ReadOnly {
		return nil, ErrReadOnly
	}

	if p.IsDirObject && p.DirObjectSize == 0 && src == nil && p.CopySource == "" {
		return uploadEmptyDirObject(p)
	}

	if p.CopySource != "" {
		if fi, err := os.Stat(p.CopySource); err == nil && fi.IsDir() {
			return nil, ErrCopySourceIsDirObject
		}
	}

	if err := os.MkdirAll(p.StagingDir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, err
	}
	stagingPath := filepath.Join(p.StagingDir, uuid.NewString())

	status := CopyNone
	var md5hex string
	computeMD5 := p.ForceMD5 || p.DeclaredMD5 != ""

	if p.CopySource != "" {
		var err error
		status, err = tryCopyByLink(p, d, stagingPath)
		if err != nil {
			return nil, err
		}
		if status == CopySameInode {
			return &Result{CopyStatus: status}, nil
		}
	}

	if status != CopyLinked {
		var err error
		md5hex, err = streamToStaging(ctx, stagingPath, src, d, computeMD5)
		if err != nil {
			return nil, err
		}
		if status == CopyNone && p.CopySource != "" {
			status = CopyStreamed
		}
	} else if computeMD5 {
		md5hex, _ = fileMD5(stagingPath)
	}

	if p.DeclaredMD5 != "" && md5hex != "" && p.DeclaredMD5 != md5hex {
		os.Remove(stagingPath)
		return nil, ErrMD5Mismatch
	}

	set := &xattrcodec.Set{
		User:        p.User,
		ContentType: p.ContentType,
		ContentMD5:  md5hex,
	}
	if err := xattrcodec.Write(stagingPath, set, true); err != nil {
		return nil, err
	}

	if d.TriggerFsync {
		if f, err := os.Open(stagingPath); err == nil {
			f.Sync()
			f.Close()
		}
	}

	newVersionID, err := publishWithRetry(ctx, d, stagingPath)
	if err != nil {
		return nil, err
	}

	set.VersionID = newVersionID
	return &Result{VersionID: newVersionID, Etag: xattrcodec.Etag(set), CopyStatus: status}, nil
}

func uploadEmptyDirObject(p Params) (*Result, error) {
	dir := filepath.Dir(p.LatestPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := xattrcodec.Write(dir, &xattrcodec.Set{
		User:          p.User,
		ContentType:   p.ContentType,
		HasDirContent: true,
		DirContent:    0,
	}, true); err != nil {
		return nil, err
	}
	folder := filepath.Join(dir, p.FolderObjectName)
	if err := os.Remove(folder); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return &Result{Etag: "0-0"}, nil
}

// tryCopyByLink implements spec §4.7.1: same-inode short circuit, else
// hardlink attempt into staging.
func tryCopyByLink(p Params, d Deps, stagingPath string) (CopyStatus, error) {
	srcID, err := safefs.StatIdentity(p.CopySource)
	if err != nil {
		return CopyNone, err
	}
	if dstID, err := safefs.StatIdentity(p.LatestPath); err == nil && dstID == srcID {
		return CopySameInode, nil
	}

	if !p.CopyXattrs || !p.VersioningDisabled {
		return CopyNone, nil // fall back to streaming copy per spec §4.7.1
	}

	if err := os.Link(p.CopySource, stagingPath); err != nil {
		return CopyNone, nil // link failed, caller falls back to streaming
	}
	return CopyLinked, nil
}

// streamToStaging runs the buffered copy pipeline, computing an incremental
// md5 only when computeMD5 is set (spec §6's NSFS_CALCULATE_MD5 tunable, via
// Params.ForceMD5 or an explicit DeclaredMD5 to verify against).
func streamToStaging(ctx context.Context, stagingPath string, src Source, d Deps, computeMD5 bool) (string, error) {
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf, err := d.Pool.Get(ctx, d.BufSize)
	if err != nil {
		return "", fmt.Errorf("buffer pool admission: %w", err)
	}
	defer buf.Release()

	var w io.Writer = f
	var h hash.Hash
	if computeMD5 {
		h = md5.New()
		w = io.MultiWriter(f, h)
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := src.Read(buf.Bytes)
		if n > 0 {
			if _, werr := w.Write(buf.Bytes[:n]); werr != nil {
				return "", werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	if !computeMD5 {
		return "", nil
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// publishWithRetry retries the whole move up to N times on ENOENT of an
// intermediate directory (spec §4.7.2).
func publishWithRetry(ctx context.Context, d Deps, stagingPath string) (string, error) {
	attempts := d.Retrier.Attempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		id, err := version.Publish(ctx, d.Mode, d.VersionPaths, version.Deps{Backend: d.Backend, Retrier: d.Retrier}, stagingPath)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(d.VersionPaths.LatestPath), 0o755); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("publish exhausted retries: %w", lastErr)
}
