// Package multipart implements the multipart upload engine spec §4.8:
// create_object_upload, upload_multipart, list_multiparts,
// complete_object_upload, abort_object_upload.
//
// Grounded on randilt-geckos3's CreateMultipartUpload/UploadPart/
// CompleteMultipartUpload/AbortMultipartUpload (manifest + part-NNNNN.tmp +
// concatenation), generalized to the create_object_upload/part-<N> naming
// and md5-of-md5s aggregate etag spec §4.8 requires, and delegating the
// final publish to the version package instead of a bare rename.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/go-nsfs/nsfs/internal/bufpool"
	"github.com/go-nsfs/nsfs/internal/safefs"
	"github.com/go-nsfs/nsfs/internal/version"
	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

// ErrNoSuchUpload is returned when an mpu path doesn't exist.
var ErrNoSuchUpload = errors.New("no such upload")

// ErrPartETagMismatch is returned when complete_object_upload's caller
// supplied etag for a part doesn't match the stored digest.
var ErrPartETagMismatch = errors.New("part etag mismatch")

// createRequest is the JSON persisted in create_object_upload.
type createRequest struct {
	ContentType string            `json:"content_type"`
	User        map[string]string `json:"user"`
}

// Create allocates a new multipart upload scratch directory and persists
// the original request.
func Create(mpuRoot string, contentType string, user map[string]string) (objID string, err error) {
	objID = uuid.NewString()
	dir := filepath.Join(mpuRoot, objID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	req := createRequest{ContentType: contentType, User: user}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "create_object_upload"), data, 0o644); err != nil {
		return "", err
	}
	return objID, nil
}

// UploadPart writes part <num>'s bytes using the same streaming pipeline
// the upload package uses, returning its md5 hex digest.
func UploadPart(ctx context.Context, mpuDir string, num int, src io.Reader, pool *bufpool.Pool, bufSize int) (etag string, size int64, err error) {
	partPath := filepath.Join(mpuDir, fmt.Sprintf("part-%d", num))
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	buf, err := pool.Get(ctx, bufSize)
	if err != nil {
		return "", 0, fmt.Errorf("buffer pool admission: %w", err)
	}
	defer buf.Release()

	h := md5.New()
	w := io.MultiWriter(f, h)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		n, rerr := src.Read(buf.Bytes)
		if n > 0 {
			if _, werr := w.Write(buf.Bytes[:n]); werr != nil {
				return "", 0, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", 0, rerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

// PartInfo describes a stored part for list_multiparts.
type PartInfo struct {
	Num          int
	Size         int64
	ETag         string
	LastModified int64 // unix nanoseconds
}

// List returns the stored parts of mpuDir sorted by part number.
func List(mpuDir string) ([]PartInfo, error) {
	entries, err := os.ReadDir(mpuDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSuchUpload
		}
		return nil, err
	}
	var parts []PartInfo
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "part-") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "part-"))
		if err != nil {
			continue
		}
		path := filepath.Join(mpuDir, e.Name())
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		md5hex, err := fileMD5(path)
		if err != nil {
			continue
		}
		parts = append(parts, PartInfo{Num: num, Size: fi.Size(), ETag: md5hex, LastModified: fi.ModTime().UnixNano()})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Num < parts[j].Num })
	return parts, nil
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

// PartRef is a caller-declared part used to validate complete_object_upload
// against the stored parts.
type PartRef struct {
	Num  int
	ETag string
}

// CompleteDeps are the collaborators Complete drives to publish the
// assembled object.
type CompleteDeps struct {
	Pool         *bufpool.Pool
	BufSize      int
	Backend      safefs.Backend
	Retrier      safefs.Retrier
	Mode         version.Mode
	VersionPaths version.Paths
	CalculateMD5 bool
	RemoveMPUDirOnSuccess bool
}

// Complete assembles the declared parts into a single file, verifies each
// part's etag, computes the md5-of-md5s aggregate etag when CalculateMD5 is
// set (otherwise no content md5 is stored and the returned etag follows
// xattrcodec.Etag's fallback), publishes the
// result using the saved create request's metadata, and optionally cleans
// up the scratch directory (spec §4.8).
func Complete(ctx context.Context, mpuDir string, declared []PartRef, d CompleteDeps) (versionID, etag string, err error) {
	sort.Slice(declared, func(i, j int) bool { return declared[i].Num < declared[j].Num })

	finalPath := filepath.Join(mpuDir, "final")
	final, err := os.OpenFile(finalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", err
	}
	defer final.Close()

	aggregate := md5.New()
	for _, ref := range declared {
		partPath := filepath.Join(mpuDir, fmt.Sprintf("part-%d", ref.Num))
		actualMD5, err := fileMD5(partPath)
		if err != nil {
			return "", "", err
		}
		if actualMD5 != ref.ETag {
			return "", "", ErrPartETagMismatch
		}
		if d.CalculateMD5 {
			raw, err := hex.DecodeString(actualMD5)
			if err != nil {
				return "", "", err
			}
			aggregate.Write(raw)
		}
		if err := appendFile(final, partPath); err != nil {
			return "", "", err
		}
	}

	req, err := readCreateRequest(mpuDir)
	if err != nil {
		return "", "", err
	}

	aggEtag := ""
	if d.CalculateMD5 {
		aggEtag = fmt.Sprintf("%s-%d", hex.EncodeToString(aggregate.Sum(nil)), len(declared))
	}

	if err := xattrcodec.Write(finalPath, &xattrcodec.Set{
		User:        req.User,
		ContentType: req.ContentType,
		ContentMD5:  aggEtag,
	}, true); err != nil {
		return "", "", err
	}

	versionID, err = version.Publish(ctx, d.Mode, d.VersionPaths, version.Deps{Backend: d.Backend, Retrier: d.Retrier}, finalPath)
	if err != nil {
		return "", "", err
	}

	if d.RemoveMPUDirOnSuccess {
		_ = os.RemoveAll(mpuDir)
	}
	return versionID, xattrcodec.Etag(&xattrcodec.Set{ContentMD5: aggEtag, VersionID: versionID}), nil
}

func appendFile(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

func readCreateRequest(mpuDir string) (*createRequest, error) {
	data, err := os.ReadFile(filepath.Join(mpuDir, "create_object_upload"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSuchUpload
		}
		return nil, err
	}
	var req createRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Abort recursively deletes the mpu scratch directory.
func Abort(mpuDir string) error {
	err := os.RemoveAll(mpuDir)
	if err != nil {
		return err
	}
	return nil
}
