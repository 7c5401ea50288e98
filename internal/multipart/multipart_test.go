package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-nsfs/nsfs/internal/bufpool"
	"github.com/go-nsfs/nsfs/internal/safefs"
	"github.com/go-nsfs/nsfs/internal/version"
	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

func partMD5(b []byte) string {
	h := md5.Sum(b)
	return hex.EncodeToString(h[:])
}

func TestCreateWritesRequestMetadata(t *testing.T) {
	root := t.TempDir()
	objID, err := Create(root, "text/plain", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.NotEmpty(t, objID)

	_, err = os.Stat(filepath.Join(root, objID, "create_object_upload"))
	require.NoError(t, err)
}

func TestUploadPartReturnsMD5AndSize(t *testing.T) {
	root := t.TempDir()
	pool := bufpool.New(1 << 20, 0)
	body := []byte("some part content")

	etag, size, err := UploadPart(context.Background(), root, 1, bytes.NewReader(body), pool, 4096)
	require.NoError(t, err)
	assert.Equal(t, partMD5(body), etag)
	assert.EqualValues(t, len(body), size)
}

func TestListReturnsPartsSortedByNumber(t *testing.T) {
	root := t.TempDir()
	pool := bufpool.New(1 << 20, 0)
	for _, n := range []int{3, 1, 2} {
		_, _, err := UploadPart(context.Background(), root, n, bytes.NewReader([]byte(fmt.Sprintf("part%d", n))), pool, 4096)
		require.NoError(t, err)
	}

	parts, err := List(root)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{parts[0].Num, parts[1].Num, parts[2].Num})
}

func TestListNoSuchUpload(t *testing.T) {
	_, err := List(filepath.Join(t.TempDir(), "nonexistent"))
	assert.ErrorIs(t, err, ErrNoSuchUpload)
}

func completeDeps(root string) CompleteDeps {
	latest := filepath.Join(root, "assembled_key")
	return CompleteDeps{
		Pool:         bufpool.New(1 << 20, 0),
		BufSize:      4096,
		Backend:      safefs.POSIX,
		Retrier:      safefs.Retrier{MaxAttempts: 3},
		Mode:         version.Disabled,
		CalculateMD5: true,
		VersionPaths: version.Paths{
			LatestPath:  latest,
			VersionsDir: filepath.Join(root, ".versions"),
			TmpDirRoot:  filepath.Join(root, ".nsfs_tmp"),
			VersionPath: func(id string) string {
				return filepath.Join(root, ".versions", "assembled_key_"+id)
			},
		},
	}
}

// TestCompleteTenPartsProducesMD5OfMD5sEtag exercises boundary scenario 3:
// ten 1MiB parts, completed etag must equal
// hex(md5(concat(md5_i bytes))) + "-" + N.
func TestCompleteTenPartsProducesMD5OfMD5sEtag(t *testing.T) {
	root := t.TempDir()
	pool := bufpool.New(16 << 20, 0)

	const numParts = 10
	const partSize = 1 << 20

	var refs []PartRef
	aggregate := md5.New()
	var fullBody bytes.Buffer

	for n := 1; n <= numParts; n++ {
		body := bytes.Repeat([]byte{byte(n)}, partSize)
		etag, _, err := UploadPart(context.Background(), root, n, bytes.NewReader(body), pool, 64*1024)
		require.NoError(t, err)
		refs = append(refs, PartRef{Num: n, ETag: etag})

		raw, err := hex.DecodeString(etag)
		require.NoError(t, err)
		aggregate.Write(raw)
		fullBody.Write(body)
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "create_object_upload"), []byte(`{"content_type":"application/octet-stream","user":{}}`), 0o644))

	d := completeDeps(root)
	versionID, etag, err := Complete(context.Background(), root, refs, d)
	require.NoError(t, err)
	assert.Empty(t, versionID) // Disabled mode publishes with no version id

	expectedEtag := fmt.Sprintf("%s-%d", hex.EncodeToString(aggregate.Sum(nil)), numParts)
	assert.Equal(t, expectedEtag, etag)
	assert.Contains(t, etag, "-")

	data, err := os.ReadFile(filepath.Join(root, "assembled_key"))
	require.NoError(t, err)
	assert.Equal(t, fullBody.Bytes(), data)

	set, err := xattrcodec.Read(filepath.Join(root, "assembled_key"))
	require.NoError(t, err)
	assert.Equal(t, expectedEtag, set.ContentMD5)
}

func TestCompleteRejectsPartETagMismatch(t *testing.T) {
	root := t.TempDir()
	pool := bufpool.New(1 << 20, 0)
	_, _, err := UploadPart(context.Background(), root, 1, bytes.NewReader([]byte("hello")), pool, 4096)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "create_object_upload"), []byte(`{}`), 0o644))

	d := completeDeps(root)
	_, _, err = Complete(context.Background(), root, []PartRef{{Num: 1, ETag: "deadbeef"}}, d)
	assert.ErrorIs(t, err, ErrPartETagMismatch)
}

func TestCompleteRemovesMPUDirWhenRequested(t *testing.T) {
	destRoot := t.TempDir()
	mpuDir := filepath.Join(t.TempDir(), "mpu1")
	require.NoError(t, os.MkdirAll(mpuDir, 0o755))

	pool := bufpool.New(1 << 20, 0)
	body := []byte("x")
	etag, _, err := UploadPart(context.Background(), mpuDir, 1, bytes.NewReader(body), pool, 4096)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(mpuDir, "create_object_upload"), []byte(`{}`), 0o644))

	d := completeDeps(destRoot)
	d.RemoveMPUDirOnSuccess = true
	_, _, err = Complete(context.Background(), mpuDir, []PartRef{{Num: 1, ETag: etag}}, d)
	require.NoError(t, err)

	_, statErr := os.Stat(mpuDir)
	assert.True(t, os.IsNotExist(statErr))

	_, statErr = os.Stat(filepath.Join(destRoot, "assembled_key"))
	assert.NoError(t, statErr, "published object must survive mpu scratch-dir cleanup")
}

func TestAbortRemovesScratchDir(t *testing.T) {
	root := t.TempDir()
	mpuDir := filepath.Join(root, "mpu1")
	require.NoError(t, os.MkdirAll(mpuDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mpuDir, "part-1"), []byte("x"), 0o644))

	require.NoError(t, Abort(mpuDir))
	_, err := os.Stat(mpuDir)
	assert.True(t, os.IsNotExist(err))
}
