package readpath

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-nsfs/nsfs/internal/bufpool"
	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

type bufSink struct {
	buf bytes.Buffer
}

func (s *bufSink) Write(ctx context.Context, b []byte) (bool, error) {
	_, err := s.buf.Write(b)
	return true, err
}

func (s *bufSink) Drain(ctx context.Context) error { return nil }

func TestReadMetadataRejectsDeleteMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, xattrcodec.Write(path, &xattrcodec.Set{DeleteMarker: true}, false))

	_, err := ReadMetadata(path)
	assert.ErrorIs(t, err, ErrDeleteMarker)
}

func TestReadMetadataReturnsSizeAndEtag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	require.NoError(t, xattrcodec.Write(path, &xattrcodec.Set{ContentMD5: "abc123"}, false))

	md, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.EqualValues(t, len("hello world"), md.Size)
	assert.Contains(t, md.Etag, "-")
}

func TestStreamExactByteRange(t *testing.T) {
	// Boundary scenario: source contains "(C) 2020 NooBaa" starting at
	// offset 13; a [13,28) read must return exactly that substring.
	prefix := make([]byte, 13)
	rand.Read(prefix)
	body := append(prefix, []byte("(C) 2020 NooBaa")...)
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	pool := bufpool.New(1 << 20, 0)
	sink := &bufSink{}
	err := Stream(context.Background(), path, StreamParams{Start: 13, End: 28}, pool, 4096, false, sink)
	require.NoError(t, err)
	assert.Equal(t, "(C) 2020 NooBaa", sink.buf.String())
}

func TestStreamRangeAboveSizeReturnsEmpty(t *testing.T) {
	body := make([]byte, 100)
	rand.Read(body)
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	pool := bufpool.New(1 << 20, 0)
	sink := &bufSink{}
	err := Stream(context.Background(), path, StreamParams{Start: 1_000_000_000, End: 1_000_000_010}, pool, 4096, false, sink)
	require.NoError(t, err)
	assert.Empty(t, sink.buf.Bytes())
}

func TestStreamDirContentZeroShortCircuits(t *testing.T) {
	pool := bufpool.New(1 << 20, 0)
	sink := &bufSink{}
	// path doesn't even need to exist: dirContentZero must short-circuit
	// before any open() call.
	err := Stream(context.Background(), filepath.Join(t.TempDir(), "nonexistent"), StreamParams{Start: -1, End: -1}, pool, 4096, true, sink)
	require.NoError(t, err)
	assert.Empty(t, sink.buf.Bytes())
}

func TestStreamFullFileWhenParamsAreDefault(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	pool := bufpool.New(1 << 20, 0)
	sink := &bufSink{}
	err := Stream(context.Background(), path, StreamParams{Start: -1, End: -1}, pool, 8, false, sink)
	require.NoError(t, err)
	assert.Equal(t, body, sink.buf.Bytes())
}

func TestStreamHonorsCancellation(t *testing.T) {
	body := make([]byte, 1<<20)
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	pool := bufpool.New(1 << 20, 0)
	sink := &bufSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Stream(ctx, path, StreamParams{Start: -1, End: -1}, pool, 8, false, sink)
	assert.Error(t, err)
}
