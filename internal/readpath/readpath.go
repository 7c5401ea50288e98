// Package readpath implements read_object_md and read_object_stream (spec
// §4.6): validated metadata reads and cancellable, pool-buffered streaming
// reads with a sparse-file warm-up heuristic.
//
// Grounded on randilt-geckos3's GetObject/HeadObject (stat-then-stream
// shape) generalized with the buffer-pool borrowing scttfrdmn-objectfs's
// internal/buffer/manager.go demonstrates and the cancellation-at-every-
// iteration discipline spec §5 requires.
package readpath

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/go-nsfs/nsfs/internal/bufpool"
	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

// ErrDeleteMarker is returned when the resolved version is a delete marker:
// reads must refuse it (spec §4.6).
var ErrDeleteMarker = errors.New("object is a delete marker")

// Metadata is the result of read_object_md.
type Metadata struct {
	Size    int64
	Xattrs  *xattrcodec.Set
	Etag    string
}

// ReadMetadata stats path and loads its xattrs, refusing delete markers.
func ReadMetadata(path string) (*Metadata, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	set, err := xattrcodec.Read(path)
	if err != nil {
		return nil, err
	}
	if set.DeleteMarker {
		return nil, ErrDeleteMarker
	}
	return &Metadata{Size: fi.Size(), Xattrs: set, Etag: xattrcodec.Etag(set)}, nil
}

// Sink is the output side of a streamed read: write may signal backpressure
// by returning writable=false, in which case the caller awaits Drain before
// continuing.
type Sink interface {
	Write(ctx context.Context, buf []byte) (writable bool, err error)
	Drain(ctx context.Context) error
}

// StreamParams bounds a read_object_stream invocation.
type StreamParams struct {
	Start int64 // inclusive, -1 means "from 0"
	End   int64 // exclusive, -1 means "to EOF"
}

// Stream reads path from Start to End into sink, borrowing buffers from
// pool and honoring ctx cancellation at every loop iteration per spec §5.
// dirContentZero short-circuits to an empty stream without opening
// anything, for a directory object whose dir_content xattr is 0.
func Stream(ctx context.Context, path string, params StreamParams, pool *bufpool.Pool, bufSize int, dirContentZero bool, sink Sink) error {
	if dirContentZero {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	start := params.Start
	if start < 0 {
		start = 0
	}
	end := params.End
	if end < 0 {
		end = fi.Size()
	}
	if end > fi.Size() {
		end = fi.Size()
	}
	if start >= end {
		return nil
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return err
	}

	if isSparse(fi) {
		if err := warmUp(f); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}

	pos := start
	for pos < end {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := end - pos
		if want > int64(bufSize) {
			want = int64(bufSize)
		}

		buf, err := pool.Get(ctx, int(want))
		if err != nil {
			return fmt.Errorf("buffer pool admission: %w", err)
		}

		if err := ctx.Err(); err != nil {
			buf.Release()
			return err
		}

		n, rerr := io.ReadFull(f, buf.Bytes)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			buf.Release()
			return rerr
		}

		writable, werr := sink.Write(ctx, buf.Bytes[:n])
		if werr != nil {
			buf.Release()
			return werr
		}
		if !writable {
			if derr := sink.Drain(ctx); derr != nil {
				buf.Release()
				return derr
			}
		}

		buf.Release()
		pos += int64(n)

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
	}
	return nil
}

// isSparse applies the blocks*512 < size heuristic spec §4.6 names.
func isSparse(fi fs.FileInfo) bool {
	st, ok := statBlocks(fi)
	if !ok {
		return false
	}
	return st*512 < fi.Size()
}

// warmUp performs a 1-byte read to trigger any slow recall (e.g. from a
// tiered backing store) before a large pool buffer is reserved behind it.
func warmUp(f *os.File) error {
	var b [1]byte
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := f.Read(b[:]); err != nil {
		return err
	}
	_, err = f.Seek(pos, io.SeekStart)
	return err
}
