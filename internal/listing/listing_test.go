package listing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-nsfs/nsfs/internal/dircache"
	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

func mkfile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
}

func newEngine(root string) *Engine {
	return &Engine{
		Root:       root,
		Lister:     &DirLister{},
		TmpDirName: ".nsfs_tmp",
	}
}

func keys(res *Result) []string {
	out := make([]string, len(res.Entries))
	for i, e := range res.Entries {
		out[i] = e.Key
	}
	return out
}

func TestListReturnsSortedAscendingKeys(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "banana")
	mkfile(t, root, "apple")
	mkfile(t, root, "cherry")

	e := newEngine(root)
	res, err := e.List(Params{Limit: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"apple", "banana", "cherry"}, keys(res))
	assert.False(t, res.Truncated)
}

// TestListDelimiterProducesCommonPrefixes exercises boundary scenario 5:
// list_objects(delimiter='/') returns common prefixes for first-level
// subdirectories instead of recursing into them.
func TestListDelimiterProducesCommonPrefixes(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "a/inner.txt")
	mkfile(t, root, "my_dir/thing.txt")
	mkfile(t, root, "my_dir_0_content/file.txt")
	mkfile(t, root, "my_dir_mpu1/part")
	mkfile(t, root, "my_dir_mpu2/part")
	mkfile(t, root, "toplevel.txt")

	e := newEngine(root)
	res, err := e.List(Params{Delimiter: "/", Limit: 100})
	require.NoError(t, err)

	var prefixes, objects []string
	for _, ent := range res.Entries {
		if ent.IsCommonPrefix {
			prefixes = append(prefixes, ent.Key)
		} else {
			objects = append(objects, ent.Key)
		}
	}

	assert.Equal(t, []string{"a/", "my_dir/", "my_dir_0_content/", "my_dir_mpu1/", "my_dir_mpu2/"}, prefixes)
	assert.Equal(t, []string{"toplevel.txt"}, objects)
}

func TestListDelimiterDoesNotRecurseIntoSubdirectories(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "dir/nested/deep.txt")

	e := newEngine(root)
	res, err := e.List(Params{Delimiter: "/", Limit: 100})
	require.NoError(t, err)

	for _, ent := range res.Entries {
		assert.NotContains(t, ent.Key, "nested", "delimiter listing must not expose grandchildren")
	}
}

func TestListMarkerPaginationResumesAfterLastKey(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "a")
	mkfile(t, root, "b")
	mkfile(t, root, "c")
	mkfile(t, root, "d")

	e := newEngine(root)
	page1, err := e.List(Params{Limit: 2})
	require.NoError(t, err)
	assert.True(t, page1.Truncated)
	assert.Equal(t, []string{"a", "b"}, keys(page1))
	assert.Equal(t, "b", page1.NextKeyMarker)

	page2, err := e.List(Params{Limit: 2, KeyMarker: page1.NextKeyMarker})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, keys(page2))
	assert.False(t, page2.Truncated)
}

// TestListMarkerIntoSubtreeResumesRecursion exercises the edge case where a
// marker points inside a subdirectory that itself sorts before the marker's
// own directory name: the walk must still recurse into that subdirectory to
// resume, even though the directory's bare name sorted before markerCurr.
func TestListMarkerIntoSubtreeResumesRecursion(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "sub/aaa")
	mkfile(t, root, "sub/zzz")
	mkfile(t, root, "sub2/only")

	e := newEngine(root)
	res, err := e.List(Params{Limit: 100, KeyMarker: "sub/aaa"})
	require.NoError(t, err)

	assert.Equal(t, []string{"sub/zzz", "sub2/only"}, keys(res))
}

func TestListDirectoryObjectSynthesis(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "my_dir_0_content")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, xattrcodec.Write(dir, &xattrcodec.Set{HasDirContent: true, DirContent: 0}, false))

	e := newEngine(root)
	e.Probe = func(p string) (bool, int64, string, error) {
		set, err := xattrcodec.Read(p)
		if err != nil {
			return false, 0, "", err
		}
		if !set.HasDirContent {
			return false, 0, "", nil
		}
		return true, set.DirContent, "", nil
	}

	res, err := e.List(Params{Limit: 100})
	require.NoError(t, err)

	var found bool
	for _, ent := range res.Entries {
		if ent.Key == "my_dir_0_content" {
			found = true
			assert.True(t, ent.IsDir)
		}
	}
	assert.True(t, found, "a directory carrying dir_content must be synthesized as an object")
}

func decodeTestVersionName(name string) (string, string, bool) {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return name, "", false
	}
	candidate := name[idx+1:]
	if _, _, _, err := xattrcodec.ParseVersionID(candidate); err != nil {
		return name, "", false
	}
	return name[:idx], candidate, true
}

// TestListVersionsRequiresFoldingLister shows that processDir never recurses
// into .versions/ itself (it is explicitly skipped as a directory entry and
// as a dirKey path component): bare .versions/ contents only become visible
// through a DirLister whose Cache uses dircache.VersionsLoader to fold them
// into the parent directory's entry list.
func TestListVersionsRequiresFoldingLister(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "k")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".versions"), 0o755))
	mkfile(t, root, ".versions/k_"+xattrcodec.FormatVersionID(111, 1))

	e := newEngine(root)
	e.Decode = decodeTestVersionName

	res, err := e.List(Params{Limit: 100, ListVersions: true})
	require.NoError(t, err)

	for _, ent := range res.Entries {
		assert.Empty(t, ent.VersionID, "without a folding Lister, .versions/ contents are invisible")
	}
}

func TestListVersionsFoldedByVersionsLoaderCache(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "k")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".versions"), 0o755))
	v1 := xattrcodec.FormatVersionID(111, 1)
	v2 := xattrcodec.FormatVersionID(222, 2)
	mkfile(t, root, ".versions/k_"+v1)
	mkfile(t, root, ".versions/k_"+v2)

	loader := dircache.VersionsLoader(dircache.SortedReaddirLoader, func(name string) (string, bool) {
		base, _, ok := decodeTestVersionName(name)
		return base, ok
	}, func(name string) (int64, bool) {
		_, versionID, ok := decodeTestVersionName(name)
		if !ok {
			return 0, false
		}
		mtimeNs, _, isNull, err := xattrcodec.ParseVersionID(versionID)
		if err != nil || isNull {
			return 0, false
		}
		return mtimeNs, true
	})
	cache := dircache.New(1<<20, 0, 1<<20, loader)

	e := newEngine(root)
	e.Decode = decodeTestVersionName
	e.Lister = &DirLister{Cache: cache}

	res, err := e.List(Params{Limit: 100, ListVersions: true})
	require.NoError(t, err)

	var found []string
	for _, ent := range res.Entries {
		if ent.Key == "k" && ent.VersionID != "" {
			found = append(found, ent.VersionID)
		}
	}
	assert.ElementsMatch(t, []string{v1, v2}, found)
}

func TestListInvalidDelimiterRejected(t *testing.T) {
	e := newEngine(t.TempDir())
	_, err := e.List(Params{Delimiter: ",", Limit: 10})
	assert.ErrorIs(t, err, ErrInvalidDelimiter)
}

func TestListZeroLimitReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	mkfile(t, root, "a")
	e := newEngine(root)
	res, err := e.List(Params{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
}
