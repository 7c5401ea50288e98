package readpath

import (
	"io/fs"
	"syscall"
)

// statBlocks extracts st_blocks from a FileInfo's underlying syscall stat,
// used only for the sparse-file warm-up heuristic.
func statBlocks(fi fs.FileInfo) (int64, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int64(st.Blocks), true
}
