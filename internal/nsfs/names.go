package nsfs

import (
	"strings"

	"github.com/go-nsfs/nsfs/internal/xattrcodec"
)

// decodeVersionedName recognizes a .versions/ entry's <basename>_<version_id>
// naming convention (spec §3) and reports whether it parses.
func decodeVersionedName(name string) (base, versionID string, isVersioned bool) {
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

// nameWithoutVersion is the dircache.VersionsLoader sort key extractor.
func nameWithoutVersion(name string) (string, bool) {
	base, _, ok := decodeVersionedName(name)
	return base, ok
}

// embeddedMtime is the dircache.VersionsLoader sort key extractor for the
// mtime-descending tiebreak.
func embeddedMtime(name string) (int64, bool) {
	_, versionID, ok := decodeVersionedName(name)
	if !ok {
		return 0, false
	}
	mtimeNs, _, isNull, err := xattrcodec.ParseVersionID(versionID)
	if err != nil || isNull {
		return 0, false
	}
	return mtimeNs, true
}
