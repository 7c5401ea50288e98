// Package xattrcodec serializes and deserializes object metadata as
// filesystem extended attributes, per spec §4.2.
//
// Grounded on other_examples' huangaijian-versitygw backend/posix.go, which
// stores S3 metadata the same way (user.* namespace, reserved keys such as
// onameAttr/etagkey alongside passthrough user metadata) via pkg/xattr.
package xattrcodec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/xattr"
)

const userPrefix = "user."

// Reserved internal xattr names, all stored under the user. namespace but
// hidden from the public metadata map.
const (
	KeyContentType    = "content_type"
	KeyContentMD5     = "content_md5"
	KeyVersionID      = "version_id"
	KeyPrevVersionID  = "prev_version_id"
	KeyDeleteMarker   = "delete_marker"
	KeyDirContent     = "dir_content"
)

var reservedKeys = map[string]bool{
	KeyContentType:   true,
	KeyContentMD5:    true,
	KeyVersionID:     true,
	KeyPrevVersionID: true,
	KeyDeleteMarker:  true,
	KeyDirContent:    true,
}

// Set is a decoded xattr snapshot: public user metadata plus the reserved
// internal fields, all optional except where noted.
type Set struct {
	User            map[string]string
	ContentType     string
	ContentMD5      string
	VersionID       string
	PrevVersionID   string
	DeleteMarker    bool
	HasDirContent   bool
	DirContent      int64
}

// ToPublic strips the user. prefix and every reserved key, returning only
// what an external caller should see. The result is a plain map with no key
// order; SortedKeys returns the same keys in ascending order.
func (s *Set) ToPublic() map[string]string {
	out := make(map[string]string, len(s.User))
	for k, v := range s.User {
		if reservedKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// SortedKeys returns the public metadata keys in ascending order, so that
// downstream signature computations over the map are stable — the "sorted"
// token spec §3 requires without inventing a new map type for it.
func (s *Set) SortedKeys() []string {
	pub := s.ToPublic()
	keys := make([]string, 0, len(pub))
	for k := range pub {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Read loads the full xattr set from path (a regular file or, for a
// directory object, the directory itself). Symlinks are not followed.
func Read(path string) (*Set, error) {
	names, err := xattr.LList(path)
	if err != nil {
		return nil, err
	}

	s := &Set{User: map[string]string{}}
	for _, name := range names {
		if !strings.HasPrefix(name, userPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, userPrefix)
		val, err := xattr.LGet(path, name)
		if err != nil {
			continue
		}
		switch key {
		case KeyContentType:
			s.ContentType = string(val)
		case KeyContentMD5:
			s.ContentMD5 = string(val)
		case KeyVersionID:
			s.VersionID = string(val)
		case KeyPrevVersionID:
			s.PrevVersionID = string(val)
		case KeyDeleteMarker:
			s.DeleteMarker = string(val) == "true"
		case KeyDirContent:
			s.HasDirContent = true
			n, _ := strconv.ParseInt(string(val), 10, 64)
			s.DirContent = n
		default:
			s.User[key] = string(val)
		}
	}
	return s, nil
}

// Write stores the full xattr set onto path. Existing reserved keys are
// overwritten; existing public keys not present in s.User are left alone
// unless clearUser is set (replace_all_user semantics, spec §4.2).
func Write(path string, s *Set, clearUser bool) error {
	if clearUser {
		if err := clearUserKeys(path); err != nil {
			return err
		}
	}
	for k, v := range s.User {
		if reservedKeys[k] {
			continue // never let a caller smuggle a reserved key through User
		}
		if err := xattr.LSet(path, userPrefix+k, []byte(v)); err != nil {
			return err
		}
	}
	if s.ContentType != "" {
		if err := xattr.LSet(path, userPrefix+KeyContentType, []byte(s.ContentType)); err != nil {
			return err
		}
	}
	if s.ContentMD5 != "" {
		if err := xattr.LSet(path, userPrefix+KeyContentMD5, []byte(s.ContentMD5)); err != nil {
			return err
		}
	}
	if s.VersionID != "" {
		if err := xattr.LSet(path, userPrefix+KeyVersionID, []byte(s.VersionID)); err != nil {
			return err
		}
	}
	if s.PrevVersionID != "" {
		if err := xattr.LSet(path, userPrefix+KeyPrevVersionID, []byte(s.PrevVersionID)); err != nil {
			return err
		}
	}
	if s.DeleteMarker {
		if err := xattr.LSet(path, userPrefix+KeyDeleteMarker, []byte("true")); err != nil {
			return err
		}
	}
	if s.HasDirContent {
		if err := xattr.LSet(path, userPrefix+KeyDirContent, []byte(strconv.FormatInt(s.DirContent, 10))); err != nil {
			return err
		}
	}
	return nil
}

// clearUserKeys removes every user.* xattr from path except the reserved
// ones, used when a put overwrites a directory object so stale user
// metadata doesn't persist (spec §4.2 replace_all_user).
func clearUserKeys(path string) error {
	names, err := xattr.LList(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, userPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, userPrefix)
		if reservedKeys[key] {
			continue
		}
		if err := xattr.LRemove(path, name); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDirContent clears the dir_content xattr, used when a directory
// object's body is deleted but the directory still has children and is no
// longer an object (spec §4.9).
func RemoveDirContent(path string) error {
	err := xattr.LRemove(path, userPrefix+KeyDirContent)
	if err != nil && !xattr.IsNotExist(err) {
		return err
	}
	return nil
}

// ClearAllUser removes every user.* xattr (including reserved ones),
// used when a directory stops being an object entirely.
func ClearAllUser(path string) error {
	names, err := xattr.LList(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, userPrefix) {
			continue
		}
		if err := xattr.LRemove(path, name); err != nil && !xattr.IsNotExist(err) {
			return err
		}
	}
	return nil
}

var versionIDPattern = regexp.MustCompile(`^mtime-([0-9a-z]+)-ino-([0-9a-z]+)$`)

// ParseVersionID validates a version id is either the literal "null" or the
// mtime-<b36>-ino-<b36> form spec §3 defines, returning the decoded
// mtimeNs/ino pair for the latter.
func ParseVersionID(id string) (mtimeNs int64, ino uint64, isNull bool, err error) {
	if id == "null" {
		return 0, 0, true, nil
	}
	m := versionIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, false, fmt.Errorf("invalid version id %q", id)
	}
	mtimeNs, err = strconv.ParseInt(m[1], 36, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid version id %q: %w", id, err)
	}
	inoU, err := strconv.ParseUint(m[2], 36, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid version id %q: %w", id, err)
	}
	return mtimeNs, inoU, false, nil
}

// FormatVersionID builds the mtime-<b36>-ino-<b36> id from a file's stat
// fields.
func FormatVersionID(mtimeNs int64, ino uint64) string {
	return fmt.Sprintf("mtime-%s-ino-%s", strconv.FormatInt(mtimeNs, 36), strconv.FormatUint(ino, 36))
}

// Etag computes the etag rule from spec §4.2: content_md5 if present,
// else the version-id-by-stat string. An etag must always contain a dash,
// since clients interpret a dashless etag as a raw md5 and trigger
// verification.
func Etag(s *Set) string {
	if s.ContentMD5 != "" {
		if strings.Contains(s.ContentMD5, "-") {
			return s.ContentMD5
		}
		return s.ContentMD5 + "-1"
	}
	if s.VersionID != "" {
		return ensureDash(s.VersionID)
	}
	return "unknown-0"
}

func ensureDash(s string) string {
	if strings.Contains(s, "-") {
		return s
	}
	return s + "-0"
}
