package nsfs

import "errors"

// ErrUnimplemented is returned by the surfaces the distilled scope
// explicitly excludes: tagging, ACL, legal-hold, retention, and Azure
// blob-block APIs are external-collaborator concerns (spec §1's
// Non-goals), stubbed here rather than silently no-op'd so a caller can
// distinguish "not supported" from "succeeded".
var ErrUnimplemented = errors.New("operation not implemented by this store")

// GetObjectTagging is a stub: tagging is out of scope.
func (s *Store) GetObjectTagging(bucketID, key string) (map[string]string, error) {
	return nil, ErrUnimplemented
}

// PutObjectTagging is a stub: tagging is out of scope.
func (s *Store) PutObjectTagging(bucketID, key string, tags map[string]string) error {
	return ErrUnimplemented
}

// GetObjectACL is a stub: ACL is out of scope.
func (s *Store) GetObjectACL(bucketID, key string) ([]byte, error) {
	return nil, ErrUnimplemented
}

// PutObjectLegalHold is a stub: legal hold is out of scope.
func (s *Store) PutObjectLegalHold(bucketID, key string, on bool) error {
	return ErrUnimplemented
}

// PutObjectRetention is a stub: retention is out of scope.
func (s *Store) PutObjectRetention(bucketID, key string, retainUntilUnixNs int64) error {
	return ErrUnimplemented
}

// PutBlockBlob is a stub: the Azure blob-block surface is out of scope.
func (s *Store) PutBlockBlob(bucketID, key string, blockID string, data []byte) error {
	return ErrUnimplemented
}
