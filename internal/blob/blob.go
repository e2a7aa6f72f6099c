// Package blob stores opaque payloads (compressed request/response pairs)
// under slash-separated keys such as "/v1/logs/{id}.json.gz".
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Store is a key/value object store. Put overwrites existing objects.
// Get returns an *errs.NotFoundError for a missing key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
}

// objectName turns a key into a relative object name and rejects keys that
// would escape the store root.
func objectName(key string) (string, error) {
	name := strings.TrimPrefix(path.Clean("/"+key), "/")
	if name == "" || name == "." {
		return "", fmt.Errorf("blob: empty key %q", key)
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return name, nil
}
