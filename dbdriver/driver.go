// Package dbdriver provides the low-level embedded-database driver the
// Metadata Store (package store) is built on. Adapted from the teacher's
// own dbdriver package, which wrapped buntdb as a flat string key/value
// store for aistore's local state; generalized here to additionally expose
// the raw *buntdb.DB handle so store/ can layer secondary indexes and
// range scans for the filtering the spec requires, without opening a
// second connection to the same file.
package dbdriver

import "fmt"

// Driver is the capability set store/ relies on beneath its typed
// collections.
type Driver interface {
	Set(collection, key string, object interface{}) error
	Get(collection, key string, object interface{}) error
	SetString(collection, key, data string) error
	GetString(collection, key string) (string, error)
	Delete(collection, key string) error
	List(collection, pattern string) ([]string, error)
	DeleteCollection(collection string) error
	Close() error
}

// ErrNotFound is returned when a collection/key pair has no value.
type ErrNotFound struct {
	Collection string
	Key        string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("dbdriver: %s/%s: not found", e.Collection, e.Key)
}

func NewErrNotFound(collection, key string) error {
	return &ErrNotFound{Collection: collection, Key: key}
}

func IsErrNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
