// Package storage keeps the bytes behind file shares and retires shares
// whose download window has long passed.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when a key has no stored bytes.
var ErrObjectNotFound = errors.New("object not found")

// Location says where the bytes of a stored object can be fetched from.
// Exactly one field is set: URL for backends that serve objects themselves,
// Path for local files the HTTP layer streams as an attachment.
type Location struct {
	URL  string
	Path string
}

// Store is the object storage collaborator for share bytes.
type Store interface {
	// Save writes the object under key and returns the number of bytes
	// stored. size may be -1 when unknown.
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)

	// Resolve locates the object. downloadName is the file name offered to
	// the client.
	Resolve(ctx context.Context, key, downloadName string) (Location, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
