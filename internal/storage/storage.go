// Package storage defines errors shared by blob store implementations.
// The store contract lives on crawl.BlobStore: put/get keyed by a stable
// hash of the canonical URL. Backends: memory (tests), local filesystem
// (dev), and Google Cloud Storage (deployment).
package storage

import "errors"

// ErrNotFound is returned by Get when no blob exists under the key.
var ErrNotFound = errors.New("blob not found")
