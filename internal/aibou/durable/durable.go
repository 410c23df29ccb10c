// Package durable is the path-addressed document store that backs session
// records, turn histories, personality templates and global settings.
//
// Paths are slash-separated ("sessions/anime-kawaii/<id>/turns"). Deleting a
// path removes every path below it, so a session record and its turn history
// go away together while deleting ".../turns" leaves the metadata in place.
package durable

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when no document exists at the path.
	ErrNotFound = errors.New("durable: not found")
	// ErrInvalidPath is returned for empty paths or paths with empty, "." or ".." segments.
	ErrInvalidPath = errors.New("durable: invalid path")
)

// Store is a path-addressed document store. Values are opaque bytes (JSON in
// practice). Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the document stored exactly at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	// Set creates or replaces the document at path.
	Set(ctx context.Context, path string, value []byte) error
	// Delete removes path and all of its descendants. Missing paths are not an error.
	Delete(ctx context.Context, path string) error
	// List returns every stored path strictly below prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Join builds a path from segments, rejecting segments that contain "/".
func Join(segments ...string) (string, error) {
	for _, s := range segments {
		if strings.Contains(s, "/") {
			return "", fmt.Errorf("%w: segment %q contains '/'", ErrInvalidPath, s)
		}
	}
	return Clean(strings.Join(segments, "/"))
}

// Clean normalizes leading and trailing slashes and validates every segment.
func Clean(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return p, nil
}

// Base returns the last segment of a cleaned path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Depth returns the number of segments in a cleaned path.
func Depth(path string) int {
	return strings.Count(path, "/") + 1
}

// under reports whether p is strictly below prefix.
func under(p, prefix string) bool {
	return strings.HasPrefix(p, prefix+"/")
}
