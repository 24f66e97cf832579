// Package iox holds the small cleanup helpers shared across the upload
// pipeline, mainly for closing chunk readers and temp files in defers.
package iox

import "io"

// DiscardClose closes c and drops the error. For defers over resources
// whose close failure has no recovery path, like a chunk section reader
// or a drained response body:
//
//	defer iox.DiscardClose(body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc wraps c's Close for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(tracker))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and drops the returned error. The non-Close
// counterpart of DiscardClose, for cleanup like a journal flush:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }
