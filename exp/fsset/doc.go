// Package fsset provides an experimental difftree.Source that compares two
// directory trees.
//
// Set performs:
// 1. scan both roots in parallel and hash every regular file
// 2. classify each path as added, removed, changed or identical
// 3. keep differing paths plus the folders that contain them
// 4. diff the result against the previous scan
// 5. deliver one coalesced batch to listeners under the shared lock
//
// Watch drives Refresh from filesystem notifications.
//
// This package is EXPERIMENTAL and its API may change before v1.
package fsset
