// Package difftree keeps a hierarchical diff tree in step with a
// continuously changing set of comparison results.
//
// It offers:
// - a Synchronizer that applies batches of removals, additions and changes
//   to a cached tree of Nodes and coalesces ancestor relabel notifications
// - Nodes that keep their identity and last known name across refreshes and
//   track a dirty flag until changes are committed
// - a reentrant, owner-keyed Lock serializing access to the shared state
// - MemorySet, an in-memory Source for tests and embedding
//
// Rendering, the comparison algorithm and persistence live behind the
// Presenter, Source and Committer interfaces.
package difftree
