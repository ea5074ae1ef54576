// Package memory gives the agent long-term recall: successful tool usage is
// recorded per user, markdown notes are indexed from disk, and both are
// searchable through hybrid vector/keyword retrieval backed by sqlite-vec
// and FTS5.
package memory
