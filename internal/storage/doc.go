// Package storage persists the task store: the active set, the bounded
// history and the last issued id.
//
// It currently supports:
//   - a file backend (two JSON documents replaced atomically via temp+rename)
//   - a SQLite backend (one transaction per save)
package storage
