// Package storage provides durable file persistence for taskd state.
//
// All writes are atomic (temp file + rename) so concurrent readers never
// observe a partial write. Append-only logs use a single O_APPEND write
// per record. A debounced writer coalesces rapid rewrites of one path.
package storage
