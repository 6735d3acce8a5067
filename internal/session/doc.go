// Package session maintains the durable record of one execution session.
//
// A session owns its task records and counters and is mutated only
// through Manager operations. Every mutation is persisted before the
// in-memory record advances (write-then-acknowledge), so a crash never
// leaves the record ahead of disk. Terminated sessions are archived,
// never deleted.
package session
