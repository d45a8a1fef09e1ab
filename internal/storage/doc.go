// Package storage keeps an append-only audit journal of check sessions,
// escalation campaigns and operator commands.
//
// The journal is history only. Nothing in the process reads it back, so a
// restart always begins from a clean in-memory state.
package storage
