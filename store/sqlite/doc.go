// Package sqlite implements the store on database/sql with the pure-Go
// modernc.org/sqlite driver. The pool holds a single connection, so every
// statement is serialized and a claim is one UPDATE ... RETURNING.
// Timestamps are stored as Unix microseconds.
package sqlite
