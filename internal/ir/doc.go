// Package ir provides the foundational record and log types for syncdb.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Integral numbers are int64; other numbers are finite float64 and
//     canonicalize to their ECMAScript form
//   - A record's id and its _deleted_at tombstone are explicit fields on
//     Record, never looked up by string in the field map
//   - Canonical JSON (RFC 8785) is the storage encoding for records
package ir
