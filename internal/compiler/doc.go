// Package compiler turns CUE table schemas into ir.TableSchema values and
// validates records against them.
//
// Local writes are validated strictly before they reach the transaction
// log. Rows pushed by the server are validated leniently: only the id and
// the types of declared fields are checked.
package compiler
