package merkle

import "errors"

var (
	// ErrImmutable is returned when a mutation is attempted on a node
	// that has already been frozen by Copy.
	ErrImmutable = errors.New("merkle: node is immutable")
	// ErrNodeNotFound is returned when a DataSource lookup misses.
	ErrNodeNotFound = errors.New("merkle: node not found")
	// ErrHashMismatch is returned when a reconstructed tree's hash does
	// not equal the expected root hash.
	ErrHashMismatch = errors.New("merkle: reconstructed hash does not match expected root")
)

var (
	_ Node = (*Internal)(nil)
	_ Node = (*Leaf)(nil)
)
