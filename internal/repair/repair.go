// Package repair verifies and repairs downloaded files against PAR2
// parity volumes, via the system par2 binary.
package repair

// Repairer verifies and fixes a set of downloaded files using parity
// volumes found alongside them.
type Repairer interface {
	// Verify checks whether path is healthy. Returns true if healthy,
	// false if repair is needed but possible.
	Verify(path string) (bool, error)

	// Repair attempts to fix path using available parity volumes.
	Repair(path string) error
}
