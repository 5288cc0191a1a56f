//go:build invariants || race

package invariants

// Enabled is true when the binary was built with the "invariants" or "race"
// build tags. Expensive consistency checks and lock-discipline assertions are
// guarded by it.
const Enabled = true
