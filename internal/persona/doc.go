// Package persona defines personas, micro-personas, and their composition.
//
// A Definition is a named, versioned behavior template. A MicroDefinition is a
// small patch applied on top of exactly one parent Definition. Compose merges
// the two into the effective persona used at call time; the result is never
// persisted and carries the micro-persona's ID so usage attributes to it.
//
// Everything in this package is pure: no I/O, no shared state.
package persona
