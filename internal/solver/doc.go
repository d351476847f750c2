// Package solver holds the vocabulary of the probability gateway: the
// invocation of the external engine, its outcome classification, the audit
// record derived from it, and the interfaces implemented by the runner,
// stores, publishers and policies.
package solver
