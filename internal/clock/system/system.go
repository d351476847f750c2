// Package system stamps invocations with the host wall clock.
package system

import "time"

// Clock reads the wall clock in UTC, so record timestamps and the
// yyyy/mm/dd archive partitions do not depend on the host time zone.
type Clock struct{}

// New returns the wall clock.
func New() *Clock { return &Clock{} }

// Now implements solver.Clock.
func (*Clock) Now() time.Time { return time.Now().UTC() }
