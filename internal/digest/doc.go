// Package digest holds the digest domain model and the two pure decision
// functions the scheduler is built on:
//
//   - Evaluate / IsDue: whether one user's cadence should fire right now,
//     in the user's own timezone, at most once per local calendar day.
//   - NextSleep: how long the scheduler may sleep before the earliest
//     upcoming slot across the whole population.
//
// Nothing in this package performs I/O.
package digest
