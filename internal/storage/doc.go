// Package storage persists digest preferences and the run history.
//
// It currently supports:
//   - Preference reads for the scheduler and partial post-send updates
//   - Append-only run history (one record per fire decision)
//   - The CRM tables the content gatherer reads (SQL drivers only)
package storage
