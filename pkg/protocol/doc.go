// Package protocol keeps the keeper's view of the coordinator contract: the window
// length, the whitelist size, this keeper's whitelist position and the set of
// registered jobs.
//
// State has a single writer. Run owns every mutation and processes, in order,
// decoded coordinator events (Submit, Apply) and full resynchronization requests
// (Resync). Readers obtain an immutable Snapshot at any time without blocking the
// writer.
//
// Whitelist events trigger a re-read of the window length, whitelist size and self
// position because membership changes shift every network's position. Job events
// mutate the job set directly. Each tracked job carries a cancellation token that is
// cancelled when the job is removed or when Run returns.
package protocol
