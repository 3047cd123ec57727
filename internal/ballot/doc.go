// Package ballot provides the domain types shared by every ballotsync package.
//
// This package contains type definitions, the error taxonomy and the
// deterministic operation id scheme. All other internal packages import
// ballot; ballot imports nothing internal.
//
// Key design constraints:
//   - Relational ids are int64, ledger ids are uint64 and 1-based
//   - A ledger id, once attached to an election or candidate, never changes
//   - Operation ids are content-addressed so retries collide on one key
//   - All JSON tags use snake_case
package ballot
