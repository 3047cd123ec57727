// Package ledger defines the contract ballotsync uses to talk to the
// external append-only ledger, plus two implementations.
//
// The ledger is an opaque collaborator: it assigns its own 1-based ids,
// never edits an entity after creation and enforces one vote per voter per
// election itself. ballotsync only relies on the call contract in Client
// and on the structured error codes in errors.go.
//
// Implementations:
//   - Memory: in-process simulated ledger for tests, scenarios and local runs
//   - RPCClient / RPCServer: JSON-RPC 2.0 over a unix socket
//
// Optional capabilities are discovered by interface assertion:
//   - DomainLookup: direct "ledger id by domain identifier" lookup
//   - RawSubmitter: hand-built calls used by the operator-gated manual vote
package ledger
