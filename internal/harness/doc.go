// Package harness runs ballotsync scenarios end to end.
//
// A scenario seeds an in-memory relational store, drives sync runs, votes,
// clock advances and ledger faults against the simulated ledger, and then
// checks assertions on the final state.
//
// # Scenario Format
//
//	name: batch_isolation
//	description: "A failing election does not stop the others"
//	settings:
//	  domain_lookup: true
//	elections:
//	  - { id: 1, position: president, starts_in: 24h, ends_in: 48h }
//	candidates:
//	  - { id: 1, domain_id: S1 }
//	registrations:
//	  - { election: 1, candidate: 1 }
//	flow:
//	  - ledger:
//	      fail_next:
//	        - { method: CreateElection, code: FEE_TOO_LOW }
//	  - sync: {}
//	    expect: { elections_deployed: 0, errors: 1 }
//	  - advance: 30h
//	  - vote: { election: 1, candidate: 1, voter: v1 }
//	    expect: { state: confirmed }
//	assertions:
//	  - { type: ledger_calls, method: CreateElection, count: 2 }
//	  - { type: tally, election: 1, votes: { S1: 1 } }
//
// # Assertion Types
//
//   - ledger_calls: the simulated ledger saw method exactly count times
//   - ledger_id: the relational entity carries ledger_id (0 means none)
//   - tally: ledger vote counts per candidate domain id
//   - operation_status: the idempotency record for op/target has status
//     ("absent" when there is none)
//   - offchain_votes: number of degraded votes held for an election
//
// # Deterministic Testing
//
// Every scenario runs on a fresh in-memory relational store and cache with
// a fixed clock starting at testutil.Epoch, sequential run ids and
// sequential vote nonces, so traces compare byte-for-byte against golden
// files.
package harness
