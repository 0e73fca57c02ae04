// Package policy enforces what an agent is allowed to move on-chain: a
// program allowlist checked fail-closed over whole instruction batches, and
// per-action plus per-day spend caps backed by a SpendLedger whose
// check-and-increment is atomic per (day, agent) key. The engine itself is
// stateless; all mutable state lives behind the ledger interface.
package policy
