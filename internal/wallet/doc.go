// Package wallet drives the signed-transaction pipeline for agent
// submissions: policy approval, payload assembly against a fresh recency
// token, dry-run simulation, one-shot signing, submission and a bounded
// confirmation poll. Recency expiry is the one failure the executor
// retries on its own; everything else surfaces to the caller.
package wallet
