// Package chain houses connectivity for the custody core: the client
// interface the executor drives (recency tokens, simulation, submission,
// confirmation status), typed instruction and status models, and YAML-backed
// endpoint definitions so deployments can switch between networks without
// code changes.
package chain
