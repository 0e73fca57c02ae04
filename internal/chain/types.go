package chain

import "context"

// Instruction is one opaque action step produced by a protocol collaborator.
// The core never interprets Data; it only enforces policy over ProgramID and
// signs whatever the collaborator assembled.
type Instruction struct {
	ProgramID string   `json:"program_id"`
	Accounts  []string `json:"accounts,omitempty"`
	Data      []byte   `json:"data,omitempty"`
}

// Blockhash is a short-lived recency token. A signed payload referencing it
// is only accepted while the current ledger height has not passed
// ExpiryHeight.
type Blockhash struct {
	Hash         string `json:"blockhash"`
	ExpiryHeight uint64 `json:"last_valid_block_height"`
}

// SimulationResult reports the outcome of a dry run. Err is empty when the
// payload would execute successfully.
type SimulationResult struct {
	Err  string   `json:"err,omitempty"`
	Logs []string `json:"logs,omitempty"`
}

// ConfirmationState enumerates the states a submitted payload can report.
type ConfirmationState string

const (
	StateUnknown   ConfirmationState = "unknown"
	StatePending   ConfirmationState = "pending"
	StateConfirmed ConfirmationState = "confirmed"
	StateFinalized ConfirmationState = "finalized"
	StateFailed    ConfirmationState = "failed"
)

// SignatureStatus is the network's view of one submission. Err carries the
// execution error when State is StateFailed.
type SignatureStatus struct {
	State ConfirmationState `json:"confirmation_status"`
	Err   string            `json:"err,omitempty"`
}

// Confirmed reports whether the status is terminal-successful.
func (s SignatureStatus) Confirmed() bool {
	return s.State == StateConfirmed || s.State == StateFinalized
}

// Client defines the common interface that any network implementation must
// provide so the executor can drive different endpoints uniformly.
type Client interface {
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	BlockHeight(ctx context.Context) (uint64, error)
	Simulate(ctx context.Context, payload []byte) (SimulationResult, error)
	Submit(ctx context.Context, payload []byte) (string, error)
	SignatureStatus(ctx context.Context, submissionID string) (SignatureStatus, error)
	Close()
}
