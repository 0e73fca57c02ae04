package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestCodeOfAndIs(t *testing.T) {
	err := New(CodePolicyViolation, "转账超限")
	if CodeOf(err) != CodePolicyViolation {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, New(CodePolicyViolation, "")) {
		t.Fatal("errors with same code should match via errors.Is")
	}
	if stdErrors.Is(err, New(CodeTimeout, "")) {
		t.Fatal("errors with different codes must not match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeChainUnavailable, cause, "节点不可达")
	if !stdErrors.Is(err, cause) {
		t.Fatal("wrapped cause should be reachable via errors.Is")
	}
	if CodeOf(err) != CodeChainUnavailable {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if CodeOf(fmt.Errorf("plain")) != CodeUnknown {
		t.Fatal("foreign errors should map to UNKNOWN")
	}
	if RetryableError(fmt.Errorf("plain")) {
		t.Fatal("foreign errors must not be retryable")
	}
}

func TestRegistryDefaults(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
		alert     bool
	}{
		{CodeSubmissionExpired, true, false},
		{CodeChainUnavailable, true, true},
		{CodeDecryptionFailure, false, true},
		{CodePolicyViolation, false, true},
		{CodeSimulationFailure, false, false},
		{CodeRetriesExhausted, false, true},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if err.Retryable() != tc.retryable {
			t.Fatalf("%s: retryable = %v, want %v", tc.code, err.Retryable(), tc.retryable)
		}
		if err.ShouldAlert() != tc.alert {
			t.Fatalf("%s: alert = %v, want %v", tc.code, err.ShouldAlert(), tc.alert)
		}
	}
}

func TestOptionOverrides(t *testing.T) {
	err := New(CodeTimeout, "确认被取消", WithRetryable(false), WithSeverity(SeverityCritical))
	if err.Retryable() {
		t.Fatal("override should disable retry")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodePolicyViolation, "", WithMetadata("agent_id", "agent-1"))
	meta := err.Metadata()
	meta["agent_id"] = "mutated"
	if err.Metadata()["agent_id"] != "agent-1" {
		t.Fatal("metadata must not be mutable from outside")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	if !New(code, "").Retryable() {
		t.Fatal("registered attributes should apply")
	}
}

func TestDefaultMessageFromRegistry(t *testing.T) {
	err := New(CodeIdentityNotFound, "")
	if err.Message() != "agent identity not found" {
		t.Fatalf("unexpected default message: %s", err.Message())
	}
}
