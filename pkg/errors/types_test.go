package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeToolNotFound, "tool xyz not found")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}
	if err.Code != ErrCodeToolNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeToolNotFound)
	}
	if err.Mode != ModeAgent {
		t.Errorf("Mode = %v, want %v", err.Mode, ModeAgent)
	}
	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}
	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}
	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("disk full")
	err := Wrap(underlying, ErrCodeStorageWrite, "append audit record")

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should see the underlying error")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Error("Error string should include underlying error")
	}
	if err.Mode != ModeSystem {
		t.Errorf("Mode = %v, want SYSTEM", err.Mode)
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestError_ContextIsSorted(t *testing.T) {
	err := New(ErrCodeBudgetExceeded, "ceiling reached").
		WithContext("scope", "global").
		WithContext("dimension", "calls")

	want := "[BUDGET_EXCEEDED] ceiling reached {dimension: calls, scope: global}"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestModeDefaults(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want FailureMode
	}{
		{ErrCodePlanInvalid, ModeUser},
		{ErrCodeBudgetExceeded, ModeResource},
		{ErrCodePlanTimeout, ModeResource},
		{ErrCodeApprovalRejected, ModePolicy},
		{ErrCodeApprovalExpired, ModePolicy},
		{ErrCodeToolTimeout, ModeSystem},
		{ErrCodeRoutingFailed, ModeAgent},
		{ErrorCode("SOMETHING_NEW"), ModeSystem},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "x").Mode; got != tt.want {
				t.Errorf("mode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithMode(t *testing.T) {
	err := New(ErrCodeToolExecution, "vendor said no").WithMode(ModeUser)
	if ModeOf(err) != ModeUser {
		t.Errorf("ModeOf = %v, want USER", ModeOf(err))
	}
}

func TestModeOf(t *testing.T) {
	if ModeOf(nil) != "" {
		t.Error("ModeOf(nil) should be empty")
	}
	if ModeOf(context.Canceled) != ModeSystem {
		t.Error("plain errors should classify as SYSTEM")
	}
	wrapped := fmt.Errorf("step 2: %w", New(ErrCodeApprovalRejected, "denied"))
	if ModeOf(wrapped) != ModePolicy {
		t.Errorf("ModeOf(wrapped) = %v, want POLICY", ModeOf(wrapped))
	}
}

func TestIsCodeThroughChain(t *testing.T) {
	inner := New(ErrCodeToolTimeout, "slow vendor").WithRetryable(true)
	outer := fmt.Errorf("attempt 1: %w", inner)

	if !IsCode(outer, ErrCodeToolTimeout) {
		t.Error("IsCode should follow wrapped chain")
	}
	if GetCode(outer) != ErrCodeToolTimeout {
		t.Errorf("GetCode = %v", GetCode(outer))
	}
	if !IsRetryable(outer) {
		t.Error("IsRetryable should follow wrapped chain")
	}
	if GetCode(errors.New("plain")) != ErrCodeInternal {
		t.Error("plain errors should report INTERNAL")
	}
	if GetCode(nil) != "" {
		t.Error("GetCode(nil) should be empty")
	}
}

func TestExplain(t *testing.T) {
	err := New(ErrCodeApprovalExpired, "no decision before deadline").
		WithUserMessage("Nobody approved the transfer in time.")

	if got := Explain(err); got != "Nobody approved the transfer in time." {
		t.Errorf("Explain = %q", got)
	}
	if strings.Contains(Explain(New(ErrCodeInternal, "boom")), "Stack") {
		t.Error("Explain must not include stack traces")
	}
	if Explain(errors.New("plain")) != "plain" {
		t.Error("Explain should fall back to Error()")
	}
}

func TestWithRemediation(t *testing.T) {
	err := New(ErrCodeBudgetInsufficient, "first step exceeds ceiling").
		WithRemediation("raise the cost ceiling", "switch the policy to warn")
	if len(err.Remediation) != 2 {
		t.Fatalf("Remediation = %v", err.Remediation)
	}
	if err.WithRemediation() != err {
		t.Error("empty remediation should be a no-op")
	}
}

func TestStackTrace(t *testing.T) {
	trace := New(ErrCodeInternal, "x").StackTrace()
	if !strings.HasPrefix(trace, "Stack trace:") {
		t.Errorf("unexpected stack trace %q", trace)
	}
	if !strings.Contains(trace, "TestStackTrace") {
		t.Error("stack should include the calling test")
	}
}
