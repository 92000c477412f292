package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/switchyard-ai/switchyard/internal/catalog"
)

func TestReasonRetryable(t *testing.T) {
	tests := []struct {
		reason   Reason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonAuth, false},
		{ReasonBilling, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.Retryable(); got != tt.expected {
				t.Errorf("Reason(%q).Retryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Reason
	}{
		{"nil error", nil, ReasonUnknown},
		{"timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline exceeded", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"too many requests", errors.New("too many requests"), ReasonRateLimit},
		{"429 status", errors.New("HTTP 429"), ReasonRateLimit},
		{"unauthorized", errors.New("unauthorized"), ReasonAuth},
		{"invalid api key", errors.New("invalid api key"), ReasonAuth},
		{"billing", errors.New("billing issue"), ReasonBilling},
		{"quota exceeded", errors.New("quota exceeded"), ReasonBilling},
		{"content filter", errors.New("content_filter triggered"), ReasonContentFilter},
		{"safety block", errors.New("content blocked by safety"), ReasonContentFilter},
		{"model not found", errors.New("model not found"), ReasonModelUnavailable},
		{"server error", errors.New("internal server error"), ReasonServerError},
		{"502 status", errors.New("HTTP 502"), ReasonServerError},
		{"unknown", errors.New("something went wrong"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{500, ReasonServerError},
		{502, ReasonServerError},
		{503, ReasonServerError},
		{200, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.expected)
			}
		})
	}
}

func TestNewErrorAndBuilders(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewError(catalog.ProviderAnthropic, "claude-sonnet-4-20250514", cause).
		WithStatus(429).
		WithCode("rate_limit_error")

	if err.Error() == "" {
		t.Error("Error() returned empty string")
	}
	if err.Reason != ReasonRateLimit {
		t.Errorf("Reason = %v, want %v", err.Reason, ReasonRateLimit)
	}
	if err.Provider != catalog.ProviderAnthropic {
		t.Errorf("Provider = %s, want anthropic", err.Provider)
	}
	if err.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %s, want claude-sonnet-4-20250514", err.Model)
	}
	if err.Status != 429 {
		t.Errorf("Status = %d, want 429", err.Status)
	}
	if err.Code != "rate_limit_error" {
		t.Errorf("Code = %s, want rate_limit_error", err.Code)
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return cause")
	}
	if !err.Reason.Retryable() {
		t.Error("rate limit should be retryable")
	}
}

func TestWithCodeKeepsReasonForUnknownCode(t *testing.T) {
	err := NewError(catalog.ProviderOpenAI, "gpt-4o", errors.New("request timeout")).
		WithCode("mystery_code")
	if err.Reason != ReasonTimeout {
		t.Errorf("Reason = %v, want %v after unknown code", err.Reason, ReasonTimeout)
	}
	if err.Code != "mystery_code" {
		t.Errorf("Code = %s, want mystery_code", err.Code)
	}
}

func TestAsError(t *testing.T) {
	perr := NewError(catalog.ProviderOpenAI, "gpt-4o", errors.New("test"))

	got, ok := AsError(perr)
	if !ok || got != perr {
		t.Error("AsError should extract a direct *Error")
	}

	wrapped := fmt.Errorf("outer: %w", perr)
	got, ok = AsError(wrapped)
	if !ok || got != perr {
		t.Error("AsError should extract a wrapped *Error")
	}

	if _, ok := AsError(errors.New("regular")); ok {
		t.Error("AsError should return false for a plain error")
	}
}

func TestRetryable(t *testing.T) {
	rateLimited := NewError(catalog.ProviderAnthropic, "claude", nil).WithStatus(429)
	if !Retryable(rateLimited) {
		t.Error("429 should be retryable")
	}

	authErr := NewError(catalog.ProviderOpenAI, "gpt-4o", nil).WithStatus(401)
	if Retryable(authErr) {
		t.Error("auth failure should not be retryable")
	}

	// Plain errors are classified from their message.
	if !Retryable(errors.New("timeout exceeded")) {
		t.Error("timeout message should be retryable")
	}
	if Retryable(errors.New("no such host")) {
		t.Error("unclassified error should not be retryable")
	}
}
