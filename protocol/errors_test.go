package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := NewMethodNotFound("method \"x\" not found")
	want := "mcp: method \"x\" not found (code: -32601)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestError_Is(t *testing.T) {
	t.Run("matches by code", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", NewInvalidParams("missing name"))
		if !errors.Is(err, &Error{Code: CodeInvalidParams}) {
			t.Error("errors.Is = false for matching code")
		}
	})

	t.Run("different codes do not match", func(t *testing.T) {
		if errors.Is(NewParseError("x"), &Error{Code: CodeInternalError}) {
			t.Error("errors.Is = true for different codes")
		}
	})

	t.Run("non-protocol targets do not match", func(t *testing.T) {
		if errors.Is(NewParseError("x"), errors.New("plain")) {
			t.Error("errors.Is = true for a plain error")
		}
	})
}

func TestError_WithData(t *testing.T) {
	base := NewNotFound("no such resource")
	enriched := base.WithData(map[string]string{"uri": "file:///x"})

	if enriched.Code != base.Code || enriched.Message != base.Message {
		t.Errorf("WithData changed code or message: %+v", enriched)
	}
	if enriched.Data == nil {
		t.Error("Data = nil after WithData")
	}
	if base.Data != nil {
		t.Error("WithData mutated the original error")
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		err  *Error
		code int
	}{
		{NewParseError("x"), CodeParseError},
		{NewInvalidRequest("x"), CodeInvalidRequest},
		{NewMethodNotFound("x"), CodeMethodNotFound},
		{NewInvalidParams("x"), CodeInvalidParams},
		{NewInternalError("x"), CodeInternalError},
		{NewServerNotInitialized("x"), CodeServerNotInitialized},
		{NewNotFound("x"), CodeNotFound},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("code = %d, want %d", tt.err.Code, tt.code)
		}
	}
}
