package agent

import (
	"errors"
	"testing"
)

func TestErrorKind_Retryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTransport, true},
		{KindRateLimit, true},
		{KindAuth, false},
		{KindValidation, false},
		{KindPermission, false},
		{KindInternal, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestTaggedError_UnwrapAndIs(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	tagged := Tag("provider", KindTransport, cause)

	if !errors.Is(tagged, cause) {
		t.Fatal("expected errors.Is to see through TaggedError to its cause")
	}
	if KindOf(tagged) != KindTransport {
		t.Fatalf("expected KindTransport, got %s", KindOf(tagged))
	}
	if !IsRetryable(tagged) {
		t.Fatal("expected transport error to be retryable")
	}
}

func TestKindOf_UnclassifiedDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain error")) != KindInternal {
		t.Fatal("expected plain error to classify as internal")
	}
}

func TestRedactErrorMessage_ScrubsAPIKey(t *testing.T) {
	msg := "request failed: api_key=sk-abcdefghijklmnopqrstuvwxyz"
	redacted := RedactErrorMessage(msg)
	if redacted == msg {
		t.Fatal("expected api key to be redacted")
	}
}

func TestRedactError_PreservesKindDropsCause(t *testing.T) {
	cause := errors.New("password=hunter2hunter2hunter2")
	tagged := TagMessage("auth", KindAuth, "login failed: password=hunter2hunter2hunter2", cause)

	redacted := RedactError(tagged)
	re, ok := redacted.(*TaggedError)
	if !ok {
		t.Fatalf("expected *TaggedError, got %T", redacted)
	}
	if re.Kind != KindAuth {
		t.Fatalf("expected kind to be preserved, got %s", re.Kind)
	}
	if re.Cause != nil {
		t.Fatal("expected redacted error to drop the raw cause")
	}
}
