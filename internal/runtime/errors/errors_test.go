package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrConfigRequired", ErrConfigRequired, "unitkernel: configuration is required"},
		{"ErrTopicRequired", ErrTopicRequired, "unitkernel: topic is required"},
		{"ErrRequestTimeout", ErrRequestTimeout, "unitkernel: request timed out"},
		{"ErrUnknownUnit", ErrUnknownUnit, "unitkernel: unknown unit"},
		{"ErrHandshakeTimeout", ErrHandshakeTimeout, "unitkernel: handshake timed out"},
		{"ErrHandshakePending", ErrHandshakePending, "unitkernel: handshake already pending"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "unitkernel: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{Method: "memory.query", Message: "no such key"}
	if got := err.Error(); got != "unitkernel: rpc memory.query: no such key" {
		t.Fatalf("unexpected message %q", got)
	}
}
