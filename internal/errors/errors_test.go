package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestCryptoError tests CryptoError type.
func TestCryptoError(t *testing.T) {
	cerr := NewCryptoError("hse-open", ErrAuthenticationFailed)

	errStr := cerr.Error()
	if !strings.Contains(errStr, "hse-open") {
		t.Errorf("Error string should contain operation: %q", errStr)
	}
	if !errors.Is(cerr, ErrAuthenticationFailed) {
		t.Error("CryptoError should unwrap to its sentinel")
	}
}

// TestProtocolError tests ProtocolError type.
func TestProtocolError(t *testing.T) {
	perr := NewProtocolError("client_hello", ErrInsufficientData)

	if !strings.Contains(perr.Error(), "client_hello") {
		t.Errorf("Error string should contain phase: %q", perr.Error())
	}
	if perr.Unwrap() != ErrInsufficientData {
		t.Errorf("Unwrap() = %v, want %v", perr.Unwrap(), ErrInsufficientData)
	}

	var target *ProtocolError
	wrapped := fmt.Errorf("handshake: %w", perr)
	if !As(wrapped, &target) || target.Phase != "client_hello" {
		t.Error("As() should find the ProtocolError in a wrapped chain")
	}
}

func TestPacketError(t *testing.T) {
	perr := &PacketError{Stream: 3, Seq: 42, Err: ErrInvalidSequence}
	if !Is(perr, ErrInvalidSequence) {
		t.Error("PacketError should unwrap to ErrInvalidSequence")
	}
	if !strings.Contains(perr.Error(), "seq=42") {
		t.Errorf("Error string should contain sequence: %q", perr.Error())
	}
}

func TestIsPacketLocal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrChecksumMismatch, true},
		{ErrInvalidSequence, true},
		{ErrTimestampOutOfRange, true},
		{&PacketError{Err: ErrFlowControlViolation}, true},
		{NewCryptoError("open", ErrAuthenticationFailed), true},
		{ErrTooManyConnections, false},
		{ErrSessionClosed, false},
		{ErrKeyRotationFailure, false},
	}

	for _, tt := range tests {
		if got := IsPacketLocal(tt.err); got != tt.want {
			t.Errorf("IsPacketLocal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDisconnectCodeRoundTrip(t *testing.T) {
	tests := []struct {
		err  error
		code DisconnectCode
	}{
		{nil, CodeNormal},
		{ErrSessionClosed, CodeNormal},
		{ErrAuthenticationFailed, CodeAuthenticationFailed},
		{ErrTooManyConnections, CodeTooManyConnections},
		{fmt.Errorf("wait: %w", ErrTimeout), CodeTimeout},
		{ErrRateLimited, CodeRateLimited},
		{ErrKeyRotationFailure, CodeKeyRotationFailure},
		{NewProtocolError("decode", ErrUnknownPacketType), CodeProtocolError},
		{errors.New("boom"), CodeInternalError},
	}

	for _, tt := range tests {
		code := CodeFor(tt.err)
		if code != tt.code {
			t.Errorf("CodeFor(%v) = %s, want %s", tt.err, code, tt.code)
			continue
		}
		if tt.err == nil || code == CodeInternalError || code == CodeProtocolError {
			continue
		}
		if back := ErrorFor(code); !errors.Is(tt.err, back) {
			t.Errorf("ErrorFor(%s) = %v, not in chain of %v", code, back, tt.err)
		}
	}
}

func TestDisconnectCodeString(t *testing.T) {
	if CodeTimeout.String() != "timeout" {
		t.Errorf("CodeTimeout.String() = %q", CodeTimeout.String())
	}
	if got := DisconnectCode(0x1234).String(); got != "code_0x1234" {
		t.Errorf("unknown code String() = %q", got)
	}
}
