package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh/knownhosts"
)

func TestWrapConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantHint string // empty means the error is returned unchanged
	}{
		{
			name:     "connection refused",
			err:      &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")},
			wantHint: "SSH daemon",
		},
		{
			name:     "dns failure",
			err:      &net.DNSError{Err: "no such host", Name: "badhost"},
			wantHint: "hostname",
		},
		{
			name:     "auth failure",
			err:      fmt.Errorf("ssh: handshake failed: ssh: unable to authenticate"),
			wantHint: "password or private key",
		},
		{
			name:     "bad key",
			err:      fmt.Errorf("auth methods for h: parse private key: ssh: no key found"),
			wantHint: "PEM",
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("dial 10.0.0.1:22: i/o timeout"),
			wantHint: "in time",
		},
		{
			name:     "unknown host key",
			err:      &knownhosts.KeyError{},
			wantHint: "accept_unknown_hosts",
		},
		{
			name:     "changed host key",
			err:      &knownhosts.KeyError{Want: []knownhosts.KnownKey{{Filename: "known_hosts", Line: 3}}},
			wantHint: "ssh-keygen -R myhost",
		},
		{
			name: "unrelated",
			err:  errors.New("something else"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := WrapConnectError("myhost", tc.err)
			var ce *ConnectError
			if tc.wantHint == "" {
				if errors.As(wrapped, &ce) {
					t.Fatalf("expected unwrapped error, got hint %q", ce.Hint)
				}
				return
			}
			if !errors.As(wrapped, &ce) {
				t.Fatalf("expected *ConnectError, got %T", wrapped)
			}
			if !strings.Contains(ce.Hint, tc.wantHint) {
				t.Errorf("hint = %q, want mention of %q", ce.Hint, tc.wantHint)
			}
			if !errors.Is(wrapped, tc.err) {
				t.Error("wrapped error should unwrap to the original")
			}
		})
	}
}

func TestWrapConnectError_Nil(t *testing.T) {
	if WrapConnectError("h", nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestConnectError_Message(t *testing.T) {
	err := &ConnectError{Host: "web-1", Err: errors.New("boom"), Hint: "try again"}
	if got := err.Error(); got != "web-1: boom (hint: try again)" {
		t.Errorf("Error() = %q", got)
	}
}
