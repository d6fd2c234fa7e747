package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectError wraps an SSH connection error with a hint for the operator.
// Its text ends up in the output of failed executions.
type ConnectError struct {
	Host string
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v (hint: %s)", e.Host, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

type hintRule struct {
	match func(err error, msg string) bool
	hint  func(host string) string
}

func contains(subs ...string) func(error, string) bool {
	return func(_ error, msg string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

func fixed(s string) func(string) string {
	return func(string) string { return s }
}

var hintRules = []hintRule{
	{
		match: func(err error, msg string) bool {
			var authErr *ssh.ServerAuthError
			return errors.As(err, &authErr) ||
				contains("unable to authenticate", "no supported methods remain")(err, msg)
		},
		hint: fixed("check the server's username and password or private key"),
	},
	{
		match: contains("parse private key"),
		hint:  fixed("the stored private key is not a valid unencrypted PEM key"),
	},
	{
		match: contains("connection refused"),
		hint:  fixed("verify the SSH daemon is running and the port is correct"),
	},
	{
		match: func(err error, msg string) bool {
			var dnsErr *net.DNSError
			return errors.As(err, &dnsErr) || contains("no such host")(err, msg)
		},
		hint: fixed("verify the server hostname is correct"),
	},
	{
		match: contains("i/o timeout", "context deadline exceeded"),
		hint:  fixed("host did not answer in time; check firewalls or use a proxy connection"),
	},
	{
		match: func(err error, msg string) bool {
			var keyErr *knownhosts.KeyError
			return errors.As(err, &keyErr) && len(keyErr.Want) > 0
		},
		hint: func(host string) string {
			return fmt.Sprintf("host key changed; remove the old key with: ssh-keygen -R %s", host)
		},
	},
	{
		match: func(err error, msg string) bool {
			var keyErr *knownhosts.KeyError
			return errors.As(err, &keyErr) || contains("no known_hosts", "knownhosts")(err, msg)
		},
		hint: func(host string) string {
			return fmt.Sprintf("set ssh.accept_unknown_hosts or add the key with: ssh-keyscan %s >> ~/.ssh/known_hosts", host)
		},
	},
	{
		match: contains("handshake failed"),
		hint:  fixed("SSH handshake failed; check credentials and host key settings"),
	},
}

// WrapConnectError wraps an SSH connection error with a hint. Errors that
// match no known pattern are returned unchanged.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, r := range hintRules {
		if r.match(err, msg) {
			return &ConnectError{Host: host, Err: err, Hint: r.hint(host)}
		}
	}
	return err
}
