package ssh

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/agent462/drover/internal/sshtest"
)

var testConf = ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()}

// dialTestClient dials with only the explicitly provided key, never the
// local SSH agent or default key files.
func dialTestClient(t *testing.T, host string, port int, key string) *Client {
	t.Helper()
	t.Setenv("SSH_AUTH_SOCK", "")

	client, err := Dial(context.Background(), Target{Host: host, Port: port, User: "testuser", PrivateKey: key}, testConf)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func TestSuccessfulConnectionAndCommand(t *testing.T) {
	pubKey, key := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "hello world\n", "", 0
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client := dialTestClient(t, host, port, key)
	defer client.Close()

	stdout, stderr, exitCode, err := client.RunCommand(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exitCode)
	}
	if string(stdout) != "hello world\n" {
		t.Errorf("expected stdout 'hello world\\n', got %q", string(stdout))
	}
	if len(stderr) != 0 {
		t.Errorf("expected empty stderr, got %q", string(stderr))
	}
}

func TestAuthWithPassword(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	addr, cleanup := sshtest.Start(t, sshtest.WithPassword("s3cret"), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "authenticated\n", "", 0
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client, err := Dial(context.Background(), Target{Host: host, Port: port, User: "ops", Password: "s3cret"}, testConf)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	stdout, _, _, err := client.RunCommand(context.Background(), "whoami")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if string(stdout) != "authenticated\n" {
		t.Errorf("expected 'authenticated\\n', got %q", stdout)
	}
}

func TestAuthWithWrongPassword(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	addr, cleanup := sshtest.Start(t, sshtest.WithPassword("s3cret"))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	_, err := Dial(context.Background(), Target{Host: host, Port: port, User: "ops", Password: "nope"}, testConf)
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if !strings.Contains(err.Error(), "unable to authenticate") {
		t.Errorf("error = %v, want authentication failure", err)
	}
}

func TestDial_InvalidPrivateKey(t *testing.T) {
	_, err := Dial(context.Background(), Target{Host: "127.0.0.1", Port: 1, PrivateKey: "not a key"}, testConf)
	if err == nil || !strings.Contains(err.Error(), "parse private key") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestCommandNonZeroExitCode(t *testing.T) {
	pubKey, key := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "", "command not found\n", 127
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client := dialTestClient(t, host, port, key)
	defer client.Close()

	stdout, stderr, exitCode, err := client.RunCommand(context.Background(), "badcmd")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if exitCode != 127 {
		t.Errorf("expected exit code 127, got %d", exitCode)
	}
	if len(stdout) != 0 {
		t.Errorf("expected empty stdout, got %q", stdout)
	}
	if string(stderr) != "command not found\n" {
		t.Errorf("expected 'command not found\\n', got %q", stderr)
	}
}

func TestPing(t *testing.T) {
	pubKey, key := sshtest.GenerateKey(t)
	var mu sync.Mutex
	var seen []string
	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		mu.Lock()
		seen = append(seen, cmd)
		mu.Unlock()
		return "", "", 0
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client := dialTestClient(t, host, port, key)
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	mu.Lock()
	if len(seen) != 1 || seen[0] != HealthCheckCommand {
		t.Errorf("server saw %v, want [%s]", seen, HealthCheckCommand)
	}
	mu.Unlock()

	client.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Error("ping on a closed client should fail")
	}
}

func TestConnectionTimeout(t *testing.T) {
	// A listener that accepts but never completes the SSH handshake.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	_, port := sshtest.ParseAddr(t, listener.Addr().String())

	conf := testConf
	conf.DialTimeout = 200 * time.Millisecond

	_, err = Dial(context.Background(), Target{Host: "127.0.0.1", Port: port, Password: "x"}, conf)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Errorf("expected context deadline exceeded, got: %v", err)
	}
}

func TestResolveHostKeyCallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if _, err := resolveHostKeyCallback(ClientConfig{}); err == nil || !strings.Contains(err.Error(), "no known_hosts file") {
		t.Errorf("expected missing known_hosts error, got %v", err)
	}

	if cb, err := resolveHostKeyCallback(ClientConfig{AcceptUnknownHosts: true}); err != nil || cb == nil {
		t.Errorf("insecure: cb=%v err=%v", cb != nil, err)
	}

	if cb, err := resolveHostKeyCallback(ClientConfig{HostKeyCallback: gossh.InsecureIgnoreHostKey()}); err != nil || cb == nil {
		t.Errorf("explicit: cb=%v err=%v", cb != nil, err)
	}

	if _, err := resolveHostKeyCallback(ClientConfig{KnownHostsFile: home + "/missing"}); err == nil || !strings.Contains(err.Error(), home+"/missing") {
		t.Errorf("expected error naming the configured file, got %v", err)
	}
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{Target{Host: "10.0.0.5"}, "10.0.0.5:22"},
		{Target{Host: "10.0.0.5", Port: 2222}, "10.0.0.5:2222"},
		{Target{Host: "::1", Port: 22}, "[::1]:22"},
	}
	for _, tc := range tests {
		if got := tc.target.Address(); got != tc.want {
			t.Errorf("Address(%+v) = %q, want %q", tc.target, got, tc.want)
		}
	}
}

func TestCommandWithStderrOutput(t *testing.T) {
	pubKey, key := sshtest.GenerateKey(t)

	addr, cleanup := sshtest.Start(t, sshtest.WithPublicKey(pubKey), sshtest.WithCmdHandler(func(cmd string) (string, string, int) {
		return "stdout output\n", "stderr warning\n", 0
	}))
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	client := dialTestClient(t, host, port, key)
	defer client.Close()

	stdout, stderr, exitCode, err := client.RunCommand(context.Background(), "mixedoutput")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exitCode)
	}
	if string(stdout) != "stdout output\n" {
		t.Errorf("expected stdout 'stdout output\\n', got %q", stdout)
	}
	if string(stderr) != "stderr warning\n" {
		t.Errorf("expected stderr 'stderr warning\\n', got %q", stderr)
	}
}
