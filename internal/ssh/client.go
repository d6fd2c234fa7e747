package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/agent462/drover/internal/pathutil"
)

// HealthCheckCommand is the no-op run on a pooled session before reuse.
const HealthCheckCommand = "true"

// Target identifies a remote host and the credentials to log in with.
type Target struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string // PEM encoded
}

// Address returns host:port, defaulting the port to 22.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// ClientConfig holds options shared by all SSH connections.
type ClientConfig struct {
	// AcceptUnknownHosts controls whether to accept hosts not in known_hosts.
	AcceptUnknownHosts bool

	// KnownHostsFile overrides ~/.ssh/known_hosts.
	KnownHostsFile string

	// HostKeyCallback overrides the default host key verification.
	// If nil, knownhosts is used (with AcceptUnknownHosts controlling unknowns).
	HostKeyCallback ssh.HostKeyCallback

	// DialTimeout bounds TCP connect plus handshake. Zero means no bound
	// beyond the caller's context.
	DialTimeout time.Duration
}

// Client wraps an SSH connection to a single host.
type Client struct {
	host      string
	sshClient *ssh.Client
}

// Dial connects to the target. Credentials carried by the target are tried
// first; a target without any falls back to the SSH agent and the identity
// files from ~/.ssh/config.
func Dial(ctx context.Context, t Target, conf ClientConfig) (*Client, error) {
	if t.Host == "" {
		return nil, errors.New("target host is empty")
	}
	if conf.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.DialTimeout)
		defer cancel()
	}

	addr, user := resolveConnection(t)
	authMethods, err := buildAuthMethods(t)
	if err != nil {
		return nil, fmt.Errorf("auth methods for %s: %w", t.Host, err)
	}

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return nil, fmt.Errorf("host key callback: %w", err)
	}

	sshConf := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}

	conn, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Perform SSH handshake with context cancellation.
	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Client{
		host:      t.Host,
		sshClient: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// RunCommand executes a command on the connected host and returns
// stdout, stderr, exit code, and any error.
func (c *Client) RunCommand(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.sshClient.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf safeBuffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		// Signal the session to close, which will cause Run to return.
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
			}
			return outBuf.Bytes(), errBuf.Bytes(), -1, err
		}
		return outBuf.Bytes(), errBuf.Bytes(), 0, nil
	}
}

// Ping runs the health check command and reports whether the connection
// is still usable.
func (c *Client) Ping(ctx context.Context) error {
	_, _, code, err := c.RunCommand(ctx, HealthCheckCommand)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("health check exited with %d", code)
	}
	return nil
}

// Close closes the underlying SSH connection.
func (c *Client) Close() error {
	if c.sshClient == nil {
		return nil
	}
	return c.sshClient.Close()
}

// Host returns the hostname this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// resolveConnection builds the address and username for a target, falling
// back to ~/.ssh/config and then the environment for anything unset.
func resolveConnection(t Target) (addr, user string) {
	user = t.User
	if user == "" {
		user = sshconfig.Get(t.Host, "User")
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}

	if t.Port == 0 {
		if p, err := strconv.Atoi(sshconfig.Get(t.Host, "Port")); err == nil && p > 0 {
			t.Port = p
		}
	}
	return t.Address(), user
}

// buildAuthMethods constructs the ordered auth chain.
func buildAuthMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if t.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(t.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if t.Password != "" {
		pw := t.Password
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	if len(methods) > 0 {
		return methods, nil
	}

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}
	for _, keyFile := range resolveKeyFiles(t.Host) {
		if signer := loadKeySigner(keyFile); signer != nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("no password, private key, agent or identity file available")
	}
	return methods, nil
}

// sharedAgent holds a lazily-initialized, process-wide SSH agent connection.
// Uses a mutex instead of sync.Once so a failed dial can be retried.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}
}

// agentAuthMethod returns an auth method using the SSH agent, or nil
// if the agent is unavailable or has no keys.
func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) > 0 {
				return ssh.PublicKeysCallback(sharedAgent.client.Signers)
			}
			return nil
		}
		// Stale connection; close and redial below.
		sharedAgent.conn.Close()
		sharedAgent.client = nil
		sharedAgent.conn = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

// resolveKeyFiles returns key file paths from ssh_config and default locations.
func resolveKeyFiles(host string) []string {
	var files []string

	if identity := sshconfig.Get(host, "IdentityFile"); identity != "" {
		expanded := pathutil.ExpandHome(identity)
		if _, err := os.Stat(expanded); err == nil {
			files = append(files, expanded)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return files
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	return files
}

// loadKeySigner reads a private key file and returns a signer.
func loadKeySigner(path string) ssh.Signer {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

// resolveHostKeyCallback builds the host key callback.
func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}

	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := pathutil.ExpandHome(conf.KnownHostsFile)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; set ssh.accept_unknown_hosts to skip host key verification", path)
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// dialContext dials a network address with context cancellation support.
func dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
