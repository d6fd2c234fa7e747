package ssh

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/agent462/drover/internal/sshtest"
)

func TestPool_StaleSessionReplaced(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	pubKey, key := sshtest.GenerateKey(t)
	var conns atomic.Int32
	addr, cleanup := sshtest.Start(t,
		sshtest.WithPublicKey(pubKey),
		sshtest.WithConnCounter(&conns),
		sshtest.WithCmdHandler(func(cmd string) (string, string, int) { return "ok\n", "", 0 }),
	)
	defer cleanup()

	host, port := sshtest.ParseAddr(t, addr)
	target := Target{Host: host, Port: port, User: "testuser", PrivateKey: key}

	pool := NewPool(testConf)
	defer pool.Close()

	if r := pool.Run(context.Background(), "1", target, "first"); r.Err != nil {
		t.Fatalf("first run: %v", r.Err)
	}

	// Break the pooled connection behind the pool's back.
	pool.mu.Lock()
	stale := pool.clients["1"].client
	pool.mu.Unlock()
	stale.Close()

	r := pool.Run(context.Background(), "1", target, "second")
	if r.Err != nil {
		t.Fatalf("run after stale session: %v", r.Err)
	}
	if string(r.Stdout) != "ok\n" {
		t.Errorf("stdout = %q", r.Stdout)
	}
	if n := conns.Load(); n != 2 {
		t.Errorf("server accepted %d connections, want 2", n)
	}

	pool.mu.Lock()
	fresh := pool.clients["1"].client
	pool.mu.Unlock()
	if fresh == stale {
		t.Error("stale client should have been replaced")
	}
}
