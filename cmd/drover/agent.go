package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent462/drover/internal/config"
	"github.com/agent462/drover/internal/proxyagent"
	"github.com/agent462/drover/internal/ssh"
)

var agentFlags struct {
	server  string
	proxyID string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a proxy agent that executes relayed commands inside a private network",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if agentFlags.server != "" {
			cfg.Agent.ServerURL = agentFlags.server
		}
		if agentFlags.proxyID != "" {
			cfg.Agent.ProxyID = agentFlags.proxyID
		}
		if cfg.Agent.ServerURL == "" || cfg.Agent.ProxyID == "" {
			return errors.New("agent needs a server URL and a proxy ID (--server, --proxy-id or the agent config section)")
		}
		if cfg.Agent.APIKey == "" {
			key, err := promptAPIKey()
			if err != nil {
				return err
			}
			cfg.Agent.APIKey = key
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pool := ssh.NewPool(ssh.ClientConfig{
			AcceptUnknownHosts: cfg.SSH.AcceptUnknownHosts,
			KnownHostsFile:     cfg.SSH.KnownHosts,
			DialTimeout:        cfg.SSH.DialTimeout.Duration,
		})
		defer pool.Close()
		defer ssh.CloseAgent()

		agent := proxyagent.New(proxyagent.Config{
			ServerURL: cfg.Agent.ServerURL,
			ProxyID:   cfg.Agent.ProxyID,
			APIKey:    cfg.Agent.APIKey,
		}, pool, proxyagent.WithLogger(slog.Default()))
		return agent.Run(ctx)
	},
}

func init() {
	agentCmd.Flags().StringVarP(&agentFlags.server, "server", "s", "", "relay URL, e.g. ws://core:8080/relay")
	agentCmd.Flags().StringVar(&agentFlags.proxyID, "proxy-id", "", "proxy ID to register as")
}

// promptAPIKey reads the key without echo when stdin is a terminal.
func promptAPIKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no agent API key: set agent.api_key or %s", config.EnvAgentAPIKey)
	}
	fmt.Fprint(os.Stderr, "Relay API key: ")
	key, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read API key: %w", err)
	}
	if len(key) == 0 {
		return "", errors.New("empty API key")
	}
	return string(key), nil
}
