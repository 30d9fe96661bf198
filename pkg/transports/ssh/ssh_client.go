package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over a single connection.
type SSHClient struct {
	config *Config

	client      *ssh.Client
	connMu      sync.RWMutex
	isConnected bool
	connectedAt time.Time
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.client.Close()
		c.client = nil
		c.isConnected = false
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
			ExitStatus:  -1,
		}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			ExitStatus:  -1,
		}
	}

	// The handshake has no context of its own; bound it by the deadline.
	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		// Auth failures are common while cloud-init is still installing
		// keys, so they stay temporary.
		return &TransportError{
			Op:          "handshake",
			Err:         err,
			IsTemporary: true,
			IsAuthError: isAuthFailure(err),
			ExitStatus:  -1,
		}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.isConnected = true
	c.connectedAt = time.Now()

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	err := c.client.Close()
	c.client = nil
	c.isConnected = false

	if err != nil {
		return &TransportError{Op: "disconnect", Err: err, ExitStatus: -1}
	}

	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// ConnectedAt returns when the current connection was established.
func (c *SSHClient) ConnectedAt() time.Time {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connectedAt
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{
			Op:         "healthcheck",
			Err:        fmt.Errorf("not connected"),
			ExitStatus: -1,
		}
	}

	return c.healthCheckInternal()
}

// healthCheckInternal performs the actual health check (must be called with lock held).
func (c *SSHClient) healthCheckInternal() error {
	if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			ExitStatus:  -1,
		}
	}
	return nil
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{
			Op:         "get-client",
			Err:        fmt.Errorf("not connected"),
			ExitStatus: -1,
		}
	}

	return c.client, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
