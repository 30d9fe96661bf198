// Package ssh checks that freshly provisioned instances accept SSH logins
// and can run a readiness command.
package ssh

import (
	"context"
	"fmt"
)

// Transport is a connection able to run commands on a remote host.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the remote host.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// ExitStatus is the remote exit status for failed commands, or -1.
	ExitStatus int
}

func (e *TransportError) Error() string {
	if e.ExitStatus > 0 {
		return fmt.Sprintf("%s: exit status %d: %v", e.Op, e.ExitStatus, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
