package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host. A non-zero exit status
// is returned as a *TransportError carrying the status.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	startTime := time.Now()

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			ExitStatus:  -1,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return stdout, stderr, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		msg := stderr
		if msg == "" {
			msg = "command failed"
		}
		// Readiness commands fail until the host finishes booting.
		return stdout, stderr, &TransportError{
			Op:          "execute",
			Err:         errors.New(msg),
			IsTemporary: true,
			ExitStatus:  exitErr.ExitStatus(),
		}
	}

	return stdout, stderr, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
		ExitStatus:  -1,
	}
}
