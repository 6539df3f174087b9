package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// KeyDialer is the production Dialer: a direct TCP dial followed by a
// public-key handshake. One attempt per call.
type KeyDialer struct{}

// Dial establishes an SSH connection to the remote host.
func (KeyDialer) Dial(ctx context.Context, cfg *Config) (Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return nil, classifyDialError(err)
	case client := <-connChan:
		log.Info().Str("address", address).Msg("SSH connection established")
		return &Client{client: client}, nil
	}
}

// classifyDialError separates failures that mean "not listening yet"
// (refused, timeout, reset during boot) from rejected authentication.
func classifyDialError(err error) *TransportError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	// Handshake-level noise (EOF, reset) while sshd is still starting up.
	return &TransportError{Op: "connect", Err: err, IsTemporary: true}
}

// Client is an open SSH session implementing Session.
type Client struct {
	client *ssh.Client

	mu     sync.Mutex
	closed bool
}

// Run executes a command on the remote host and captures stdout, stderr and
// the exit status.
func (c *Client) Run(ctx context.Context, cmd string) (ExecResult, error) {
	sshClient, err := c.live()
	if err != nil {
		return ExecResult{}, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return ExecResult{}, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
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

	result := ExecResult{
		Stdout: strings.TrimSpace(stdoutBuf.String()),
		Stderr: strings.TrimSpace(stderrBuf.String()),
	}

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			// The command ran; a non-zero status is data, not a channel failure.
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
	}

	return result, nil
}

// Close releases the underlying connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.client == nil {
		return nil
	}
	c.closed = true

	log.Debug().Msg("closing SSH connection")
	return c.client.Close()
}

// live returns the underlying SSH client if the session is still open.
func (c *Client) live() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}
