// Package ssh provides the key-authenticated remote shell channel used to
// observe and harvest the provisioned resource: run a command, fetch a file,
// close. Retry policy belongs to the caller; a dial here is a single attempt.
package ssh

import (
	"context"
)

// Session is an open remote shell channel. One session serves one
// provisioning run and is owned exclusively by its caller.
type Session interface {
	// Run executes a command and captures its output. A non-zero exit status
	// is reported through ExecResult, not as an error; the error return is
	// reserved for channel-level failures.
	Run(ctx context.Context, cmd string) (ExecResult, error)

	// Fetch copies a remote file to localPath and returns the byte count.
	// On failure no partial file is left at localPath.
	Fetch(ctx context.Context, remotePath, localPath string) (int64, error)

	// Close releases the underlying connection. Safe to call multiple times.
	Close() error
}

// Dialer opens sessions. The concrete implementation dials TCP and performs
// the SSH handshake; tests substitute their own.
type Dialer interface {
	// Dial makes a single key-authenticated connection attempt.
	Dial(ctx context.Context, cfg *Config) (Session, error)
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// TransportError is a classified failure from the shell channel.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "execute", "fetch").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks failures worth retrying: connection refused, dial
	// timeouts, a shell service that is not listening yet.
	IsTemporary bool

	// IsAuthError marks rejected authentication. Never retried.
	IsAuthError bool

	// IsNotFound marks a missing remote path on fetch.
	IsNotFound bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
