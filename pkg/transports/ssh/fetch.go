package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Fetch copies a remote file to localPath via SFTP and returns the byte
// count. The content is written to a temporary file and renamed into place,
// so a failed transfer leaves nothing at localPath.
func (c *Client) Fetch(ctx context.Context, remotePath, localPath string) (int64, error) {
	startTime := time.Now()

	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Msg("fetching file")

	sshClient, err := c.live()
	if err != nil {
		return 0, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return 0, &TransportError{
			Op:          "fetch",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		if errorsIsNotExist(err) {
			return 0, &TransportError{Op: "fetch", Err: err, IsNotFound: true}
		}
		return 0, &TransportError{Op: "fetch", Err: fmt.Errorf("failed to open remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	localDir := filepath.Dir(localPath)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return 0, &TransportError{Op: "fetch", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	partial := localPath + ".partial"
	localFile, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, &TransportError{Op: "fetch", Err: fmt.Errorf("failed to create local file: %w", err)}
	}

	written, err := copyWithContext(ctx, localFile, remoteFile)
	if cerr := localFile.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(partial)
		return 0, &TransportError{Op: "fetch", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := os.Rename(partial, localPath); err != nil {
		_ = os.Remove(partial)
		return 0, &TransportError{Op: "fetch", Err: fmt.Errorf("failed to move file into place: %w", err)}
	}

	log.Info().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file fetched")

	return written, nil
}

// errorsIsNotExist reports whether the SFTP server answered "no such file".
func errorsIsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// copyWithContext copies data from src to dst while respecting context
// cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
